package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordEvaluation(t *testing.T) {
	m := New()

	m.RecordEvaluation("percentage", "rollout")
	m.RecordEvaluation("percentage", "rollout")
	m.RecordEvaluation("", "flag_not_found")

	if got := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("percentage", "rollout")); got != 2 {
		t.Fatalf("evaluations(percentage, rollout) = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("unknown", "flag_not_found")); got != 1 {
		t.Fatalf("evaluations(unknown, flag_not_found) = %v, want 1", got)
	}
}

func TestRecordAssignment(t *testing.T) {
	m := New()

	m.RecordAssignment("control", true)
	m.RecordAssignment("", false)

	if got := testutil.ToFloat64(m.AssignmentsTotal.WithLabelValues("control", "true")); got != 1 {
		t.Fatalf("assignments(control, true) = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AssignmentsTotal.WithLabelValues("none", "false")); got != 1 {
		t.Fatalf("assignments(none, false) = %v, want 1", got)
	}
}

func TestRegistryGauges(t *testing.T) {
	m := New()

	m.SetRegistrySize("flag", 12)
	m.SetRegistrySize("segment", 3)
	m.IncRegistryReloads()
	m.IncExposureDrops()

	if got := testutil.ToFloat64(m.RegistrySize.WithLabelValues("flag")); got != 12 {
		t.Fatalf("registry size(flag) = %v, want 12", got)
	}
	if got := testutil.ToFloat64(m.RegistryReloads); got != 1 {
		t.Fatalf("registry reloads = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ExposureDropsTotal); got != 1 {
		t.Fatalf("exposure drops = %v, want 1", got)
	}
}

func TestHandlerServesOnlyRolloutMetrics(t *testing.T) {
	m := New()
	m.RecordEvaluation("boolean", "default")

	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := recorder.Body.String()
	if !strings.Contains(body, "rollout_flag_evaluations_total") {
		t.Fatalf("metrics output missing evaluation counter:\n%s", body)
	}
	if strings.Contains(body, "go_goroutines") {
		t.Fatal("metrics output leaked default-registry collectors")
	}
}
