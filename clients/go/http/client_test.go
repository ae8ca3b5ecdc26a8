package http_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	rollout "github.com/seamly/rollout/clients/go"
	rollouthttp "github.com/seamly/rollout/clients/go/http"
)

// helpers

func flagJSON(key, status string) string {
	return fmt.Sprintf(`{"id":"id-%s","key":%q,"type":"boolean","status":%q,"configuration":{"default":false},"targeting":{"include":{},"exclude":{}},"metadata":{"version":1,"created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z"}}`, key, key, status)
}

func newTestServer(t *testing.T, handler http.HandlerFunc) *rollouthttp.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return rollouthttp.NewHTTPClient(rollouthttp.Config{
		BaseURL: srv.URL,
		APIKey:  "key-1.secret",
	})
}

func assertAuth(t *testing.T, r *http.Request) {
	t.Helper()
	got := r.Header.Get("Authorization")
	if got != "Bearer key-1.secret" {
		t.Errorf("auth header: got %q, want %q", got, "Bearer key-1.secret")
	}
}

// -- CRUD tests --------------------------------------------------------------

func TestCreateFlag(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodPost || r.URL.Path != "/v1/flags" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, flagJSON("my-flag", "active"))
	})
	f, err := c.CreateFlag(context.Background(), rollout.Flag{
		Key:    "my-flag",
		Type:   "boolean",
		Status: "active",
		Config: rollout.FlagConfig{Default: false},
	})
	if err != nil {
		t.Fatal(err)
	}
	if f.Key != "my-flag" || f.Status != "active" {
		t.Errorf("unexpected flag: %+v", f)
	}
	if f.Metadata.Version != 1 {
		t.Errorf("version: got %d, want 1", f.Metadata.Version)
	}
	if f.Metadata.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestGetFlag(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodGet || r.URL.Path != "/v1/flags/my-flag" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, flagJSON("my-flag", "active"))
	})
	f, err := c.GetFlag(context.Background(), "my-flag")
	if err != nil {
		t.Fatal(err)
	}
	if f.Key != "my-flag" {
		t.Errorf("got key %q", f.Key)
	}
}

func TestGetFlagNotFound(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"flag not found"}`, http.StatusNotFound)
	})
	_, err := c.GetFlag(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var apiErr *rollouthttp.APIError
	if !isAPIError(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 APIError, got %v", err)
	}
}

func TestGetFlagUnauthorized(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
	_, err := c.GetFlag(context.Background(), "x")
	var apiErr *rollouthttp.APIError
	if !isAPIError(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 APIError, got %v", err)
	}
}

func TestListFlags(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, "[%s,%s]", flagJSON("a", "active"), flagJSON("b", "inactive"))
	})
	flags, err := c.ListFlags(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(flags) != 2 {
		t.Fatalf("want 2 flags, got %d", len(flags))
	}
	if flags[1].Status != "inactive" {
		t.Errorf("flag b status: got %q", flags[1].Status)
	}
}

func TestUpdateFlag(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodPut || r.URL.Path != "/v1/flags/my-flag" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		meta, _ := body["metadata"].(map[string]any)
		if meta["version"] != float64(1) {
			t.Errorf("expected version 1 on the wire, got %v", meta["version"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, flagJSON("my-flag", "inactive"))
	})
	f, err := c.UpdateFlag(context.Background(), rollout.Flag{
		Key:      "my-flag",
		Type:     "boolean",
		Status:   "inactive",
		Config:   rollout.FlagConfig{Default: false},
		Metadata: rollout.FlagMetadata{Version: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if f.Status != "inactive" {
		t.Errorf("status: got %q, want inactive", f.Status)
	}
}

func TestUpdateFlagVersionConflict(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"definition changed concurrently, retry"}`, http.StatusConflict)
	})
	_, err := c.UpdateFlag(context.Background(), rollout.Flag{Key: "my-flag"})
	var apiErr *rollouthttp.APIError
	if !isAPIError(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 APIError, got %v", err)
	}
}

func TestDeleteFlag(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/flags/my-flag" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.DeleteFlag(context.Background(), "my-flag"); err != nil {
		t.Fatal(err)
	}
}

// -- Evaluate tests ----------------------------------------------------------

func TestEvaluate(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodPost || r.URL.Path != "/v1/evaluate" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if body["key"] != "my-flag" {
			t.Errorf("unexpected key: %v", body["key"])
		}
		evalCtx, _ := body["context"].(map[string]any)
		if evalCtx["user_id"] != "user-1" {
			t.Errorf("unexpected user_id: %v", evalCtx["user_id"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"flag_key":"my-flag","value":true,"reason":"rollout","version":3,"flag_type":"boolean"}`)
	})
	result, err := c.Evaluate(context.Background(), "my-flag", rollout.EvaluationContext{UserID: "user-1"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Value != true {
		t.Errorf("value: got %v, want true", result.Value)
	}
	if result.Reason != "rollout" || result.Version != 3 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestEvaluateBatch(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		keys, ok := body["keys"].([]any)
		if !ok || len(keys) != 2 {
			t.Errorf("expected 2 keys, got %v", body["keys"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"results":{"a":{"flag_key":"a","value":true,"reason":"default"},"b":{"flag_key":"b","value":false,"reason":"flag_not_found"}}}`)
	})
	results, err := c.EvaluateBatch(context.Background(), []string{"a", "b"}, rollout.EvaluationContext{UserID: "u"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("want 2 results, got %d", len(results))
	}
	if results["a"].Value != true || results["b"].Reason != "flag_not_found" {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestAssign(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodPost || r.URL.Path != "/v1/assign" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"experiment_id":"exp-1","user_id":"user-1","group":"control","enrolled":true}`)
	})
	a, err := c.Assign(context.Background(), "exp-1", "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Group != "control" || !a.Enrolled {
		t.Errorf("unexpected assignment: %+v", a)
	}
}

func TestTrack(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodPost || r.URL.Path != "/v1/events" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if body["event"] != "purchase" || body["user_id"] != "user-1" {
			t.Errorf("unexpected body: %v", body)
		}
		w.WriteHeader(http.StatusAccepted)
	})
	err := c.Track(context.Background(), "purchase", "user-1", map[string]any{"amount": 9.99})
	if err != nil {
		t.Fatal(err)
	}
}

// -- SSE streaming tests -----------------------------------------------------

func TestStream(t *testing.T) {
	events := []string{
		"id: 1\nevent: update\ndata: {\"kind\":\"flag\",\"key\":\"flag-a\",\"event_type\":\"updated\"}\n\n",
		"id: 2\nevent: delete\ndata: {\"kind\":\"segment\",\"key\":\"seg-b\",\"event_type\":\"deleted\"}\n\n",
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-1.secret" {
			http.Error(w, "unauth", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprint(w, ev)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := rollouthttp.NewHTTPClient(rollouthttp.Config{BaseURL: srv.URL, APIKey: "key-1.secret"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := c.Stream(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}

	var received []rollout.ChangeEvent
	for ev := range ch {
		received = append(received, ev)
	}

	if len(received) != 2 {
		t.Fatalf("want 2 events, got %d: %+v", len(received), received)
	}
	if received[0].Type != "update" || received[0].EventID != 1 || received[0].Key != "flag-a" {
		t.Errorf("event 0: %+v", received[0])
	}
	if received[1].Type != "delete" || received[1].Kind != "segment" || received[1].EventID != 2 {
		t.Errorf("event 1: %+v", received[1])
	}
}

func TestStreamLastEventIDHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("Last-Event-ID")
		if got != "42" {
			t.Errorf("Last-Event-ID: got %q, want %q", got, "42")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		// No events; just close.
	}))
	defer srv.Close()

	c := rollouthttp.NewHTTPClient(rollouthttp.Config{BaseURL: srv.URL, APIKey: "k"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := c.Stream(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	for range ch {
	}
}

func TestStreamContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		flusher.Flush()
		// Hold open until the request context is cancelled.
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := rollouthttp.NewHTTPClient(rollouthttp.Config{BaseURL: srv.URL, APIKey: "k"})
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := c.Stream(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Cancel after a brief moment.
	time.AfterFunc(100*time.Millisecond, cancel)

	// Channel should close without hanging.
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return // channel closed as expected
			}
		case <-timeout:
			t.Fatal("timed out waiting for stream channel to close")
		}
	}
}

// -- helpers -----------------------------------------------------------------

func isAPIError(err error, target **rollouthttp.APIError) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*rollouthttp.APIError); ok {
		*target = e
		return true
	}
	return false
}

// Ensure Client satisfies interfaces at compile time.
var _ rollout.FlagManager = (*rollouthttp.Client)(nil)
var _ rollout.Evaluator = (*rollouthttp.Client)(nil)
var _ rollout.Tracker = (*rollouthttp.Client)(nil)
var _ rollout.Streamer = (*rollouthttp.Client)(nil)
