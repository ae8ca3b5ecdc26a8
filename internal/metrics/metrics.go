// Package metrics provides Prometheus instrumentation for the rollout
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the
// global default) so that only rollout metrics appear on the /metrics
// endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds all Prometheus collectors used by the rollout server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec

	EvaluationsTotal   *prometheus.CounterVec
	AssignmentsTotal   *prometheus.CounterVec
	RegistrySize       *prometheus.GaugeVec
	RegistryReloads    prometheus.Counter
	ExposureDropsTotal prometheus.Counter
	AuthFailuresTotal  prometheus.Counter
	ActiveStreams      *prometheus.GaugeVec
}

// New creates and registers all rollout metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollout_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rollout_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollout_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rollout_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollout_flag_evaluations_total",
			Help: "Total number of flag evaluations.",
		}, []string{"flag_type", "reason"}),

		AssignmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollout_experiment_assignments_total",
			Help: "Total number of experiment assignments.",
		}, []string{"group", "enrolled"}),

		RegistrySize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rollout_registry_definitions",
			Help: "Number of definitions held in the in-memory registry.",
		}, []string{"kind"}),

		RegistryReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollout_registry_reloads_total",
			Help: "Total number of full registry reloads from the database.",
		}),

		ExposureDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollout_exposure_drops_total",
			Help: "Total number of exposure events dropped on a full buffer.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollout_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rollout_active_streams",
			Help: "Number of active streaming connections.",
		}, []string{"transport"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.EvaluationsTotal,
		m.AssignmentsTotal,
		m.RegistrySize,
		m.RegistryReloads,
		m.ExposureDropsTotal,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that records
// request count, latency, and active stream gauge.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		m.ActiveStreams.WithLabelValues("grpc").Inc()
		defer m.ActiveStreams.WithLabelValues("grpc").Dec()
		start := time.Now()
		err := handler(srv, ss)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return err
	}
}

// RecordEvaluation increments the evaluation counter.
func (m *Metrics) RecordEvaluation(flagType, reason string) {
	if flagType == "" {
		flagType = "unknown"
	}
	m.EvaluationsTotal.WithLabelValues(flagType, reason).Inc()
}

// RecordAssignment increments the assignment counter.
func (m *Metrics) RecordAssignment(group string, enrolled bool) {
	if group == "" {
		group = "none"
	}
	label := "false"
	if enrolled {
		label = "true"
	}
	m.AssignmentsTotal.WithLabelValues(group, label).Inc()
}

// SetRegistrySize updates the definition count gauge for one kind.
func (m *Metrics) SetRegistrySize(kind string, size float64) {
	m.RegistrySize.WithLabelValues(kind).Set(size)
}

// IncRegistryReloads increments the reload counter.
func (m *Metrics) IncRegistryReloads() {
	m.RegistryReloads.Inc()
}

// IncExposureDrops increments the dropped-exposure counter.
func (m *Metrics) IncExposureDrops() {
	m.ExposureDropsTotal.Inc()
}
