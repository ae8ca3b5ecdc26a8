package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/seamly/rollout/internal/core"
	"github.com/seamly/rollout/internal/metrics"
	"github.com/seamly/rollout/internal/registry"
	"github.com/seamly/rollout/internal/repository"
	"github.com/seamly/rollout/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// Options tune the HTTP handler. Zero values fall back to defaults.
type Options struct {
	StreamPollInterval time.Duration
	MaxJSONBodyBytes   int64
	Metrics            *metrics.Metrics
}

type HTTPServer struct {
	service            Service
	streamPollInterval time.Duration
	maxBodyBytes       int64
	metrics            *metrics.Metrics
}

type evaluateJSONRequest struct {
	Key     string                 `json:"key,omitempty"`
	Keys    []string               `json:"keys,omitempty"`
	Context core.EvaluationContext `json:"context"`
}

type evaluateJSONResponse struct {
	Results map[string]core.Result `json:"results"`
}

type segmentMatchJSONRequest struct {
	Attributes map[string]any `json:"attributes"`
}

type segmentMatchJSONResponse struct {
	SegmentID string `json:"segment_id"`
	Matches   bool   `json:"matches"`
}

type assignJSONRequest struct {
	ExperimentID  string `json:"experiment_id"`
	UserID        string `json:"user_id"`
	PriorExposure bool   `json:"prior_exposure,omitempty"`
}

type trackJSONRequest struct {
	Event      string         `json:"event"`
	UserID     string         `json:"user_id"`
	Properties map[string]any `json:"properties,omitempty"`
}

func NewHTTPHandler(svc Service) http.Handler {
	return NewHTTPHandlerWithOptions(svc, Options{})
}

func NewHTTPHandlerWithOptions(svc Service, options Options) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	if options.StreamPollInterval <= 0 {
		options.StreamPollInterval = defaultStreamPollInterval
	}
	if options.MaxJSONBodyBytes <= 0 {
		options.MaxJSONBodyBytes = defaultMaxJSONBodyBytes
	}

	server := &HTTPServer{
		service:            svc,
		streamPollInterval: options.StreamPollInterval,
		maxBodyBytes:       options.MaxJSONBodyBytes,
		metrics:            options.Metrics,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/flags", server.handleSetFlag)
	mux.HandleFunc("GET /v1/flags", server.handleListFlags)
	mux.HandleFunc("GET /v1/flags/{key}", server.handleGetFlag)
	mux.HandleFunc("PUT /v1/flags/{key}", server.handleUpdateFlag)
	mux.HandleFunc("DELETE /v1/flags/{key}", server.handleDeleteFlag)

	mux.HandleFunc("POST /v1/segments", server.handleSetSegment)
	mux.HandleFunc("GET /v1/segments", server.handleListSegments)
	mux.HandleFunc("GET /v1/segments/{id}", server.handleGetSegment)
	mux.HandleFunc("PUT /v1/segments/{id}", server.handleUpdateSegment)
	mux.HandleFunc("DELETE /v1/segments/{id}", server.handleDeleteSegment)
	mux.HandleFunc("POST /v1/segments/{id}/match", server.handleSegmentMatch)

	mux.HandleFunc("POST /v1/experiments", server.handleSetExperiment)
	mux.HandleFunc("GET /v1/experiments", server.handleListExperiments)
	mux.HandleFunc("GET /v1/experiments/{id}", server.handleGetExperiment)
	mux.HandleFunc("PUT /v1/experiments/{id}", server.handleUpdateExperiment)
	mux.HandleFunc("DELETE /v1/experiments/{id}", server.handleDeleteExperiment)

	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluate)
	mux.HandleFunc("POST /v1/assign", server.handleAssign)
	mux.HandleFunc("POST /v1/events", server.handleTrackEvent)
	mux.HandleFunc("GET /v1/export", server.handleExport)
	mux.HandleFunc("POST /v1/import", server.handleImport)
	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealthz)

	if server.metrics != nil {
		mux.Handle("GET /metrics", server.metrics.Handler())
	}

	return server.instrument(mux)
}

// instrument records request counters and latency per matched route.
func (s *HTTPServer) instrument(mux *http.ServeMux) http.Handler {
	if s.metrics == nil {
		return mux
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, route := mux.Handler(r)
		if route == "" {
			route = "unmatched"
		}

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(recorder, r)

		status := strconv.Itoa(recorder.status)
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush passes through so SSE keeps working behind the recorder.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *HTTPServer) handleSetFlag(w http.ResponseWriter, r *http.Request) {
	var flag core.FeatureFlag
	if err := s.decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(flag.Key) == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	created, err := s.service.SetFlag(r.Context(), flag)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	flag, err := s.service.GetFlag(key)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ListFlags())
}

// handleUpdateFlag replaces the whole flag definition. The body is a
// complete flag document, not a patch: fields omitted from the body take
// their zero values in the stored flag.
func (s *HTTPServer) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	var flag core.FeatureFlag
	if err := s.decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(flag.Key) != "" && flag.Key != key {
		writeJSONError(w, http.StatusBadRequest, "path key and body key must match")
		return
	}
	flag.Key = key

	updated, err := s.service.SetFlag(r.Context(), flag)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	if err := s.service.DeleteFlag(r.Context(), key); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSetSegment(w http.ResponseWriter, r *http.Request) {
	var segment core.UserSegment
	if err := s.decodeJSONBody(w, r, &segment); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.SetSegment(r.Context(), segment)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListSegments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ListSegments())
}

func (s *HTTPServer) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	segment, err := s.service.GetSegment(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, segment)
}

func (s *HTTPServer) handleUpdateSegment(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))

	var segment core.UserSegment
	if err := s.decodeJSONBody(w, r, &segment); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(segment.ID) != "" && segment.ID != id {
		writeJSONError(w, http.StatusBadRequest, "path id and body id must match")
		return
	}
	segment.ID = id

	updated, err := s.service.SetSegment(r.Context(), segment)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteSegment(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteSegment(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSegmentMatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var request segmentMatchJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	matches, err := s.service.UserMatchesSegment(request.Attributes, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, segmentMatchJSONResponse{SegmentID: id, Matches: matches})
}

func (s *HTTPServer) handleSetExperiment(w http.ResponseWriter, r *http.Request) {
	var experiment core.Experiment
	if err := s.decodeJSONBody(w, r, &experiment); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.SetExperiment(r.Context(), experiment)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListExperiments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ListExperiments())
}

func (s *HTTPServer) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	experiment, err := s.service.GetExperiment(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, experiment)
}

func (s *HTTPServer) handleUpdateExperiment(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))

	var experiment core.Experiment
	if err := s.decodeJSONBody(w, r, &experiment); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(experiment.ID) != "" && experiment.ID != id {
		writeJSONError(w, http.StatusBadRequest, "path id and body id must match")
		return
	}
	experiment.ID = id

	updated, err := s.service.SetExperiment(r.Context(), experiment)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteExperiment(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteExperiment(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	switch {
	case len(request.Keys) > 0 && strings.TrimSpace(request.Key) != "":
		writeJSONError(w, http.StatusBadRequest, "use either key or keys")
		return
	case len(request.Keys) > 0:
		results, err := s.service.EvaluateBatch(request.Keys, request.Context)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		s.recordEvaluations(results)
		writeJSON(w, http.StatusOK, evaluateJSONResponse{Results: results})
	case strings.TrimSpace(request.Key) != "":
		result := s.service.Evaluate(request.Key, request.Context)
		s.recordEvaluations(map[string]core.Result{request.Key: result})
		writeJSON(w, http.StatusOK, result)
	default:
		writeJSONError(w, http.StatusBadRequest, "key or keys is required")
	}
}

func (s *HTTPServer) recordEvaluations(results map[string]core.Result) {
	if s.metrics == nil {
		return
	}
	for _, result := range results {
		s.metrics.RecordEvaluation(result.FlagType, string(result.Reason))
	}
}

func (s *HTTPServer) handleAssign(w http.ResponseWriter, r *http.Request) {
	var request assignJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.ExperimentID) == "" {
		writeJSONError(w, http.StatusBadRequest, "experiment_id is required")
		return
	}
	if strings.TrimSpace(request.UserID) == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	assignment, err := s.service.Assign(request.ExperimentID, request.UserID, request.PriorExposure)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordAssignment(assignment.Group, assignment.Enrolled)
	}

	writeJSON(w, http.StatusOK, assignment)
}

func (s *HTTPServer) handleTrackEvent(w http.ResponseWriter, r *http.Request) {
	var request trackJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if err := s.service.TrackEvent(request.Event, request.UserID, request.Properties); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Export())
}

func (s *HTTPServer) handleImport(w http.ResponseWriter, r *http.Request) {
	var document registry.Document
	if err := s.decodeJSONBody(w, r, &document); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if err := s.service.Import(r.Context(), document); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	if s.metrics != nil {
		s.metrics.ActiveStreams.WithLabelValues("sse").Inc()
		defer s.metrics.ActiveStreams.WithLabelValues("sse").Dec()
	}

	currentEventID := lastEventID
	writeEvents := func(events []repository.DefinitionEvent) error {
		for _, event := range events {
			currentEventID = event.EventID
			eventName := toSSEEventName(event.EventType)
			if eventName == "" {
				continue
			}

			payload, err := json.Marshal(struct {
				Kind      repository.DefinitionKind `json:"kind"`
				Key       string                    `json:"key"`
				EventType string                    `json:"event_type"`
			}{event.Kind, event.Key, event.EventType})
			if err != nil {
				continue
			}

			if err := writeSSEEvent(w, event.EventID, eventName, payload); err != nil {
				return err
			}
			flusher.Flush()
		}

		return nil
	}

	initialEvents, err := s.service.ListEventsSince(r.Context(), currentEventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := s.service.ListEventsSince(r.Context(), currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, flusher, serviceErrorMessage(err))
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func toSSEEventName(eventType string) string {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "update", "updated":
		return "update"
	case "delete", "deleted":
		return "delete"
	default:
		return ""
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	var validationErr *registry.ValidationError
	switch {
	case errors.As(err, &validationErr):
		writeJSONError(w, http.StatusBadRequest, validationErr.Error())
	case errors.Is(err, service.ErrBatchTooLarge):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrFlagNotFound),
		errors.Is(err, service.ErrSegmentNotFound),
		errors.Is(err, service.ErrExperimentNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, repository.ErrVersionConflict):
		writeJSONError(w, http.StatusConflict, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrBatchTooLarge):
		return "too many flags in one request"
	case errors.Is(err, service.ErrFlagNotFound):
		return "flag not found"
	case errors.Is(err, service.ErrSegmentNotFound):
		return "segment not found"
	case errors.Is(err, service.ErrExperimentNotFound):
		return "experiment not found"
	case errors.Is(err, repository.ErrVersionConflict):
		return "definition changed concurrently, retry"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	normalized := strings.ReplaceAll(string(payload), "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	lines := strings.Split(normalized, "\n")
	if len(lines) == 0 {
		return []string{""}
	}

	return lines
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
