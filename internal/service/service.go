// Package service wires the definition registry, evaluation engine and
// persistence together. Admin mutations go through the registry (which
// validates and versions) and then the database; a LISTEN/NOTIFY listener
// plus a safety-net resync ticker keep the registry converged with what
// other instances write.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/seamly/rollout/internal/core"
	"github.com/seamly/rollout/internal/registry"
	"github.com/seamly/rollout/internal/repository"
)

const (
	EventTypeUpdated = "updated"
	EventTypeDeleted = "deleted"

	ExposureEventEvaluated = "flag_evaluated"
	ExposureEventAssigned  = "experiment_assigned"

	bestEffortTimeout    = 2 * time.Second
	defaultResyncEvery   = time.Minute
	registryReloadLimit  = 5 * time.Second
	evaluationBatchLimit = 200
)

var (
	ErrFlagNotFound       = errors.New("flag not found")
	ErrSegmentNotFound    = errors.New("segment not found")
	ErrExperimentNotFound = errors.New("experiment not found")
	ErrBatchTooLarge      = fmt.Errorf("batch exceeds %d requests", evaluationBatchLimit)
)

// Repository is the persistence surface the service needs.
type Repository interface {
	ListFlags(ctx context.Context) ([]core.FeatureFlag, error)
	SaveFlag(ctx context.Context, flag core.FeatureFlag) error
	DeleteFlag(ctx context.Context, key string) error

	ListSegments(ctx context.Context) ([]core.UserSegment, error)
	SaveSegment(ctx context.Context, segment core.UserSegment) error
	DeleteSegment(ctx context.Context, id string) error

	ListExperiments(ctx context.Context) ([]core.Experiment, error)
	SaveExperiment(ctx context.Context, experiment core.Experiment) error
	DeleteExperiment(ctx context.Context, id string) error

	ReplaceAll(ctx context.Context, flags []core.FeatureFlag, segments []core.UserSegment, experiments []core.Experiment) error

	PublishDefinitionEvent(ctx context.Context, event repository.DefinitionEvent) (repository.DefinitionEvent, error)
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.DefinitionEvent, error)
}

type invalidationSubscriber interface {
	SubscribeInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// Options tune service background behavior.
type Options struct {
	ResyncInterval time.Duration
	Logger         *slog.Logger
}

// Service exposes evaluation, assignment and definition management.
type Service struct {
	repo     Repository
	registry *registry.Registry
	recorder core.Recorder
	logger   *slog.Logger

	resyncInterval time.Duration
	resyncs        atomic.Int64
}

// New loads all definitions into the registry and starts the invalidation
// listener when the repository supports it.
func New(ctx context.Context, repo Repository, reg *registry.Registry, recorder core.Recorder, options Options) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}
	if reg == nil {
		return nil, errors.New("registry is nil")
	}
	if recorder == nil {
		recorder = core.NopRecorder{}
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.ResyncInterval <= 0 {
		options.ResyncInterval = defaultResyncEvery
	}

	svc := &Service{
		repo:           repo,
		registry:       reg,
		recorder:       recorder,
		logger:         options.Logger,
		resyncInterval: options.ResyncInterval,
	}

	if err := svc.LoadDefinitions(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(invalidationSubscriber); ok {
		if err := svc.startInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// LoadDefinitions replaces the registry content with the database state.
func (s *Service) LoadDefinitions(ctx context.Context) error {
	flags, err := s.repo.ListFlags(ctx)
	if err != nil {
		return fmt.Errorf("load flags: %w", err)
	}
	segments, err := s.repo.ListSegments(ctx)
	if err != nil {
		return fmt.Errorf("load segments: %w", err)
	}
	experiments, err := s.repo.ListExperiments(ctx)
	if err != nil {
		return fmt.Errorf("load experiments: %w", err)
	}

	s.registry.ReplaceAll(flags, segments, experiments)

	return nil
}

// Evaluate resolves one flag for one user and records the exposure.
func (s *Service) Evaluate(flagKey string, ctx core.EvaluationContext) core.Result {
	snapshot := s.registry.Snapshot()
	result := core.NewEvaluator(snapshot).Evaluate(flagKey, ctx)

	s.recorder.Record(ExposureEventEvaluated, ctx.UserID, map[string]any{
		"flag":    flagKey,
		"value":   result.Value,
		"reason":  string(result.Reason),
		"variant": result.Variant,
		"version": result.Version,
	})

	return result
}

// EvaluateBatch resolves many flags against one snapshot, so all results
// reflect the same definition versions.
func (s *Service) EvaluateBatch(keys []string, ctx core.EvaluationContext) (map[string]core.Result, error) {
	if len(keys) > evaluationBatchLimit {
		return nil, ErrBatchTooLarge
	}

	snapshot := s.registry.Snapshot()
	results := core.NewEvaluator(snapshot).EvaluateAll(keys, ctx)

	for key, result := range results {
		s.recorder.Record(ExposureEventEvaluated, ctx.UserID, map[string]any{
			"flag":   key,
			"value":  result.Value,
			"reason": string(result.Reason),
		})
	}

	return results, nil
}

// Assign allocates a user to an experiment band. priorExposure marks users
// the caller knows were already exposed, keeping their enrollment sticky
// after the experiment stops running.
func (s *Service) Assign(experimentID, userID string, priorExposure bool) (core.Assignment, error) {
	snapshot := s.registry.Snapshot()
	experiment, ok := snapshot.Experiment(experimentID)
	if !ok {
		return core.Assignment{}, ErrExperimentNotFound
	}

	assignment := core.AssignExperiment(experiment, userID, time.Now().UTC(), priorExposure)

	s.recorder.Record(ExposureEventAssigned, userID, map[string]any{
		"experiment": experimentID,
		"group":      assignment.Group,
		"enrolled":   assignment.Enrolled,
	})

	return assignment, nil
}

// TrackEvent forwards a caller-supplied analytics event to the recorder.
// Sink failures never propagate; tracking is fire-and-forget.
func (s *Service) TrackEvent(event, userID string, properties map[string]any) error {
	if strings.TrimSpace(event) == "" {
		return errors.New("event name is required")
	}

	s.recorder.Record(event, userID, properties)

	return nil
}

// SetFlag validates, stores and persists a flag definition.
func (s *Service) SetFlag(ctx context.Context, flag core.FeatureFlag) (core.FeatureFlag, error) {
	stored, err := s.registry.SetFlag(flag)
	if err != nil {
		return core.FeatureFlag{}, err
	}

	if err := s.repo.SaveFlag(ctx, stored); err != nil {
		// Another instance won the write; converge on the database.
		s.resync(ctx)
		return core.FeatureFlag{}, fmt.Errorf("persist flag %q: %w", stored.Key, err)
	}

	s.publishEventBestEffort(ctx, repository.KindFlag, stored.Key, EventTypeUpdated)

	return stored, nil
}

// GetFlag reads a flag from the current snapshot.
func (s *Service) GetFlag(key string) (core.FeatureFlag, error) {
	flag, ok := s.registry.Snapshot().Flag(key)
	if !ok {
		return core.FeatureFlag{}, ErrFlagNotFound
	}

	return flag, nil
}

// ListFlags returns all flags sorted by key.
func (s *Service) ListFlags() []core.FeatureFlag {
	return s.registry.Snapshot().Flags()
}

// DeleteFlag removes a flag from the registry and the database.
func (s *Service) DeleteFlag(ctx context.Context, key string) error {
	if err := s.registry.RemoveFlag(key); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return ErrFlagNotFound
		}
		return err
	}

	if err := s.repo.DeleteFlag(ctx, key); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		s.resync(ctx)
		return fmt.Errorf("delete flag %q: %w", key, err)
	}

	s.publishEventBestEffort(ctx, repository.KindFlag, key, EventTypeDeleted)

	return nil
}

// SetSegment validates, stores and persists a segment definition.
func (s *Service) SetSegment(ctx context.Context, segment core.UserSegment) (core.UserSegment, error) {
	stored, err := s.registry.SetSegment(segment)
	if err != nil {
		return core.UserSegment{}, err
	}

	if err := s.repo.SaveSegment(ctx, stored); err != nil {
		s.resync(ctx)
		return core.UserSegment{}, fmt.Errorf("persist segment %q: %w", stored.ID, err)
	}

	s.publishEventBestEffort(ctx, repository.KindSegment, stored.ID, EventTypeUpdated)

	return stored, nil
}

// GetSegment reads a segment from the current snapshot.
func (s *Service) GetSegment(id string) (core.UserSegment, error) {
	segment, ok := s.registry.Snapshot().Segment(id)
	if !ok {
		return core.UserSegment{}, ErrSegmentNotFound
	}

	return segment, nil
}

// UserMatchesSegment tests a bare attribute map against a stored segment
// without evaluating any flag.
func (s *Service) UserMatchesSegment(attributes map[string]any, segmentID string) (bool, error) {
	segment, ok := s.registry.Snapshot().Segment(segmentID)
	if !ok {
		return false, ErrSegmentNotFound
	}

	return core.MatchesSegment(attributes, segment), nil
}

// ListSegments returns all segments sorted by ID.
func (s *Service) ListSegments() []core.UserSegment {
	return s.registry.Snapshot().Segments()
}

// DeleteSegment removes a segment from the registry and the database.
func (s *Service) DeleteSegment(ctx context.Context, id string) error {
	if err := s.registry.RemoveSegment(id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return ErrSegmentNotFound
		}
		return err
	}

	if err := s.repo.DeleteSegment(ctx, id); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		s.resync(ctx)
		return fmt.Errorf("delete segment %q: %w", id, err)
	}

	s.publishEventBestEffort(ctx, repository.KindSegment, id, EventTypeDeleted)

	return nil
}

// SetExperiment validates, stores and persists an experiment definition.
func (s *Service) SetExperiment(ctx context.Context, experiment core.Experiment) (core.Experiment, error) {
	stored, err := s.registry.SetExperiment(experiment)
	if err != nil {
		return core.Experiment{}, err
	}

	if err := s.repo.SaveExperiment(ctx, stored); err != nil {
		s.resync(ctx)
		return core.Experiment{}, fmt.Errorf("persist experiment %q: %w", stored.ID, err)
	}

	s.publishEventBestEffort(ctx, repository.KindExperiment, stored.ID, EventTypeUpdated)

	return stored, nil
}

// GetExperiment reads an experiment from the current snapshot.
func (s *Service) GetExperiment(id string) (core.Experiment, error) {
	experiment, ok := s.registry.Snapshot().Experiment(id)
	if !ok {
		return core.Experiment{}, ErrExperimentNotFound
	}

	return experiment, nil
}

// ListExperiments returns all experiments sorted by ID.
func (s *Service) ListExperiments() []core.Experiment {
	return s.registry.Snapshot().Experiments()
}

// DeleteExperiment removes an experiment from the registry and the
// database.
func (s *Service) DeleteExperiment(ctx context.Context, id string) error {
	if err := s.registry.RemoveExperiment(id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return ErrExperimentNotFound
		}
		return err
	}

	if err := s.repo.DeleteExperiment(ctx, id); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		s.resync(ctx)
		return fmt.Errorf("delete experiment %q: %w", id, err)
	}

	s.publishEventBestEffort(ctx, repository.KindExperiment, id, EventTypeDeleted)

	return nil
}

// Export captures the full definition set as a document.
func (s *Service) Export() registry.Document {
	return s.registry.Export()
}

// Import validates a document, replaces the registry and persists the new
// definition set atomically.
func (s *Service) Import(ctx context.Context, document registry.Document) error {
	if err := s.registry.Import(document); err != nil {
		return err
	}

	if err := s.repo.ReplaceAll(ctx, document.Flags, document.Segments, document.Experiments); err != nil {
		s.resync(ctx)
		return fmt.Errorf("persist imported definitions: %w", err)
	}

	return nil
}

// ListEventsSince exposes the ordered change feed for streaming clients.
func (s *Service) ListEventsSince(ctx context.Context, eventID int64) ([]repository.DefinitionEvent, error) {
	events, err := s.repo.ListEventsSince(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

// Subscribe passes through to the registry's in-process change feed.
func (s *Service) Subscribe(ctx context.Context) <-chan registry.ChangeEvent {
	return s.registry.Subscribe(ctx)
}

// Resyncs reports how many times the registry was reloaded from the
// database.
func (s *Service) Resyncs() int64 {
	return s.resyncs.Load()
}

func (s *Service) startInvalidationListener(ctx context.Context, subscriber invalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.resync(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				s.resync(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) resync(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), registryReloadLimit)
	defer cancel()

	if err := s.LoadDefinitions(reloadCtx); err != nil {
		s.logger.Warn("registry resync failed", "error", err)
		return
	}

	s.resyncs.Add(1)
}

func (s *Service) publishEventBestEffort(ctx context.Context, kind repository.DefinitionKind, key, eventType string) {
	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	_, err := s.repo.PublishDefinitionEvent(publishCtx, repository.DefinitionEvent{
		Kind:      kind,
		Key:       key,
		EventType: eventType,
	})
	if err != nil {
		s.logger.Warn("publish definition event failed",
			"kind", string(kind), "key", key, "event_type", eventType, "error", err)
	}
}
