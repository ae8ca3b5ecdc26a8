package server

import (
	"context"

	"github.com/seamly/rollout/internal/core"
	"github.com/seamly/rollout/internal/registry"
	"github.com/seamly/rollout/internal/repository"
	"github.com/seamly/rollout/internal/service"
)

type Service interface {
	Evaluate(flagKey string, ctx core.EvaluationContext) core.Result
	EvaluateBatch(keys []string, ctx core.EvaluationContext) (map[string]core.Result, error)
	Assign(experimentID, userID string, priorExposure bool) (core.Assignment, error)
	TrackEvent(event, userID string, properties map[string]any) error

	SetFlag(ctx context.Context, flag core.FeatureFlag) (core.FeatureFlag, error)
	GetFlag(key string) (core.FeatureFlag, error)
	ListFlags() []core.FeatureFlag
	DeleteFlag(ctx context.Context, key string) error

	SetSegment(ctx context.Context, segment core.UserSegment) (core.UserSegment, error)
	GetSegment(id string) (core.UserSegment, error)
	ListSegments() []core.UserSegment
	DeleteSegment(ctx context.Context, id string) error
	UserMatchesSegment(attributes map[string]any, segmentID string) (bool, error)

	SetExperiment(ctx context.Context, experiment core.Experiment) (core.Experiment, error)
	GetExperiment(id string) (core.Experiment, error)
	ListExperiments() []core.Experiment
	DeleteExperiment(ctx context.Context, id string) error

	Export() registry.Document
	Import(ctx context.Context, document registry.Document) error
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.DefinitionEvent, error)
}

var _ Service = (*service.Service)(nil)
