package core

import (
	"slices"
	"time"
)

// Reason explains why an evaluation resolved to its value.
type Reason string

const (
	ReasonFlagNotFound Reason = "flag_not_found"
	ReasonStatus       Reason = "status"
	ReasonEnvironment  Reason = "environment"
	ReasonDependency   Reason = "dependency"
	ReasonCondition    Reason = "condition"
	ReasonTargeting    Reason = "targeting"
	ReasonRollout      Reason = "rollout"
	ReasonDefault      Reason = "default"
)

// Result is the outcome of a single flag evaluation.
type Result struct {
	FlagKey  string `json:"flag_key"`
	Value    any    `json:"value"`
	Reason   Reason `json:"reason"`
	Variant  string `json:"variant,omitempty"`
	Version  int64  `json:"version,omitempty"`
	FlagType string `json:"flag_type,omitempty"`
}

// maxDependencyDepth bounds dependency-chain recursion. Chains deeper than
// this fail the dependency gate.
const maxDependencyDepth = 10

// Evaluator resolves flag values against a fixed definition snapshot. It
// holds no mutable state; constructing one per evaluation is free.
type Evaluator struct {
	store Store
}

// NewEvaluator creates an evaluator over the given snapshot.
func NewEvaluator(store Store) *Evaluator {
	return &Evaluator{store: store}
}

// Evaluate decides what value the user sees for the flag. It never fails:
// an unknown key, an unsatisfied gate, or a malformed piece of
// configuration all resolve to the flag's default value (nil for unknown
// keys). Two evaluations of the same (flag key, user, flag version) always
// return identical results.
func (e *Evaluator) Evaluate(flagKey string, ctx EvaluationContext) Result {
	flag, ok := e.store.Flag(flagKey)
	if !ok {
		return Result{FlagKey: flagKey, Value: nil, Reason: ReasonFlagNotFound}
	}

	return e.evaluateFlag(flag, ctx, nil)
}

// EvaluateAll evaluates every flag in keys and returns results keyed by
// flag key.
func (e *Evaluator) EvaluateAll(keys []string, ctx EvaluationContext) map[string]Result {
	results := make(map[string]Result, len(keys))
	for _, key := range keys {
		results[key] = e.Evaluate(key, ctx)
	}

	return results
}

// evaluateFlag runs the gate chain: status, environment, dependencies,
// conditions, targeting, then type-specific rollout. The first failing
// gate short-circuits to the configured default.
func (e *Evaluator) evaluateFlag(flag FeatureFlag, ctx EvaluationContext, visited map[string]bool) Result {
	fallback := Result{
		FlagKey:  flag.Key,
		Value:    flag.Config.Default,
		Version:  flag.Metadata.Version,
		FlagType: string(flag.Type),
	}

	if flag.Status != FlagStatusActive && flag.Status != FlagStatusTesting {
		fallback.Reason = ReasonStatus
		return fallback
	}

	if !environmentEnabled(flag.Environments, ctx.Environment) {
		fallback.Reason = ReasonEnvironment
		return fallback
	}

	if !e.dependenciesSatisfied(flag, ctx, visited) {
		fallback.Reason = ReasonDependency
		return fallback
	}

	if value, ok := evaluateConditions(flag.Config.Conditions, ctx.Attributes); ok {
		result := fallback
		result.Value = value
		result.Reason = ReasonCondition
		return result
	}

	if !IsTargeted(flag.Targeting, ctx, e.store) {
		fallback.Reason = ReasonTargeting
		return fallback
	}

	return e.evaluateRollout(flag, ctx, fallback)
}

// environmentEnabled gates on the per-environment enable map. Flags with
// no environment map, or calls with no environment, pass through; a named
// environment must be explicitly enabled.
func environmentEnabled(environments map[string]bool, environment string) bool {
	if len(environments) == 0 || environment == "" {
		return true
	}

	return environments[environment]
}

// dependenciesSatisfied requires every prerequisite flag to evaluate
// truthy for the same user. Cycles and over-deep chains fail the gate:
// visited holds the keys on the current dependency chain, a revisit is a
// cycle, and a prerequisite that itself failed its dependency gate never
// satisfies its dependents, so the failure surfaces at the flag the caller
// asked about.
func (e *Evaluator) dependenciesSatisfied(flag FeatureFlag, ctx EvaluationContext, visited map[string]bool) bool {
	if len(flag.Dependencies) == 0 {
		return true
	}

	if len(visited) >= maxDependencyDepth {
		return false
	}
	if visited == nil {
		visited = make(map[string]bool, len(flag.Dependencies)+1)
	}

	visited[flag.Key] = true
	defer delete(visited, flag.Key)

	for _, dependencyKey := range flag.Dependencies {
		if visited[dependencyKey] {
			return false
		}

		dependency, ok := e.store.Flag(dependencyKey)
		if !ok {
			return false
		}

		result := e.evaluateFlag(dependency, ctx, visited)
		if result.Reason == ReasonDependency || !truthy(result.Value) {
			return false
		}
	}

	return true
}

func (e *Evaluator) evaluateRollout(flag FeatureFlag, ctx EvaluationContext, fallback Result) Result {
	switch flag.Type {
	case FlagTypeBoolean:
		return e.evaluateBoolean(flag, ctx, fallback)
	case FlagTypePercentage:
		return e.evaluatePercentage(flag, ctx, fallback)
	case FlagTypeUserList:
		return e.evaluateUserList(flag, ctx, fallback)
	case FlagTypeSegment:
		return e.evaluateSegment(flag, ctx, fallback)
	case FlagTypeGradualRollout:
		return e.evaluateGradualRollout(flag, ctx, fallback)
	default:
		fallback.Reason = ReasonDefault
		return fallback
	}
}

// evaluateBoolean selects a weighted variant when variants are configured
// and coerces its value to a boolean; otherwise the default applies.
func (e *Evaluator) evaluateBoolean(flag FeatureFlag, ctx EvaluationContext, fallback Result) Result {
	if variant, ok := SelectVariant(flag.Config.Variants, ctx, flag.Key, e.store); ok {
		return Result{
			FlagKey:  flag.Key,
			Value:    truthy(variant.Value),
			Reason:   ReasonRollout,
			Variant:  variant.ID,
			Version:  flag.Metadata.Version,
			FlagType: string(flag.Type),
		}
	}

	fallback.Reason = ReasonDefault
	return fallback
}

// evaluatePercentage admits the user iff their bucket percentage, salted
// with the flag key, is strictly below the configured percentage. With no
// percentage configured it falls back to weighted variants.
func (e *Evaluator) evaluatePercentage(flag FeatureFlag, ctx EvaluationContext, fallback Result) Result {
	rollout := flag.Config.Rollout
	if rolloutSuspended(rollout, effectiveNow(ctx)) {
		fallback.Reason = ReasonDefault
		return fallback
	}
	if rollout != nil && rollout.Percentage != nil {
		admitted := BucketPercentage(ctx.UserID, flag.Key) < *rollout.Percentage
		return Result{
			FlagKey:  flag.Key,
			Value:    admitted,
			Reason:   ReasonRollout,
			Version:  flag.Metadata.Version,
			FlagType: string(flag.Type),
		}
	}

	return e.evaluateBoolean(flag, ctx, fallback)
}

func (e *Evaluator) evaluateUserList(flag FeatureFlag, ctx EvaluationContext, fallback Result) Result {
	result := fallback
	result.Reason = ReasonRollout
	result.Value = flag.Config.Rollout != nil && slices.Contains(flag.Config.Rollout.Users, ctx.UserID)
	return result
}

// evaluateSegment admits the user iff they match any configured segment.
// OR across segments contrasts with the AND semantics within a single
// segment's rules.
func (e *Evaluator) evaluateSegment(flag FeatureFlag, ctx EvaluationContext, fallback Result) Result {
	result := fallback
	result.Reason = ReasonRollout
	result.Value = false

	if flag.Config.Rollout == nil {
		return result
	}

	for _, segmentID := range flag.Config.Rollout.Segments {
		segment, ok := e.store.Segment(segmentID)
		if !ok {
			continue
		}
		if MatchesSegment(ctx.Attributes, segment) {
			result.Value = true
			return result
		}
	}

	return result
}

// evaluateGradualRollout walks the schedule's stages in order and lets the
// first stage whose activation conditions hold decide. The stage buckets
// with its own salt (flag key + stage ID), so consecutive stages admit
// statistically independent slices of the population rather than
// compounding on the same users.
func (e *Evaluator) evaluateGradualRollout(flag FeatureFlag, ctx EvaluationContext, fallback Result) Result {
	rollout := flag.Config.Rollout
	if rollout == nil || rollout.Schedule == nil {
		fallback.Reason = ReasonDefault
		return fallback
	}

	now := effectiveNow(ctx)
	if rolloutSuspended(rollout, now) {
		fallback.Reason = ReasonDefault
		return fallback
	}

	schedule := rollout.Schedule
	if !withinWindow(now, schedule.StartDate, schedule.EndDate) {
		fallback.Reason = ReasonDefault
		return fallback
	}

	for _, stage := range schedule.Stages {
		if !stageApplies(stage, ctx) {
			continue
		}

		admitted := BucketPercentage(ctx.UserID, flag.Key+"_"+stage.ID) < stage.Percentage
		return Result{
			FlagKey:  flag.Key,
			Value:    admitted,
			Reason:   ReasonRollout,
			Variant:  stage.ID,
			Version:  flag.Metadata.Version,
			FlagType: string(flag.Type),
		}
	}

	fallback.Reason = ReasonDefault
	return fallback
}

// rolloutSuspended applies the rollout type gate: manual rollouts never
// admit anyone automatically, and time_based rollouts only run inside
// their schedule window. Percentage (and untyped) rollouts are never
// suspended.
func rolloutSuspended(rollout *RolloutConfig, now time.Time) bool {
	if rollout == nil {
		return false
	}

	switch rollout.Type {
	case RolloutTypeManual:
		return true
	case RolloutTypeTimeBased:
		if rollout.Schedule == nil {
			return true
		}
		return !withinWindow(now, rollout.Schedule.StartDate, rollout.Schedule.EndDate)
	default:
		return false
	}
}

func effectiveNow(ctx EvaluationContext) time.Time {
	if ctx.Now.IsZero() {
		return time.Now()
	}
	return ctx.Now
}

func withinWindow(now time.Time, start, end *time.Time) bool {
	if start != nil && now.Before(*start) {
		return false
	}
	if end != nil && now.After(*end) {
		return false
	}

	return true
}

func stageApplies(stage RolloutStage, ctx EvaluationContext) bool {
	if stage.Conditions == nil {
		return true
	}

	for key, want := range stage.Conditions.Properties {
		got, ok := ctx.Attributes[key]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}

	if len(stage.Conditions.Environments) > 0 &&
		!slices.Contains(stage.Conditions.Environments, ctx.Environment) {
		return false
	}

	return true
}

// truthy reports whether a flag value counts as enabled for dependency
// gating and boolean coercion. nil and false are falsy; everything else,
// including zero numbers and empty strings, follows its boolean conversion
// in the definition document (0 and "" are falsy, other values truthy).
func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	default:
		if number, ok := asNumber(value); ok {
			return number != 0
		}
		return true
	}
}
