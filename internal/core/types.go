// Package core implements the flag evaluation engine: deterministic
// bucketing, segment matching, targeting, rollout logic, and experiment
// assignment. Everything in this package is a pure computation over an
// immutable definition snapshot plus caller-supplied data; nothing here
// performs I/O or blocks.
package core

import "time"

// FlagType selects the rollout strategy for a flag.
type FlagType string

const (
	FlagTypeBoolean        FlagType = "boolean"
	FlagTypePercentage     FlagType = "percentage"
	FlagTypeUserList       FlagType = "user_list"
	FlagTypeSegment        FlagType = "segment"
	FlagTypeGradualRollout FlagType = "gradual_rollout"
)

// FlagStatus is the lifecycle state of a flag. Only active and testing
// flags evaluate; inactive and deprecated flags resolve to their default.
type FlagStatus string

const (
	FlagStatusActive     FlagStatus = "active"
	FlagStatusInactive   FlagStatus = "inactive"
	FlagStatusDeprecated FlagStatus = "deprecated"
	FlagStatusTesting    FlagStatus = "testing"
)

// Operator compares a user property against a rule value.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorContains    Operator = "contains"
	OperatorNotContains Operator = "not_contains"
	OperatorGreaterThan Operator = "greater_than"
	OperatorLessThan    Operator = "less_than"
	OperatorIn          Operator = "in"
	OperatorNotIn       Operator = "not_in"
)

// FeatureFlag is a complete flag definition. Instances held by a registry
// snapshot are immutable; updates replace the whole value.
type FeatureFlag struct {
	ID           string          `json:"id"`
	Key          string          `json:"key"`
	Type         FlagType        `json:"type"`
	Status       FlagStatus      `json:"status"`
	Description  string          `json:"description,omitempty"`
	Config       FlagConfig      `json:"configuration"`
	Targeting    TargetingRules  `json:"targeting"`
	Environments map[string]bool `json:"environments,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Metadata     FlagMetadata    `json:"metadata"`
}

// FlagMetadata carries the version counter and timestamps. Version and
// UpdatedAt advance together on every update.
type FlagMetadata struct {
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Tags      []string  `json:"tags,omitempty"`
}

// FlagConfig holds the value-producing part of a flag definition.
type FlagConfig struct {
	Default    any             `json:"default"`
	Variants   []FlagVariant   `json:"variants,omitempty"`
	Rollout    *RolloutConfig  `json:"rollout,omitempty"`
	Conditions []FlagCondition `json:"conditions,omitempty"`
}

// FlagVariant is one of the values a flag can resolve to. Weight is a
// percentage in [0,100]; weights across a flag's variants sum to 100.
type FlagVariant struct {
	ID        string          `json:"id"`
	Value     any             `json:"value"`
	Weight    float64         `json:"weight"`
	Targeting *TargetingRules `json:"targeting,omitempty"`
}

// RolloutType selects how a rollout config is interpreted.
type RolloutType string

const (
	RolloutTypePercentage RolloutType = "percentage"
	RolloutTypeTimeBased  RolloutType = "time_based"
	RolloutTypeManual     RolloutType = "manual"
)

// RolloutConfig parameterises the type-specific rollout logic.
type RolloutConfig struct {
	Type       RolloutType      `json:"type,omitempty"`
	Percentage *float64         `json:"percentage,omitempty"`
	Users      []string         `json:"users,omitempty"`
	Segments   []string         `json:"segments,omitempty"`
	Schedule   *RolloutSchedule `json:"schedule,omitempty"`
}

// RolloutSchedule is an ordered list of gradual-rollout stages bounded by
// an optional date window. A nil boundary is unbounded on that side.
type RolloutSchedule struct {
	StartDate *time.Time     `json:"start_date,omitempty"`
	EndDate   *time.Time     `json:"end_date,omitempty"`
	Stages    []RolloutStage `json:"stages"`
}

// RolloutStage admits a percentage of users, optionally restricted by
// activation conditions. Each stage buckets with its own salt so stage
// populations are statistically independent.
type RolloutStage struct {
	ID         string           `json:"id"`
	Percentage float64          `json:"percentage"`
	Conditions *StageConditions `json:"conditions,omitempty"`
}

// StageConditions restrict a rollout stage to users whose properties all
// match and, when Environments is non-empty, to the listed environments.
type StageConditions struct {
	Properties   map[string]any `json:"properties,omitempty"`
	Environments []string       `json:"environments,omitempty"`
}

// TargetingRules hold symmetric include and exclude rule sets. Exclude
// always wins over include.
type TargetingRules struct {
	Include RuleSet `json:"include"`
	Exclude RuleSet `json:"exclude"`
}

// RuleSet matches a user by ID list, segment membership, country, device,
// or custom property equality. A user matches the set if any criterion
// matches; the Custom map requires every listed key to match.
type RuleSet struct {
	Users     []string       `json:"users,omitempty"`
	Segments  []string       `json:"segments,omitempty"`
	Countries []string       `json:"countries,omitempty"`
	Devices   []string       `json:"devices,omitempty"`
	Custom    map[string]any `json:"custom,omitempty"`
}

// Empty reports whether the rule set has no criteria at all.
func (rs RuleSet) Empty() bool {
	return len(rs.Users) == 0 &&
		len(rs.Segments) == 0 &&
		len(rs.Countries) == 0 &&
		len(rs.Devices) == 0 &&
		len(rs.Custom) == 0
}

// UserSegment is a rule-defined subset of the user population. All rules
// must pass for a user to be a member. Size is an advisory cache and never
// affects evaluation.
type UserSegment struct {
	ID    string        `json:"id"`
	Name  string        `json:"name"`
	Rules []SegmentRule `json:"rules"`
	Size  int           `json:"size,omitempty"`
}

// SegmentRule compares a single user property.
type SegmentRule struct {
	Property string   `json:"property"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// FlagCondition short-circuits rollout logic with an explicit result when
// its expression matches. Conditions evaluate in ascending priority order;
// the first match wins.
type FlagCondition struct {
	ID         string    `json:"id"`
	Expression Predicate `json:"expression"`
	Priority   int       `json:"priority"`
	Result     any       `json:"result"`
}

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentStatusDraft     ExperimentStatus = "draft"
	ExperimentStatusRunning   ExperimentStatus = "running"
	ExperimentStatusPaused    ExperimentStatus = "paused"
	ExperimentStatusCompleted ExperimentStatus = "completed"
)

// Experiment compares flag-value configurations across stably assigned
// population bands.
type Experiment struct {
	ID        string              `json:"id"`
	Name      string              `json:"name,omitempty"`
	Flags     []string            `json:"flags"`
	Variants  []ExperimentVariant `json:"variants"`
	Traffic   TrafficAllocation   `json:"traffic"`
	Status    ExperimentStatus    `json:"status"`
	StartDate *time.Time          `json:"start_date,omitempty"`
	EndDate   *time.Time          `json:"end_date,omitempty"`
}

// ExperimentVariant maps an assignment band to concrete flag overrides.
// Traffic is the band width as a percentage of the population.
type ExperimentVariant struct {
	ID         string         `json:"id"`
	FlagValues map[string]any `json:"flag_values"`
	Traffic    float64        `json:"traffic"`
}

// TrafficAllocation partitions [0,100) into a control band followed by one
// band per variant, in variant order. Variants[i] is the band width for
// Experiment.Variants[i]; when empty, each variant's own Traffic field is
// used. Control plus the variant widths must not exceed 100.
type TrafficAllocation struct {
	Control  float64   `json:"control"`
	Variants []float64 `json:"variants,omitempty"`
}

// ControlGroup is the group name reported for control-band assignments.
const ControlGroup = "control"

// Assignment is the result of allocating a user to an experiment band.
// Group and FlagOverrides are deterministic for any experiment status;
// Enrolled reports whether the experiment is actually admitting the user.
type Assignment struct {
	ExperimentID  string         `json:"experiment_id"`
	UserID        string         `json:"user_id"`
	Group         string         `json:"group"`
	Enrolled      bool           `json:"enrolled"`
	FlagOverrides map[string]any `json:"flag_overrides,omitempty"`
}

// EvaluationContext carries the caller-supplied identity and properties a
// single evaluation runs against. Now may be zero, in which case the wall
// clock is used; fixing it makes time-staged evaluation reproducible in
// tests.
type EvaluationContext struct {
	UserID      string         `json:"user_id"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	Environment string         `json:"environment,omitempty"`
	Now         time.Time      `json:"-"`
}

// Attribute names with targeting-specific meaning in RuleSet matching.
const (
	AttributeCountry = "country"
	AttributeDevice  = "device"
)

// Store provides read access to the definition snapshot an evaluation runs
// against. Implementations must be safe for concurrent use and must return
// consistent data for the lifetime of a single evaluation.
type Store interface {
	Flag(key string) (FeatureFlag, bool)
	Segment(id string) (UserSegment, bool)
}

// Recorder is the exposure sink the engine reports completed decisions to.
// Implementations must not block; delivery is best-effort.
type Recorder interface {
	Record(event string, userID string, properties map[string]any)
}

// NopRecorder discards all exposures.
type NopRecorder struct{}

// Record implements [Recorder].
func (NopRecorder) Record(string, string, map[string]any) {}
