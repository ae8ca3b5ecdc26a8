// Package rollout provides client interfaces and wire types for the rollout
// flag evaluation service.
//
// Use the http sub-package to create a transport client:
//
//	import rollouthttp "github.com/seamly/rollout/clients/go/http"
package rollout

import (
	"context"
	"encoding/json"
	"time"
)

// FlagManager covers CRUD operations on feature flags.
type FlagManager interface {
	CreateFlag(ctx context.Context, flag Flag) (Flag, error)
	GetFlag(ctx context.Context, key string) (Flag, error)
	ListFlags(ctx context.Context) ([]Flag, error)
	UpdateFlag(ctx context.Context, flag Flag) (Flag, error)
	DeleteFlag(ctx context.Context, key string) error
}

// Evaluator resolves flags and experiment assignments for a user.
type Evaluator interface {
	Evaluate(ctx context.Context, key string, evalCtx EvaluationContext) (Result, error)
	EvaluateBatch(ctx context.Context, keys []string, evalCtx EvaluationContext) (map[string]Result, error)
	Assign(ctx context.Context, experimentID, userID string) (Assignment, error)
}

// Tracker reports conversion events back to the service.
type Tracker interface {
	Track(ctx context.Context, event, userID string, properties map[string]any) error
}

// Streamer delivers real-time definition change events.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, lastEventID int64) (<-chan ChangeEvent, error)
}

// Flag mirrors the server's flag document. Deeply nested configuration
// (rollout schedules, conditions, targeting rules) is carried as raw JSON so
// the client does not have to track every server-side shape.
type Flag struct {
	ID           string          `json:"id,omitempty"`
	Key          string          `json:"key"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	Description  string          `json:"description,omitempty"`
	Config       FlagConfig      `json:"configuration"`
	Targeting    json.RawMessage `json:"targeting,omitempty"`
	Environments map[string]bool `json:"environments,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Metadata     FlagMetadata    `json:"metadata"`
}

// FlagConfig is the value-producing part of a flag definition.
type FlagConfig struct {
	Default    any             `json:"default"`
	Variants   json.RawMessage `json:"variants,omitempty"`
	Rollout    json.RawMessage `json:"rollout,omitempty"`
	Conditions json.RawMessage `json:"conditions,omitempty"`
}

// FlagMetadata carries the optimistic-concurrency version and timestamps.
// Send the version you last read when updating; the server rejects stale
// writes with HTTP 409.
type FlagMetadata struct {
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Tags      []string  `json:"tags,omitempty"`
}

// EvaluationContext provides the identity and attributes an evaluation runs
// against.
type EvaluationContext struct {
	UserID      string         `json:"user_id"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	Environment string         `json:"environment,omitempty"`
}

// Result is the outcome of a single flag evaluation.
type Result struct {
	FlagKey  string `json:"flag_key"`
	Value    any    `json:"value"`
	Reason   string `json:"reason"`
	Variant  string `json:"variant,omitempty"`
	Version  int64  `json:"version,omitempty"`
	FlagType string `json:"flag_type,omitempty"`
}

// Assignment is the experiment group a user landed in.
type Assignment struct {
	ExperimentID  string         `json:"experiment_id"`
	UserID        string         `json:"user_id"`
	Group         string         `json:"group"`
	Enrolled      bool           `json:"enrolled"`
	FlagOverrides map[string]any `json:"flag_overrides,omitempty"`
}

// ChangeEvent is a real-time notification of a definition change.
type ChangeEvent struct {
	Type    string // "update" | "delete"
	Kind    string // "flag" | "segment" | "experiment"
	Key     string
	EventID int64
}
