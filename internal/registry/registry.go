// Package registry holds the in-memory definition set the evaluation path
// reads from. Mutations build a fresh immutable snapshot and swap it in
// under a short critical section; readers pin a snapshot once and evaluate
// against it without further locking, so a concurrent update never tears a
// half-written definition into an evaluation.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seamly/rollout/internal/core"
)

var ErrNotFound = errors.New("definition not found")

// ValidationError rejects a definition before it reaches the snapshot. The
// registry never stores a definition it could not evaluate.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// weightTolerance absorbs float drift when summing variant weights and
// traffic allocations.
const weightTolerance = 0.01

// ChangeKind identifies which definition collection a change touched.
type ChangeKind string

const (
	ChangeKindFlag       ChangeKind = "flag"
	ChangeKindSegment    ChangeKind = "segment"
	ChangeKindExperiment ChangeKind = "experiment"
)

// ChangeType is the mutation direction.
type ChangeType string

const (
	ChangeTypeUpdated ChangeType = "updated"
	ChangeTypeDeleted ChangeType = "deleted"
)

// ChangeEvent is delivered to subscribers after every mutation.
type ChangeEvent struct {
	Kind ChangeKind `json:"kind"`
	Type ChangeType `json:"type"`
	Key  string     `json:"key"`
}

// Snapshot is an immutable view of the full definition set. It implements
// core.Store, so an evaluator built over a snapshot sees one consistent
// version of the world for its whole lifetime.
type Snapshot struct {
	flags       map[string]core.FeatureFlag
	segments    map[string]core.UserSegment
	experiments map[string]core.Experiment
}

func (s *Snapshot) Flag(key string) (core.FeatureFlag, bool) {
	flag, ok := s.flags[key]
	return flag, ok
}

func (s *Snapshot) Segment(id string) (core.UserSegment, bool) {
	segment, ok := s.segments[id]
	return segment, ok
}

func (s *Snapshot) Experiment(id string) (core.Experiment, bool) {
	experiment, ok := s.experiments[id]
	return experiment, ok
}

// Flags returns every flag sorted by key.
func (s *Snapshot) Flags() []core.FeatureFlag {
	flags := make([]core.FeatureFlag, 0, len(s.flags))
	for _, flag := range s.flags {
		flags = append(flags, flag)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].Key < flags[j].Key })

	return flags
}

// Segments returns every segment sorted by ID.
func (s *Snapshot) Segments() []core.UserSegment {
	segments := make([]core.UserSegment, 0, len(s.segments))
	for _, segment := range s.segments {
		segments = append(segments, segment)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].ID < segments[j].ID })

	return segments
}

// Experiments returns every experiment sorted by ID.
func (s *Snapshot) Experiments() []core.Experiment {
	experiments := make([]core.Experiment, 0, len(s.experiments))
	for _, experiment := range s.experiments {
		experiments = append(experiments, experiment)
	}
	sort.Slice(experiments, func(i, j int) bool { return experiments[i].ID < experiments[j].ID })

	return experiments
}

func (s *Snapshot) Counts() (flags, segments, experiments int) {
	return len(s.flags), len(s.segments), len(s.experiments)
}

// Registry is the mutable owner of the current snapshot.
type Registry struct {
	mu       sync.RWMutex
	snapshot *Snapshot

	subMu       sync.Mutex
	subscribers map[int]chan ChangeEvent
	nextSubID   int

	now func() time.Time
}

func New() *Registry {
	return &Registry{
		snapshot: &Snapshot{
			flags:       map[string]core.FeatureFlag{},
			segments:    map[string]core.UserSegment{},
			experiments: map[string]core.Experiment{},
		},
		subscribers: map[int]chan ChangeEvent{},
		now:         time.Now,
	}
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	snapshot := r.snapshot
	r.mu.RUnlock()

	return snapshot
}

// SetFlag validates and stores a flag definition. Creating assigns an ID
// when absent and starts the version at 1; updating requires a matching ID
// (or none), preserves CreatedAt, and advances Version and UpdatedAt
// together with the content swap.
func (r *Registry) SetFlag(flag core.FeatureFlag) (core.FeatureFlag, error) {
	if err := ValidateFlag(flag); err != nil {
		return core.FeatureFlag{}, err
	}

	r.mu.Lock()
	existing, exists := r.snapshot.flags[flag.Key]
	if exists && flag.ID != "" && flag.ID != existing.ID {
		r.mu.Unlock()
		return core.FeatureFlag{}, invalid("flag", "key %q already registered under a different id", flag.Key)
	}
	if closesDependencyCycle(r.snapshot.flags, flag) {
		r.mu.Unlock()
		return core.FeatureFlag{}, invalid("dependencies", "flag %q closes a dependency cycle", flag.Key)
	}

	now := r.now().UTC()
	if exists {
		flag.ID = existing.ID
		flag.Metadata.CreatedAt = existing.Metadata.CreatedAt
		flag.Metadata.Version = existing.Metadata.Version + 1
	} else {
		if flag.ID == "" {
			flag.ID = uuid.NewString()
		}
		flag.Metadata.CreatedAt = now
		flag.Metadata.Version = 1
	}
	flag.Metadata.UpdatedAt = now

	next := r.snapshot.clone()
	next.flags[flag.Key] = flag
	r.snapshot = next
	r.mu.Unlock()

	r.publish(ChangeEvent{Kind: ChangeKindFlag, Type: ChangeTypeUpdated, Key: flag.Key})

	return flag, nil
}

// RemoveFlag deletes a flag. It refuses while another flag depends on the
// key or a running experiment overrides it.
func (r *Registry) RemoveFlag(key string) error {
	r.mu.Lock()
	if _, ok := r.snapshot.flags[key]; !ok {
		r.mu.Unlock()
		return ErrNotFound
	}

	for _, other := range r.snapshot.flags {
		if other.Key == key {
			continue
		}
		for _, dependency := range other.Dependencies {
			if dependency == key {
				r.mu.Unlock()
				return invalid("flag", "%q is a dependency of flag %q", key, other.Key)
			}
		}
	}
	for _, experiment := range r.snapshot.experiments {
		if experiment.Status != core.ExperimentStatusRunning {
			continue
		}
		if experimentReferencesFlag(experiment, key) {
			r.mu.Unlock()
			return invalid("flag", "%q is used by running experiment %q", key, experiment.ID)
		}
	}

	next := r.snapshot.clone()
	delete(next.flags, key)
	r.snapshot = next
	r.mu.Unlock()

	r.publish(ChangeEvent{Kind: ChangeKindFlag, Type: ChangeTypeDeleted, Key: key})

	return nil
}

// SetSegment validates and stores a segment definition.
func (r *Registry) SetSegment(segment core.UserSegment) (core.UserSegment, error) {
	if err := ValidateSegment(segment); err != nil {
		return core.UserSegment{}, err
	}

	r.mu.Lock()
	next := r.snapshot.clone()
	next.segments[segment.ID] = segment
	r.snapshot = next
	r.mu.Unlock()

	r.publish(ChangeEvent{Kind: ChangeKindSegment, Type: ChangeTypeUpdated, Key: segment.ID})

	return segment, nil
}

// RemoveSegment deletes a segment. It refuses while a flag targets or
// rolls out to it.
func (r *Registry) RemoveSegment(id string) error {
	r.mu.Lock()
	if _, ok := r.snapshot.segments[id]; !ok {
		r.mu.Unlock()
		return ErrNotFound
	}

	for _, flag := range r.snapshot.flags {
		if flagReferencesSegment(flag, id) {
			r.mu.Unlock()
			return invalid("segment", "%q is referenced by flag %q", id, flag.Key)
		}
	}

	next := r.snapshot.clone()
	delete(next.segments, id)
	r.snapshot = next
	r.mu.Unlock()

	r.publish(ChangeEvent{Kind: ChangeKindSegment, Type: ChangeTypeDeleted, Key: id})

	return nil
}

// SetExperiment validates and stores an experiment definition.
func (r *Registry) SetExperiment(experiment core.Experiment) (core.Experiment, error) {
	if err := ValidateExperiment(experiment); err != nil {
		return core.Experiment{}, err
	}
	if experiment.ID == "" {
		experiment.ID = uuid.NewString()
	}

	r.mu.Lock()
	next := r.snapshot.clone()
	next.experiments[experiment.ID] = experiment
	r.snapshot = next
	r.mu.Unlock()

	r.publish(ChangeEvent{Kind: ChangeKindExperiment, Type: ChangeTypeUpdated, Key: experiment.ID})

	return experiment, nil
}

func (r *Registry) RemoveExperiment(id string) error {
	r.mu.Lock()
	if _, ok := r.snapshot.experiments[id]; !ok {
		r.mu.Unlock()
		return ErrNotFound
	}

	next := r.snapshot.clone()
	delete(next.experiments, id)
	r.snapshot = next
	r.mu.Unlock()

	r.publish(ChangeEvent{Kind: ChangeKindExperiment, Type: ChangeTypeDeleted, Key: id})

	return nil
}

// ReplaceAll swaps the entire definition set in one step. Used on initial
// load and on resync after an invalidation; subscribers get no per-key
// events, only a synthetic full-reload marker.
func (r *Registry) ReplaceAll(flags []core.FeatureFlag, segments []core.UserSegment, experiments []core.Experiment) {
	next := &Snapshot{
		flags:       make(map[string]core.FeatureFlag, len(flags)),
		segments:    make(map[string]core.UserSegment, len(segments)),
		experiments: make(map[string]core.Experiment, len(experiments)),
	}
	for _, flag := range flags {
		next.flags[flag.Key] = flag
	}
	for _, segment := range segments {
		next.segments[segment.ID] = segment
	}
	for _, experiment := range experiments {
		next.experiments[experiment.ID] = experiment
	}

	r.mu.Lock()
	r.snapshot = next
	r.mu.Unlock()

	r.publish(ChangeEvent{Type: ChangeTypeUpdated})
}

// Subscribe registers a change-event channel. Delivery is non-blocking: a
// subscriber that falls behind misses events and is expected to resync from
// a fresh snapshot. The subscription is dropped when ctx is done.
func (r *Registry) Subscribe(ctx context.Context) <-chan ChangeEvent {
	events := make(chan ChangeEvent, 16)

	r.subMu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = events
	r.subMu.Unlock()

	go func() {
		<-ctx.Done()
		r.subMu.Lock()
		delete(r.subscribers, id)
		r.subMu.Unlock()
		close(events)
	}()

	return events
}

func (r *Registry) publish(event ChangeEvent) {
	r.subMu.Lock()
	for _, subscriber := range r.subscribers {
		select {
		case subscriber <- event:
		default:
		}
	}
	r.subMu.Unlock()
}

func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		flags:       make(map[string]core.FeatureFlag, len(s.flags)+1),
		segments:    make(map[string]core.UserSegment, len(s.segments)+1),
		experiments: make(map[string]core.Experiment, len(s.experiments)+1),
	}
	for key, flag := range s.flags {
		next.flags[key] = flag
	}
	for id, segment := range s.segments {
		next.segments[id] = segment
	}
	for id, experiment := range s.experiments {
		next.experiments[id] = experiment
	}

	return next
}

// closesDependencyCycle reports whether following Dependencies from flag
// through the stored flag set leads back to flag.Key. The stored flags were
// each checked at their own registration, so any cycle a mutation can
// introduce passes through the flag being written.
func closesDependencyCycle(flags map[string]core.FeatureFlag, flag core.FeatureFlag) bool {
	visited := make(map[string]bool)
	stack := append([]string(nil), flag.Dependencies...)
	for len(stack) > 0 {
		key := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if key == flag.Key {
			return true
		}
		if visited[key] {
			continue
		}
		visited[key] = true
		if dependency, ok := flags[key]; ok {
			stack = append(stack, dependency.Dependencies...)
		}
	}

	return false
}

func experimentReferencesFlag(experiment core.Experiment, key string) bool {
	for _, flagKey := range experiment.Flags {
		if flagKey == key {
			return true
		}
	}
	for _, variant := range experiment.Variants {
		if _, ok := variant.FlagValues[key]; ok {
			return true
		}
	}

	return false
}

func flagReferencesSegment(flag core.FeatureFlag, segmentID string) bool {
	if rollout := flag.Config.Rollout; rollout != nil {
		for _, id := range rollout.Segments {
			if id == segmentID {
				return true
			}
		}
	}
	for _, id := range flag.Targeting.Include.Segments {
		if id == segmentID {
			return true
		}
	}
	for _, id := range flag.Targeting.Exclude.Segments {
		if id == segmentID {
			return true
		}
	}

	return false
}

// ValidateFlag checks a flag definition for structural problems that would
// make evaluation silently wrong.
func ValidateFlag(flag core.FeatureFlag) error {
	if strings.TrimSpace(flag.Key) == "" {
		return invalid("flag", "key is required")
	}

	switch flag.Type {
	case core.FlagTypeBoolean, core.FlagTypePercentage, core.FlagTypeUserList,
		core.FlagTypeSegment, core.FlagTypeGradualRollout:
	default:
		return invalid("flag", "unknown type %q", flag.Type)
	}

	switch flag.Status {
	case "", core.FlagStatusActive, core.FlagStatusInactive,
		core.FlagStatusDeprecated, core.FlagStatusTesting:
	default:
		return invalid("flag", "unknown status %q", flag.Status)
	}

	if len(flag.Config.Variants) > 0 {
		total := 0.0
		for _, variant := range flag.Config.Variants {
			if variant.ID == "" {
				return invalid("variants", "variant id is required")
			}
			if variant.Weight < 0 {
				return invalid("variants", "variant %q has negative weight", variant.ID)
			}
			total += variant.Weight
		}
		if math.Abs(total-100) > weightTolerance {
			return invalid("variants", "weights sum to %v, must sum to 100", total)
		}
	}

	if rollout := flag.Config.Rollout; rollout != nil {
		switch rollout.Type {
		case "", core.RolloutTypePercentage, core.RolloutTypeTimeBased, core.RolloutTypeManual:
		default:
			return invalid("rollout", "unknown rollout type %q", rollout.Type)
		}
		if rollout.Type == core.RolloutTypeTimeBased && rollout.Schedule == nil {
			return invalid("rollout", "time_based rollouts need a schedule")
		}
		if rollout.Percentage != nil && (*rollout.Percentage < 0 || *rollout.Percentage > 100) {
			return invalid("rollout", "percentage %v out of [0,100]", *rollout.Percentage)
		}
		if schedule := rollout.Schedule; schedule != nil {
			if schedule.StartDate != nil && schedule.EndDate != nil && schedule.EndDate.Before(*schedule.StartDate) {
				return invalid("rollout", "schedule ends before it starts")
			}
			for _, stage := range schedule.Stages {
				if stage.ID == "" {
					return invalid("rollout", "stage id is required")
				}
				if stage.Percentage < 0 || stage.Percentage > 100 {
					return invalid("rollout", "stage %q percentage %v out of [0,100]", stage.ID, stage.Percentage)
				}
			}
		}
	}

	if flag.Type == core.FlagTypeGradualRollout {
		if flag.Config.Rollout == nil || flag.Config.Rollout.Schedule == nil ||
			len(flag.Config.Rollout.Schedule.Stages) == 0 {
			return invalid("rollout", "gradual_rollout flags need a schedule with at least one stage")
		}
	}

	for _, condition := range flag.Config.Conditions {
		if err := condition.Expression.Validate(); err != nil {
			return invalid("conditions", "condition %q: %v", condition.ID, err)
		}
	}

	for _, dependency := range flag.Dependencies {
		if dependency == flag.Key {
			return invalid("dependencies", "flag cannot depend on itself")
		}
	}

	return nil
}

// ValidateSegment checks a segment definition.
func ValidateSegment(segment core.UserSegment) error {
	if strings.TrimSpace(segment.ID) == "" {
		return invalid("segment", "id is required")
	}

	for _, rule := range segment.Rules {
		if rule.Property == "" {
			return invalid("rules", "rule property is required")
		}
		if !core.KnownOperator(rule.Operator) {
			return invalid("rules", "unknown operator %q", rule.Operator)
		}
	}

	return nil
}

// ValidateExperiment checks an experiment definition, most importantly
// that the band partition fits in [0,100].
func ValidateExperiment(experiment core.Experiment) error {
	if strings.TrimSpace(experiment.Name) == "" && strings.TrimSpace(experiment.ID) == "" {
		return invalid("experiment", "id or name is required")
	}
	if len(experiment.Variants) == 0 {
		return invalid("variants", "at least one variant is required")
	}

	seen := make(map[string]struct{}, len(experiment.Variants)+1)
	seen[core.ControlGroup] = struct{}{}
	for _, variant := range experiment.Variants {
		if variant.ID == "" {
			return invalid("variants", "variant id is required")
		}
		if _, dup := seen[variant.ID]; dup {
			return invalid("variants", "duplicate variant id %q", variant.ID)
		}
		seen[variant.ID] = struct{}{}
	}

	if experiment.Traffic.Control < 0 {
		return invalid("traffic", "control allocation is negative")
	}
	for i, width := range experiment.Traffic.Variants {
		if width < 0 {
			return invalid("traffic", "variant %d allocation is negative", i)
		}
	}
	if len(experiment.Traffic.Variants) > 0 && len(experiment.Traffic.Variants) != len(experiment.Variants) {
		return invalid("traffic", "allocation list has %d entries for %d variants",
			len(experiment.Traffic.Variants), len(experiment.Variants))
	}

	if total := core.TotalTraffic(experiment); total > 100+weightTolerance {
		return invalid("traffic", "allocations sum to %v, must not exceed 100", total)
	}

	if experiment.StartDate != nil && experiment.EndDate != nil &&
		experiment.EndDate.Before(*experiment.StartDate) {
		return invalid("experiment", "ends before it starts")
	}

	switch experiment.Status {
	case "", core.ExperimentStatusDraft, core.ExperimentStatusRunning,
		core.ExperimentStatusPaused, core.ExperimentStatusCompleted:
	default:
		return invalid("experiment", "unknown status %q", experiment.Status)
	}

	return nil
}
