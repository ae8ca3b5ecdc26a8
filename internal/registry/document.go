package registry

import (
	"time"

	"github.com/seamly/rollout/internal/core"
)

// DocumentVersion is the export format version.
const DocumentVersion = 1

// Document is the JSON shape the full definition set round-trips through.
type Document struct {
	Version     int                `json:"version"`
	ExportedAt  time.Time          `json:"exported_at"`
	Flags       []core.FeatureFlag `json:"flags"`
	Segments    []core.UserSegment `json:"segments"`
	Experiments []core.Experiment  `json:"experiments"`
}

// Export captures the current snapshot as a document.
func (r *Registry) Export() Document {
	snapshot := r.Snapshot()

	return Document{
		Version:     DocumentVersion,
		ExportedAt:  r.now().UTC(),
		Flags:       snapshot.Flags(),
		Segments:    snapshot.Segments(),
		Experiments: snapshot.Experiments(),
	}
}

// Import validates every definition in the document and then replaces the
// whole snapshot. A single invalid definition rejects the entire document;
// the registry is never left holding a partial import.
func (r *Registry) Import(document Document) error {
	if document.Version != DocumentVersion {
		return invalid("document", "unsupported version %d", document.Version)
	}

	seen := make(map[string]string, len(document.Flags))
	byKey := make(map[string]core.FeatureFlag, len(document.Flags))
	for _, flag := range document.Flags {
		if err := ValidateFlag(flag); err != nil {
			return err
		}
		if otherID, dup := seen[flag.Key]; dup && otherID != flag.ID {
			return invalid("flags", "key %q appears twice with different ids", flag.Key)
		}
		seen[flag.Key] = flag.ID
		byKey[flag.Key] = flag
	}
	for _, flag := range document.Flags {
		if closesDependencyCycle(byKey, flag) {
			return invalid("dependencies", "flag %q closes a dependency cycle", flag.Key)
		}
	}
	for _, segment := range document.Segments {
		if err := ValidateSegment(segment); err != nil {
			return err
		}
	}
	for _, experiment := range document.Experiments {
		if err := ValidateExperiment(experiment); err != nil {
			return err
		}
	}

	r.ReplaceAll(document.Flags, document.Segments, document.Experiments)

	return nil
}
