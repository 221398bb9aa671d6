package checkpoint

import (
	"reflect"
	"time"
)

// Checkpoint is an immutable snapshot of graph execution state at one step.
// The ID is time-sortable: within a (thread_id, checkpoint_ns) group, ids
// created later sort lexically after ids created earlier. History retrieval
// relies on this ordering.
type Checkpoint struct {
	ID              string                      `json:"id"`
	Timestamp       time.Time                   `json:"ts"`
	ChannelValues   map[string]any              `json:"channel_values"`
	ChannelVersions map[string]int64            `json:"channel_versions"`
	VersionsSeen    map[string]map[string]int64 `json:"versions_seen"`
	PendingSends    []any                       `json:"pending_sends,omitempty"`
}

// NewCheckpoint creates a checkpoint with a fresh time-sortable ID.
func NewCheckpoint(values map[string]any, versions map[string]int64, seen map[string]map[string]int64) *Checkpoint {
	return &Checkpoint{
		ID:              NewCheckpointID(),
		Timestamp:       time.Now().UTC(),
		ChannelValues:   values,
		ChannelVersions: versions,
		VersionsSeen:    seen,
	}
}

// CheckpointMetadata accompanies a checkpoint. It is stored as an opaque
// payload alongside the checkpoint itself.
type CheckpointMetadata struct {
	// Source records what produced the checkpoint: "input", "loop",
	// "update" or "fork".
	Source string `json:"source"`
	// Step is the superstep counter; -1 for the initial input checkpoint.
	Step int64 `json:"step"`
	// Writes summarizes the node writes that led to this checkpoint.
	Writes map[string]any `json:"writes,omitempty"`
	// Parents maps checkpoint_ns to the parent checkpoint id in that
	// namespace. Absence of an entry means the checkpoint is a root.
	Parents map[string]string `json:"parents,omitempty"`
}

// PendingWrite is a single named value produced by a task against a
// checkpoint before that checkpoint is finalized.
type PendingWrite struct {
	TaskID  string `json:"task_id"`
	Channel string `json:"channel"`
	Value   any    `json:"value"`
}

// ChannelWrite is one (channel, value) pair submitted to Saver.PutWrites.
// Its position in the submitted slice becomes the write's replay index.
type ChannelWrite struct {
	Channel string
	Value   any
}

// CheckpointTuple is a fully resolved checkpoint: the checkpoint itself, its
// metadata, the config identifying it, a config pointing at its parent (nil
// for roots) and any pending writes staged against it.
type CheckpointTuple struct {
	Config        Config
	Checkpoint    *Checkpoint
	Metadata      *CheckpointMetadata
	ParentConfig  *Config
	PendingWrites []PendingWrite
}

// MatchesFilter reports whether the metadata satisfies every entry of the
// given filter. Filter keys name metadata fields ("source", "step", "writes",
// "parents"); unknown keys never match. Numeric step values compare across
// int, int64 and float64 so filters built from decoded JSON behave.
func (m *CheckpointMetadata) MatchesFilter(filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	if m == nil {
		return false
	}
	for key, want := range filter {
		switch key {
		case "source":
			s, ok := want.(string)
			if !ok || m.Source != s {
				return false
			}
		case "step":
			if !equalStep(m.Step, want) {
				return false
			}
		case "writes":
			if !reflect.DeepEqual(any(m.Writes), want) {
				return false
			}
		case "parents":
			if !reflect.DeepEqual(any(m.Parents), want) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func equalStep(step int64, want any) bool {
	switch v := want.(type) {
	case int:
		return step == int64(v)
	case int64:
		return step == v
	case float64:
		return float64(step) == v
	default:
		return false
	}
}
