package checkpoint

import (
	"context"
	"iter"
)

// ListOptions narrows a history listing. The zero value lists everything.
type ListOptions struct {
	// Filter keeps only tuples whose decoded metadata matches every entry.
	// See CheckpointMetadata.MatchesFilter for the supported keys.
	Filter map[string]any
	// Before is an exclusive upper bound: only checkpoints whose id sorts
	// strictly before it are yielded.
	Before string
	// Limit stops the sequence after this many tuples; 0 means no limit.
	Limit int
}

// Saver persists checkpoints and pending writes for a graph engine.
//
// All writes are upserts: re-writing the same identity replaces the record in
// full, last writer wins. Implementations do not provide optimistic
// concurrency; callers needing exactly-once semantics must serialize writes
// externally.
type Saver interface {
	// Put upserts one checkpoint with its metadata. The checkpoint_id
	// already present in config, if any, is recorded as the new
	// checkpoint's parent. Returns config extended with the new
	// checkpoint's id, for use as the parent pointer on the next call.
	Put(ctx context.Context, config Config, cp *Checkpoint, md *CheckpointMetadata) (Config, error)

	// PutWrites upserts the pending writes produced by one task against
	// the checkpoint identified by config. Write i of the slice gets
	// replay index i; re-submitting the same (taskID, index) overwrites.
	PutWrites(ctx context.Context, config Config, writes []ChannelWrite, taskID string) error

	// GetTuple resolves one checkpoint: the one named by config's
	// checkpoint_id, or the thread's most recent one when the id is
	// absent. Returns (nil, nil) when no checkpoint exists; absence is
	// not an error.
	GetTuple(ctx context.Context, config Config) (*CheckpointTuple, error)

	// List streams the thread's checkpoint history, most recent first.
	// The sequence is lazy and finite; abandoning it early stops further
	// page fetches. It is not restartable mid-iteration: call List again
	// to re-query from the start.
	List(ctx context.Context, config Config, opts *ListOptions) iter.Seq2[*CheckpointTuple, error]

	// DeleteThread removes every checkpoint and pending write belonging
	// to the thread, across all namespaces.
	DeleteThread(ctx context.Context, threadID string) error
}
