// Package checkpoint defines the persistence contract for graph execution
// snapshots.
//
// A graph engine produces an ordered sequence of immutable [Checkpoint] values
// per thread. Each checkpoint captures the channel state of the execution at
// one step, together with [CheckpointMetadata] describing how it was produced.
// Tasks running between steps stage [PendingWrite] values against the
// checkpoint they belong to, so that execution can be replayed after a crash
// or an interrupt.
//
// Storage backends implement the [Saver] interface. The engine never talks to
// a database directly: it passes a [Config] carrying the thread identity
// (thread_id, checkpoint_ns, checkpoint_id under the "configurable" map) and
// receives fully resolved [CheckpointTuple] values back.
//
// Backends live in sibling packages: dynamodb (the primary backend), memory,
// redis and postgres.
package checkpoint
