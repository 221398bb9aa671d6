// Package dynamodb provides a DynamoDB-backed checkpoint saver.
//
// # Layout
//
// Two tables are used. Checkpoint records live in a table keyed by thread_id
// (partition key) and checkpoint_id (sort key); the namespace, the parent
// link and the serialized payloads are plain attributes. Because checkpoint
// ids are time-sortable, a descending query over the partition is the
// thread's history, newest first.
//
// Pending write records live in a second table keyed by a joined partition
// key "thread_id:::checkpoint_id:::checkpoint_ns" and a joined sort key
// "task_id:::idx". The ":::" separator is reserved and must not appear in
// ids.
//
// # Getting started
//
// Create a [Saver] with [New], supplying an AWS config and any [Option]
// values you need:
//
//	saver := dynamodb.New(
//	    awsCfg,
//	    dynamodb.WithCheckpointsTable("graph_checkpoints"),
//	    dynamodb.WithWritesTable("graph_checkpoint_writes"),
//	    dynamodb.WithTTL(7*24*time.Hour),
//	)
//
// By default [New] creates an AWS SDK v2 DynamoDB client from the supplied
// aws.Config. Supply [WithAPI] to inject a custom or mock implementation.
//
// The package expects the tables to exist; provisioning is deliberately out
// of scope. When a TTL is configured, records carry an "expires_at" Unix
// timestamp and rely on DynamoDB's native TTL feature for deletion. Expiry
// is recomputed on every overwrite and never refreshed on read.
//
// # Concurrency
//
// [Saver] is safe for concurrent use. Writes to the same identity race under
// last-writer-wins semantics; there is no conditional write or optimistic
// versioning.
package dynamodb
