// Graph Checkpoint - Durable Checkpointing for Stateful Graph Execution in Go
//
// Graph Checkpoint persists versioned execution snapshots and provisional
// per-task writes for stateful graph-execution engines. A graph run is
// identified by a thread; each superstep produces a checkpoint, and tasks
// that completed after the checkpoint stage their channel writes against it
// so a resumed run can replay them instead of re-executing the tasks.
//
// # Quick Start
//
// Install the package:
//
//	go get github.com/smallnest/graphcheckpoint
//
// Basic example with the in-memory backend:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//
//		"github.com/smallnest/graphcheckpoint/checkpoint"
//		"github.com/smallnest/graphcheckpoint/memory"
//	)
//
//	func main() {
//		ctx := context.Background()
//		saver := memory.New()
//
//		cp := checkpoint.NewCheckpoint(
//			map[string]any{"messages": []any{"hello"}},
//			map[string]int64{"messages": 1},
//			nil,
//		)
//		md := &checkpoint.CheckpointMetadata{Source: "input", Step: -1}
//
//		cfg, err := saver.Put(ctx, checkpoint.NewConfig("thread-1", ""), cp, md)
//		if err != nil {
//			panic(err)
//		}
//
//		tuple, err := saver.GetTuple(ctx, cfg)
//		if err != nil {
//			panic(err)
//		}
//		fmt.Println(tuple.Checkpoint.ID)
//	}
//
// # Backends
//
// Every backend implements the checkpoint.Saver interface:
//
//   - memory: in-process maps, for tests and single-process runs
//   - dynamodb: Amazon DynamoDB with TTL and batched writes
//   - redis: Redis with per-thread indexes and key expiry
//   - postgres: PostgreSQL via pgx with schema bootstrap
//
// # Concepts
//
// A Config carries the addressing triple (thread_id, checkpoint_ns,
// checkpoint_id) in its Configurable map, mirroring how graph engines thread
// configuration through a run. Put returns a child Config pointing at the
// stored checkpoint; passing that Config to the next Put links the new
// checkpoint to its parent, building the thread's history chain.
//
// Checkpoint ids are time-sortable (UUIDv7), so listing a thread in
// descending id order walks the history newest first.
//
// # License
//
// This project is licensed under the MIT License - see the LICENSE file for details.
package graphcheckpoint // import "github.com/smallnest/graphcheckpoint"
