// Package redis provides a Redis-backed checkpoint saver.
//
// Checkpoints are stored as JSON envelopes under per-checkpoint keys, with a
// sorted set per (thread, namespace) indexing checkpoint ids in lexical
// order. Checkpoint ids are time-sortable, so the lexical order of the index
// is the creation order. Pending writes live in one hash per checkpoint,
// keyed by task id and index, which makes re-submitting a task's writes an
// in-place overwrite.
//
// Getting started:
//
//	saver := redis.NewSaver(redis.Options{
//		Addr: "localhost:6379",
//		TTL:  24 * time.Hour,
//	})
//	cfg, err := saver.Put(ctx, checkpoint.NewConfig("thread-1", ""), cp, md)
//
// When TTL is set, every key touched by a Put or PutWrites gets its expiry
// refreshed, so a thread stays alive as long as it keeps checkpointing.
package redis
