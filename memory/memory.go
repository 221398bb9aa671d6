// Package memory provides an in-memory checkpoint saver. It mirrors the
// durable backends' semantics exactly, including the serialization boundary,
// which makes it the reference implementation for tests and a convenient
// default for development.
package memory

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/smallnest/graphcheckpoint/checkpoint"
	"github.com/smallnest/graphcheckpoint/serde"
)

type checkpointRecord struct {
	checkpointNS string
	checkpointID string
	parentID     string
	cpType       string
	cpData       []byte
	mdType       string
	mdData       []byte
	expiresAt    time.Time
}

type writeRecord struct {
	taskID    string
	idx       int
	channel   string
	valType   string
	valData   []byte
	createdAt time.Time
	expiresAt time.Time
}

// Saver implements checkpoint.Saver with process-local storage.
type Saver struct {
	mu         sync.RWMutex
	serializer serde.Serializer
	ttl        time.Duration
	now        func() time.Time

	// thread_id -> sorted-on-demand checkpoint records
	checkpoints map[string][]checkpointRecord
	// write partition (thread, checkpoint, ns) -> records keyed by (task, idx)
	writes map[writePartition]map[writeKey]writeRecord
}

type writePartition struct {
	threadID     string
	checkpointID string
	checkpointNS string
}

type writeKey struct {
	taskID string
	idx    int
}

var _ checkpoint.Saver = (*Saver)(nil)

// Option customizes a Saver.
type Option func(*Saver)

// WithSerializer replaces the default JSON serializer.
func WithSerializer(sz serde.Serializer) Option {
	return func(s *Saver) { s.serializer = sz }
}

// WithTTL expires records d after they were written. Zero disables expiry.
func WithTTL(d time.Duration) Option {
	return func(s *Saver) { s.ttl = d }
}

// New creates an empty in-memory saver.
func New(opts ...Option) *Saver {
	s := &Saver{
		serializer:  serde.JSON,
		now:         time.Now,
		checkpoints: make(map[string][]checkpointRecord),
		writes:      make(map[writePartition]map[writeKey]writeRecord),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Saver) expired(at time.Time) bool {
	return !at.IsZero() && !s.now().Before(at)
}

// Put upserts one checkpoint with its metadata.
func (s *Saver) Put(_ context.Context, config checkpoint.Config, cp *checkpoint.Checkpoint, md *checkpoint.CheckpointMetadata) (checkpoint.Config, error) {
	threadID, ns, parentID, err := config.Identity()
	if err != nil {
		return checkpoint.Config{}, err
	}
	if cp == nil {
		return checkpoint.Config{}, fmt.Errorf("checkpoint must not be nil")
	}

	cpType, cpData, err := serde.Dump(s.serializer, cp)
	if err != nil {
		return checkpoint.Config{}, err
	}
	var mdValue any
	if md != nil {
		mdValue = md
	}
	mdType, mdData, err := serde.Dump(s.serializer, mdValue)
	if err != nil {
		return checkpoint.Config{}, err
	}

	rec := checkpointRecord{
		checkpointNS: ns,
		checkpointID: cp.ID,
		parentID:     parentID,
		cpType:       cpType,
		cpData:       cpData,
		mdType:       mdType,
		mdData:       mdData,
	}
	if s.ttl > 0 {
		rec.expiresAt = s.now().Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.checkpoints[threadID]
	replaced := false
	for i := range records {
		if records[i].checkpointID == cp.ID && records[i].checkpointNS == ns {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}
	s.checkpoints[threadID] = records

	return checkpoint.ChildConfig(threadID, ns, cp.ID), nil
}

// PutWrites upserts one task's pending writes against an existing checkpoint.
func (s *Saver) PutWrites(_ context.Context, config checkpoint.Config, writes []checkpoint.ChannelWrite, taskID string) error {
	threadID, ns, checkpointID, err := config.Identity()
	if err != nil {
		return err
	}
	if checkpointID == "" {
		return &checkpoint.InvalidConfigError{Field: checkpoint.KeyCheckpointID, Reason: "missing"}
	}

	now := s.now()
	var expiresAt time.Time
	if s.ttl > 0 {
		expiresAt = now.Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	partition := writePartition{threadID: threadID, checkpointID: checkpointID, checkpointNS: ns}
	records := s.writes[partition]
	if records == nil {
		records = make(map[writeKey]writeRecord)
		s.writes[partition] = records
	}
	for idx, w := range writes {
		valType, valData, err := serde.Dump(s.serializer, w.Value)
		if err != nil {
			return err
		}
		key := writeKey{taskID: taskID, idx: idx}
		createdAt := now
		if prev, ok := records[key]; ok {
			createdAt = prev.createdAt
		}
		records[key] = writeRecord{
			taskID:    taskID,
			idx:       idx,
			channel:   w.Channel,
			valType:   valType,
			valData:   valData,
			createdAt: createdAt,
			expiresAt: expiresAt,
		}
	}
	return nil
}

// GetTuple resolves one checkpoint plus its pending writes and parent link.
func (s *Saver) GetTuple(_ context.Context, config checkpoint.Config) (*checkpoint.CheckpointTuple, error) {
	threadID, ns, checkpointID, err := config.Identity()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *checkpointRecord
	for i := range s.checkpoints[threadID] {
		rec := &s.checkpoints[threadID][i]
		if rec.checkpointNS != ns || s.expired(rec.expiresAt) {
			continue
		}
		if checkpointID != "" {
			if rec.checkpointID == checkpointID {
				found = rec
				break
			}
			continue
		}
		if found == nil || rec.checkpointID > found.checkpointID {
			found = rec
		}
	}
	if found == nil {
		return nil, nil
	}
	return s.tupleFromRecord(threadID, found)
}

func (s *Saver) tupleFromRecord(threadID string, rec *checkpointRecord) (*checkpoint.CheckpointTuple, error) {
	var cp checkpoint.Checkpoint
	if err := s.serializer.LoadInto(rec.cpType, rec.cpData, &cp); err != nil {
		return nil, err
	}
	var md *checkpoint.CheckpointMetadata
	if rec.mdType != "" && rec.mdType != serde.TagNull {
		md = &checkpoint.CheckpointMetadata{}
		if err := s.serializer.LoadInto(rec.mdType, rec.mdData, md); err != nil {
			return nil, err
		}
	}

	writes, err := s.pendingWrites(threadID, rec.checkpointID, rec.checkpointNS)
	if err != nil {
		return nil, err
	}

	parentID := rec.parentID
	if parentID == "" && md != nil {
		parentID = md.Parents[rec.checkpointNS]
	}
	var parentConfig *checkpoint.Config
	if parentID != "" {
		pc := checkpoint.ChildConfig(threadID, rec.checkpointNS, parentID)
		parentConfig = &pc
	}

	return &checkpoint.CheckpointTuple{
		Config:        checkpoint.ChildConfig(threadID, rec.checkpointNS, rec.checkpointID),
		Checkpoint:    &cp,
		Metadata:      md,
		ParentConfig:  parentConfig,
		PendingWrites: writes,
	}, nil
}

// pendingWrites orders task groups by earliest write arrival and writes by
// idx ascending within each group.
func (s *Saver) pendingWrites(threadID, checkpointID, ns string) ([]checkpoint.PendingWrite, error) {
	partition := writePartition{threadID: threadID, checkpointID: checkpointID, checkpointNS: ns}
	var records []writeRecord
	for _, rec := range s.writes[partition] {
		if s.expired(rec.expiresAt) {
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, nil
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].createdAt.Before(records[j].createdAt)
	})
	taskRank := make(map[string]int)
	for _, rec := range records {
		if _, ok := taskRank[rec.taskID]; !ok {
			taskRank[rec.taskID] = len(taskRank)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if taskRank[records[i].taskID] != taskRank[records[j].taskID] {
			return taskRank[records[i].taskID] < taskRank[records[j].taskID]
		}
		return records[i].idx < records[j].idx
	})

	writes := make([]checkpoint.PendingWrite, 0, len(records))
	for _, rec := range records {
		value, err := serde.Load(s.serializer, rec.valType, rec.valData)
		if err != nil {
			return nil, err
		}
		writes = append(writes, checkpoint.PendingWrite{
			TaskID:  rec.taskID,
			Channel: rec.channel,
			Value:   value,
		})
	}
	return writes, nil
}

// List streams the thread's history in descending id order.
func (s *Saver) List(_ context.Context, config checkpoint.Config, opts *checkpoint.ListOptions) iter.Seq2[*checkpoint.CheckpointTuple, error] {
	return func(yield func(*checkpoint.CheckpointTuple, error) bool) {
		threadID, ns, _, err := config.Identity()
		if err != nil {
			yield(nil, err)
			return
		}

		var filter map[string]any
		var before string
		var limit int
		if opts != nil {
			filter, before, limit = opts.Filter, opts.Before, opts.Limit
		}

		s.mu.RLock()
		var records []checkpointRecord
		for _, rec := range s.checkpoints[threadID] {
			if rec.checkpointNS != ns || s.expired(rec.expiresAt) {
				continue
			}
			if before != "" && rec.checkpointID >= before {
				continue
			}
			records = append(records, rec)
		}
		s.mu.RUnlock()

		sort.Slice(records, func(i, j int) bool {
			return records[i].checkpointID > records[j].checkpointID
		})

		yielded := 0
		for i := range records {
			s.mu.RLock()
			tuple, err := s.tupleFromRecord(threadID, &records[i])
			s.mu.RUnlock()
			if err != nil {
				yield(nil, err)
				return
			}
			if !tuple.Metadata.MatchesFilter(filter) {
				continue
			}
			if !yield(tuple, nil) {
				return
			}
			yielded++
			if limit > 0 && yielded >= limit {
				return
			}
		}
	}
}

// DeleteThread removes the thread's checkpoints and writes in every
// namespace.
func (s *Saver) DeleteThread(_ context.Context, threadID string) error {
	if threadID == "" {
		return &checkpoint.InvalidConfigError{Field: checkpoint.KeyThreadID, Reason: "missing"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, threadID)
	for partition := range s.writes {
		if partition.threadID == threadID {
			delete(s.writes, partition)
		}
	}
	return nil
}
