package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallnest/graphcheckpoint/checkpoint"
	"github.com/smallnest/graphcheckpoint/serde"
)

const keySeparator = ":::"

var _ checkpoint.Saver = (*Saver)(nil)

// Saver implements checkpoint.Saver on top of Redis.
type Saver struct {
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	serializer serde.Serializer
	now        func() time.Time
}

// Options configures the Redis connection and saver behaviour.
type Options struct {
	Addr     string
	Password string
	DB       int

	// Client overrides Addr/Password/DB with an existing connection.
	Client *redis.Client

	// Prefix namespaces every key, default "graphcheckpoint:".
	Prefix string

	// TTL expires thread data this long after its last write. Zero keeps
	// data forever.
	TTL time.Duration

	// Serializer encodes checkpoint payloads, default serde.JSON.
	Serializer serde.Serializer
}

// NewSaver creates a Redis-backed saver.
func NewSaver(opts Options) *Saver {
	client := opts.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "graphcheckpoint:"
	}
	serializer := opts.Serializer
	if serializer == nil {
		serializer = serde.JSON
	}

	return &Saver{
		client:     client,
		prefix:     prefix,
		ttl:        opts.TTL,
		serializer: serializer,
		now:        time.Now,
	}
}

// Close releases the underlying connection.
func (s *Saver) Close() error {
	return s.client.Close()
}

func (s *Saver) checkpointKey(threadID, ns, checkpointID string) string {
	return s.prefix + "checkpoint:" + threadID + keySeparator + ns + keySeparator + checkpointID
}

func (s *Saver) threadIndexKey(threadID, ns string) string {
	return s.prefix + "thread:" + threadID + keySeparator + ns
}

func (s *Saver) writesKey(threadID, checkpointID, ns string) string {
	return s.prefix + "writes:" + threadID + keySeparator + checkpointID + keySeparator + ns
}

func (s *Saver) namespacesKey(threadID string) string {
	return s.prefix + "namespaces:" + threadID
}

// checkpointEnvelope is the stored form of one checkpoint. Payload bytes
// carry their serializer tag so envelopes written with one serializer stay
// readable after the default changes.
type checkpointEnvelope struct {
	ThreadID     string `json:"thread_id"`
	CheckpointNS string `json:"checkpoint_ns"`
	CheckpointID string `json:"checkpoint_id"`
	ParentID     string `json:"parent_checkpoint_id,omitempty"`
	Type         string `json:"type"`
	Checkpoint   []byte `json:"checkpoint"`
	MetadataType string `json:"metadata_type,omitempty"`
	Metadata     []byte `json:"metadata,omitempty"`
}

type writeEnvelope struct {
	TaskID    string `json:"task_id"`
	Idx       int    `json:"idx"`
	Channel   string `json:"channel"`
	Type      string `json:"type"`
	Value     []byte `json:"value,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// Put upserts one checkpoint and indexes it for history listing. The
// checkpoint_id already present in config becomes the new checkpoint's
// parent.
func (s *Saver) Put(ctx context.Context, config checkpoint.Config, cp *checkpoint.Checkpoint, md *checkpoint.CheckpointMetadata) (checkpoint.Config, error) {
	threadID, ns, parentID, err := config.Identity()
	if err != nil {
		return checkpoint.Config{}, err
	}
	if cp == nil {
		return checkpoint.Config{}, fmt.Errorf("checkpoint must not be nil")
	}

	cpTag, cpData, err := serde.Dump(s.serializer, cp)
	if err != nil {
		return checkpoint.Config{}, err
	}
	var mdValue any
	if md != nil {
		mdValue = md
	}
	mdTag, mdData, err := serde.Dump(s.serializer, mdValue)
	if err != nil {
		return checkpoint.Config{}, err
	}

	envelope := checkpointEnvelope{
		ThreadID:     threadID,
		CheckpointNS: ns,
		CheckpointID: cp.ID,
		ParentID:     parentID,
		Type:         cpTag,
		Checkpoint:   cpData,
		MetadataType: mdTag,
		Metadata:     mdData,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return checkpoint.Config{}, fmt.Errorf("marshal checkpoint envelope: %w", err)
	}

	indexKey := s.threadIndexKey(threadID, ns)
	nsKey := s.namespacesKey(threadID)

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.checkpointKey(threadID, ns, cp.ID), data, s.ttl)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: 0, Member: cp.ID})
	pipe.SAdd(ctx, nsKey, ns)
	if s.ttl > 0 {
		pipe.Expire(ctx, indexKey, s.ttl)
		pipe.Expire(ctx, nsKey, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return checkpoint.Config{}, &checkpoint.ProviderError{Op: "Put", Err: err}
	}

	return checkpoint.ChildConfig(threadID, ns, cp.ID), nil
}

// PutWrites upserts the pending writes of one task against the checkpoint
// named in config. Each write's position in the slice becomes its replay
// index, so re-submitting the same task's writes overwrites in place.
func (s *Saver) PutWrites(ctx context.Context, config checkpoint.Config, writes []checkpoint.ChannelWrite, taskID string) error {
	threadID, ns, checkpointID, err := config.Identity()
	if err != nil {
		return err
	}
	if checkpointID == "" {
		return &checkpoint.InvalidConfigError{Field: checkpoint.KeyCheckpointID, Reason: "missing"}
	}
	if len(writes) == 0 {
		return nil
	}

	now := s.now().UnixNano()
	fields := make(map[string]any, len(writes))
	for idx, w := range writes {
		tag, data, err := serde.Dump(s.serializer, w.Value)
		if err != nil {
			return err
		}
		envelope, err := json.Marshal(writeEnvelope{
			TaskID:    taskID,
			Idx:       idx,
			Channel:   w.Channel,
			Type:      tag,
			Value:     data,
			CreatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("marshal write envelope: %w", err)
		}
		fields[fmt.Sprintf("%s%s%d", taskID, keySeparator, idx)] = envelope
	}

	key := s.writesKey(threadID, checkpointID, ns)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &checkpoint.ProviderError{Op: "PutWrites", Err: err}
	}
	return nil
}

// GetTuple resolves one checkpoint plus its pending writes and parent link.
// When config carries a checkpoint_id the lookup is a point read; otherwise
// the thread's most recent checkpoint in the namespace is returned. A
// missing checkpoint yields (nil, nil).
func (s *Saver) GetTuple(ctx context.Context, config checkpoint.Config) (*checkpoint.CheckpointTuple, error) {
	threadID, ns, checkpointID, err := config.Identity()
	if err != nil {
		return nil, err
	}

	if checkpointID == "" {
		ids, err := s.indexedIDs(ctx, threadID, ns, "")
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, nil
		}
		checkpointID = ids[0]
	}

	data, err := s.client.Get(ctx, s.checkpointKey(threadID, ns, checkpointID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, &checkpoint.ProviderError{Op: "Get", Err: err}
	}
	return s.tupleFromEnvelope(ctx, data)
}

// indexedIDs returns the namespace's checkpoint ids in descending order,
// optionally bounded below an exclusive id.
func (s *Saver) indexedIDs(ctx context.Context, threadID, ns, before string) ([]string, error) {
	max := "+"
	if before != "" {
		max = "(" + before
	}
	ids, err := s.client.ZRangeByLex(ctx, s.threadIndexKey(threadID, ns), &redis.ZRangeBy{
		Min: "-",
		Max: max,
	}).Result()
	if err != nil {
		return nil, &checkpoint.ProviderError{Op: "ZRangeByLex", Err: err}
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

func (s *Saver) tupleFromEnvelope(ctx context.Context, data []byte) (*checkpoint.CheckpointTuple, error) {
	var envelope checkpointEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint envelope: %w", err)
	}

	var cp checkpoint.Checkpoint
	if err := s.serializer.LoadInto(envelope.Type, envelope.Checkpoint, &cp); err != nil {
		return nil, err
	}
	var md *checkpoint.CheckpointMetadata
	if envelope.MetadataType != "" && envelope.MetadataType != serde.TagNull {
		md = &checkpoint.CheckpointMetadata{}
		if err := s.serializer.LoadInto(envelope.MetadataType, envelope.Metadata, md); err != nil {
			return nil, err
		}
	}

	writes, err := s.pendingWrites(ctx, envelope.ThreadID, envelope.CheckpointID, envelope.CheckpointNS)
	if err != nil {
		return nil, err
	}

	parentID := envelope.ParentID
	if parentID == "" && md != nil {
		parentID = md.Parents[envelope.CheckpointNS]
	}
	var parentConfig *checkpoint.Config
	if parentID != "" {
		pc := checkpoint.ChildConfig(envelope.ThreadID, envelope.CheckpointNS, parentID)
		parentConfig = &pc
	}

	return &checkpoint.CheckpointTuple{
		Config:        checkpoint.ChildConfig(envelope.ThreadID, envelope.CheckpointNS, envelope.CheckpointID),
		Checkpoint:    &cp,
		Metadata:      md,
		ParentConfig:  parentConfig,
		PendingWrites: writes,
	}, nil
}

// pendingWrites loads and orders the checkpoint's staged writes. Task groups
// are ordered by their earliest write's creation time and writes by idx
// ascending within each group.
func (s *Saver) pendingWrites(ctx context.Context, threadID, checkpointID, ns string) ([]checkpoint.PendingWrite, error) {
	raw, err := s.client.HGetAll(ctx, s.writesKey(threadID, checkpointID, ns)).Result()
	if err != nil {
		return nil, &checkpoint.ProviderError{Op: "HGetAll", Err: err}
	}
	if len(raw) == 0 {
		return nil, nil
	}

	envelopes := make([]writeEnvelope, 0, len(raw))
	for _, v := range raw {
		var e writeEnvelope
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("unmarshal write envelope: %w", err)
		}
		envelopes = append(envelopes, e)
	}

	byArrival := make([]writeEnvelope, len(envelopes))
	copy(byArrival, envelopes)
	sort.SliceStable(byArrival, func(i, j int) bool {
		if byArrival[i].CreatedAt != byArrival[j].CreatedAt {
			return byArrival[i].CreatedAt < byArrival[j].CreatedAt
		}
		return byArrival[i].TaskID < byArrival[j].TaskID
	})
	taskRank := make(map[string]int)
	for _, e := range byArrival {
		if _, ok := taskRank[e.TaskID]; !ok {
			taskRank[e.TaskID] = len(taskRank)
		}
	}
	sort.SliceStable(envelopes, func(i, j int) bool {
		if taskRank[envelopes[i].TaskID] != taskRank[envelopes[j].TaskID] {
			return taskRank[envelopes[i].TaskID] < taskRank[envelopes[j].TaskID]
		}
		return envelopes[i].Idx < envelopes[j].Idx
	})

	writes := make([]checkpoint.PendingWrite, 0, len(envelopes))
	for _, e := range envelopes {
		value, err := serde.Load(s.serializer, e.Type, e.Value)
		if err != nil {
			return nil, err
		}
		writes = append(writes, checkpoint.PendingWrite{
			TaskID:  e.TaskID,
			Channel: e.Channel,
			Value:   value,
		})
	}
	return writes, nil
}

// List streams the thread's checkpoint history in descending id order. The
// before bound is pushed into the index range query; the metadata filter is
// applied after decoding.
func (s *Saver) List(ctx context.Context, config checkpoint.Config, opts *checkpoint.ListOptions) iter.Seq2[*checkpoint.CheckpointTuple, error] {
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

		ids, err := s.indexedIDs(ctx, threadID, ns, before)
		if err != nil {
			yield(nil, err)
			return
		}

		yielded := 0
		for _, id := range ids {
			data, err := s.client.Get(ctx, s.checkpointKey(threadID, ns, id)).Bytes()
			if err != nil {
				if err == redis.Nil {
					// Expired under the index entry.
					continue
				}
				yield(nil, &checkpoint.ProviderError{Op: "Get", Err: err})
				return
			}
			tuple, err := s.tupleFromEnvelope(ctx, data)
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

// DeleteThread removes every checkpoint, index entry and pending write of
// the thread across all namespaces.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return &checkpoint.InvalidConfigError{Field: checkpoint.KeyThreadID, Reason: "missing"}
	}

	nsKey := s.namespacesKey(threadID)
	namespaces, err := s.client.SMembers(ctx, nsKey).Result()
	if err != nil {
		return &checkpoint.ProviderError{Op: "SMembers", Err: err}
	}

	pipe := s.client.Pipeline()
	for _, ns := range namespaces {
		indexKey := s.threadIndexKey(threadID, ns)
		ids, err := s.client.ZRangeByLex(ctx, indexKey, &redis.ZRangeBy{Min: "-", Max: "+"}).Result()
		if err != nil {
			return &checkpoint.ProviderError{Op: "ZRangeByLex", Err: err}
		}
		for _, id := range ids {
			pipe.Del(ctx, s.checkpointKey(threadID, ns, id))
			pipe.Del(ctx, s.writesKey(threadID, id, ns))
		}
		pipe.Del(ctx, indexKey)
	}
	pipe.Del(ctx, nsKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return &checkpoint.ProviderError{Op: "DeleteThread", Err: err}
	}
	return nil
}
