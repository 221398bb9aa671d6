package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/graphcheckpoint/checkpoint"
)

func newTestSaver(t *testing.T, opts Options) (*Saver, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	opts.Addr = mr.Addr()
	saver := NewSaver(opts)
	t.Cleanup(func() { _ = saver.Close() })
	return saver, mr
}

func collect(t *testing.T, seq func(func(*checkpoint.CheckpointTuple, error) bool)) []*checkpoint.CheckpointTuple {
	t.Helper()
	var tuples []*checkpoint.CheckpointTuple
	for tuple, err := range seq {
		require.NoError(t, err)
		tuples = append(tuples, tuple)
	}
	return tuples
}

func TestPutGetTupleRoundTrip(t *testing.T) {
	saver, _ := newTestSaver(t, Options{})
	ctx := context.Background()

	cp := checkpoint.NewCheckpoint(
		map[string]any{"messages": []any{"héllo", "wörld"}, "count": float64(2)},
		map[string]int64{"messages": 2},
		nil,
	)
	md := &checkpoint.CheckpointMetadata{Source: "loop", Step: 1}

	cfg, err := saver.Put(ctx, checkpoint.NewConfig("session-1", ""), cp, md)
	require.NoError(t, err)
	gotID, err := cfg.CheckpointID()
	require.NoError(t, err)
	assert.Equal(t, cp.ID, gotID)

	tuple, err := saver.GetTuple(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, cp.ID, tuple.Checkpoint.ID)
	assert.Equal(t, []any{"héllo", "wörld"}, tuple.Checkpoint.ChannelValues["messages"])
	assert.Equal(t, "loop", tuple.Metadata.Source)
	assert.Nil(t, tuple.ParentConfig)
}

func TestGetTupleMissing(t *testing.T) {
	saver, _ := newTestSaver(t, Options{})

	tuple, err := saver.GetTuple(context.Background(), checkpoint.NewConfig("never", ""))
	require.NoError(t, err)
	assert.Nil(t, tuple)
}

func TestGetTupleLatestAndParent(t *testing.T) {
	saver, _ := newTestSaver(t, Options{})
	ctx := context.Background()
	base := checkpoint.NewConfig("session-1", "")

	cp1 := checkpoint.NewCheckpoint(map[string]any{"n": float64(1)}, nil, nil)
	cfg1, err := saver.Put(ctx, base, cp1, nil)
	require.NoError(t, err)

	cp2 := checkpoint.NewCheckpoint(map[string]any{"n": float64(2)}, nil, nil)
	_, err = saver.Put(ctx, cfg1, cp2, nil)
	require.NoError(t, err)

	tuple, err := saver.GetTuple(ctx, base)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, cp2.ID, tuple.Checkpoint.ID)
	require.NotNil(t, tuple.ParentConfig)
	parentID, err := tuple.ParentConfig.CheckpointID()
	require.NoError(t, err)
	assert.Equal(t, cp1.ID, parentID)
}

func TestPendingWritesOrdering(t *testing.T) {
	saver, _ := newTestSaver(t, Options{})
	ctx := context.Background()

	base := time.Now()
	saver.now = func() time.Time { return base }

	cp := checkpoint.NewCheckpoint(map[string]any{"x": "y"}, nil, nil)
	cfg, err := saver.Put(ctx, checkpoint.NewConfig("session-1", ""), cp, nil)
	require.NoError(t, err)

	// task2 arrives first, so its writes come first despite the task id.
	saver.now = func() time.Time { return base.Add(time.Millisecond) }
	require.NoError(t, saver.PutWrites(ctx, cfg, []checkpoint.ChannelWrite{
		{Channel: "b", Value: "t2-0"},
		{Channel: "a", Value: "t2-1"},
	}, "task2"))

	saver.now = func() time.Time { return base.Add(2 * time.Millisecond) }
	require.NoError(t, saver.PutWrites(ctx, cfg, []checkpoint.ChannelWrite{
		{Channel: "c", Value: "t1-0"},
	}, "task1"))

	tuple, err := saver.GetTuple(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 3)
	assert.Equal(t, "t2-0", tuple.PendingWrites[0].Value)
	assert.Equal(t, "t2-1", tuple.PendingWrites[1].Value)
	assert.Equal(t, "t1-0", tuple.PendingWrites[2].Value)
}

func TestPutWritesIdempotent(t *testing.T) {
	saver, _ := newTestSaver(t, Options{})
	ctx := context.Background()

	cp := checkpoint.NewCheckpoint(map[string]any{"x": "y"}, nil, nil)
	cfg, err := saver.Put(ctx, checkpoint.NewConfig("session-1", ""), cp, nil)
	require.NoError(t, err)

	writes := []checkpoint.ChannelWrite{{Channel: "ch", Value: "first"}}
	require.NoError(t, saver.PutWrites(ctx, cfg, writes, "task1"))

	writes[0].Value = "second"
	require.NoError(t, saver.PutWrites(ctx, cfg, writes, "task1"))

	tuple, err := saver.GetTuple(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 1)
	assert.Equal(t, "second", tuple.PendingWrites[0].Value)
}

func TestPutWritesRequiresCheckpointID(t *testing.T) {
	saver, _ := newTestSaver(t, Options{})

	err := saver.PutWrites(context.Background(), checkpoint.NewConfig("session-1", ""),
		[]checkpoint.ChannelWrite{{Channel: "ch", Value: "v"}}, "task1")
	var invalidErr *checkpoint.InvalidConfigError
	require.ErrorAs(t, err, &invalidErr)
	assert.Equal(t, checkpoint.KeyCheckpointID, invalidErr.Field)
}

func TestListBeforeAndLimit(t *testing.T) {
	saver, _ := newTestSaver(t, Options{})
	ctx := context.Background()
	base := checkpoint.NewConfig("session-1", "")

	var ids []string
	cfg := base
	for i := 0; i < 5; i++ {
		cp := checkpoint.NewCheckpoint(map[string]any{"n": float64(i)}, nil, nil)
		var err error
		cfg, err = saver.Put(ctx, cfg, cp, nil)
		require.NoError(t, err)
		ids = append(ids, cp.ID)
	}

	all := collect(t, saver.List(ctx, base, nil))
	require.Len(t, all, 5)
	for i, tuple := range all {
		assert.Equal(t, ids[len(ids)-1-i], tuple.Checkpoint.ID)
	}

	bounded := collect(t, saver.List(ctx, base, &checkpoint.ListOptions{Before: ids[3], Limit: 2}))
	require.Len(t, bounded, 2)
	assert.Equal(t, ids[2], bounded[0].Checkpoint.ID)
	assert.Equal(t, ids[1], bounded[1].Checkpoint.ID)
}

func TestListMetadataFilter(t *testing.T) {
	saver, _ := newTestSaver(t, Options{})
	ctx := context.Background()
	base := checkpoint.NewConfig("session-1", "")

	cfg, err := saver.Put(ctx, base,
		checkpoint.NewCheckpoint(map[string]any{"n": float64(0)}, nil, nil),
		&checkpoint.CheckpointMetadata{Source: "input", Step: -1})
	require.NoError(t, err)
	_, err = saver.Put(ctx, cfg,
		checkpoint.NewCheckpoint(map[string]any{"n": float64(1)}, nil, nil),
		&checkpoint.CheckpointMetadata{Source: "loop", Step: 0})
	require.NoError(t, err)

	loops := collect(t, saver.List(ctx, base, &checkpoint.ListOptions{
		Filter: map[string]any{"source": "loop"},
	}))
	require.Len(t, loops, 1)
	assert.Equal(t, "loop", loops[0].Metadata.Source)
}

func TestNamespaceIsolation(t *testing.T) {
	saver, _ := newTestSaver(t, Options{})
	ctx := context.Background()

	cpRoot := checkpoint.NewCheckpoint(map[string]any{"scope": "root"}, nil, nil)
	_, err := saver.Put(ctx, checkpoint.NewConfig("session-1", ""), cpRoot, nil)
	require.NoError(t, err)
	cpChild := checkpoint.NewCheckpoint(map[string]any{"scope": "child"}, nil, nil)
	_, err = saver.Put(ctx, checkpoint.NewConfig("session-1", "inner"), cpChild, nil)
	require.NoError(t, err)

	tuple, err := saver.GetTuple(ctx, checkpoint.NewConfig("session-1", ""))
	require.NoError(t, err)
	assert.Equal(t, cpRoot.ID, tuple.Checkpoint.ID)

	inner := collect(t, saver.List(ctx, checkpoint.NewConfig("session-1", "inner"), nil))
	require.Len(t, inner, 1)
	assert.Equal(t, cpChild.ID, inner[0].Checkpoint.ID)
}

func TestTTLExpiry(t *testing.T) {
	saver, mr := newTestSaver(t, Options{TTL: time.Minute})
	ctx := context.Background()

	cp := checkpoint.NewCheckpoint(map[string]any{"x": "y"}, nil, nil)
	cfg, err := saver.Put(ctx, checkpoint.NewConfig("session-1", ""), cp, nil)
	require.NoError(t, err)
	require.NoError(t, saver.PutWrites(ctx, cfg,
		[]checkpoint.ChannelWrite{{Channel: "ch", Value: "v"}}, "task1"))

	tuple, err := saver.GetTuple(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, tuple)

	mr.FastForward(time.Minute + time.Second)

	tuple, err = saver.GetTuple(ctx, cfg)
	require.NoError(t, err)
	assert.Nil(t, tuple)
}

func TestDeleteThread(t *testing.T) {
	saver, _ := newTestSaver(t, Options{})
	ctx := context.Background()

	cfg, err := saver.Put(ctx, checkpoint.NewConfig("session-1", ""),
		checkpoint.NewCheckpoint(map[string]any{"x": "y"}, nil, nil), nil)
	require.NoError(t, err)
	require.NoError(t, saver.PutWrites(ctx, cfg,
		[]checkpoint.ChannelWrite{{Channel: "ch", Value: "v"}}, "task1"))
	_, err = saver.Put(ctx, checkpoint.NewConfig("session-1", "inner"),
		checkpoint.NewCheckpoint(map[string]any{"x": "z"}, nil, nil), nil)
	require.NoError(t, err)

	_, err = saver.Put(ctx, checkpoint.NewConfig("session-2", ""),
		checkpoint.NewCheckpoint(map[string]any{"keep": "me"}, nil, nil), nil)
	require.NoError(t, err)

	require.NoError(t, saver.DeleteThread(ctx, "session-1"))

	tuple, err := saver.GetTuple(ctx, checkpoint.NewConfig("session-1", ""))
	require.NoError(t, err)
	assert.Nil(t, tuple)
	tuple, err = saver.GetTuple(ctx, checkpoint.NewConfig("session-1", "inner"))
	require.NoError(t, err)
	assert.Nil(t, tuple)

	tuple, err = saver.GetTuple(ctx, checkpoint.NewConfig("session-2", ""))
	require.NoError(t, err)
	require.NotNil(t, tuple)
}
