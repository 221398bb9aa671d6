package postgres

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallnest/graphcheckpoint/checkpoint"
	"github.com/smallnest/graphcheckpoint/serde"
)

// DBPool is the subset of pgxpool.Pool the saver needs. pgxmock satisfies
// it, which keeps the saver testable without a database.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

var _ checkpoint.Saver = (*Saver)(nil)

// Saver implements checkpoint.Saver on top of PostgreSQL.
type Saver struct {
	pool             DBPool
	checkpointsTable string
	writesTable      string
	ttl              time.Duration
	serializer       serde.Serializer
	now              func() time.Time
}

// Options configures the Postgres connection and saver behaviour.
type Options struct {
	ConnString string

	// CheckpointsTable defaults to "checkpoints".
	CheckpointsTable string
	// WritesTable defaults to "checkpoint_writes".
	WritesTable string

	// TTL hides rows this long after their last write. Zero keeps rows
	// visible forever.
	TTL time.Duration

	// Serializer encodes checkpoint payloads, default serde.JSON.
	Serializer serde.Serializer
}

// NewSaver connects a new pool and wraps it in a saver.
func NewSaver(ctx context.Context, opts Options) (*Saver, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return NewSaverWithPool(pool, opts), nil
}

// NewSaverWithPool wraps an existing pool. Useful for testing with mocks.
func NewSaverWithPool(pool DBPool, opts Options) *Saver {
	checkpointsTable := opts.CheckpointsTable
	if checkpointsTable == "" {
		checkpointsTable = "checkpoints"
	}
	writesTable := opts.WritesTable
	if writesTable == "" {
		writesTable = "checkpoint_writes"
	}
	serializer := opts.Serializer
	if serializer == nil {
		serializer = serde.JSON
	}

	return &Saver{
		pool:             pool,
		checkpointsTable: checkpointsTable,
		writesTable:      writesTable,
		ttl:              opts.TTL,
		serializer:       serializer,
		now:              time.Now,
	}
}

// InitSchema creates the tables if they don't exist.
func (s *Saver) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			type TEXT NOT NULL,
			checkpoint BYTEA NOT NULL,
			metadata_type TEXT,
			metadata BYTEA,
			expires_at TIMESTAMPTZ,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
		);
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			channel TEXT NOT NULL,
			type TEXT NOT NULL,
			value BYTEA,
			created_at BIGINT NOT NULL,
			expires_at TIMESTAMPTZ,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)
		);
	`, s.checkpointsTable, s.writesTable)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Saver) Close() {
	s.pool.Close()
}

func (s *Saver) expiresAt() any {
	if s.ttl > 0 {
		return s.now().Add(s.ttl)
	}
	return nil
}

// Put upserts one checkpoint together with its metadata. The checkpoint_id
// already present in config becomes the new checkpoint's parent.
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

	query := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint, metadata_type, metadata, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
			parent_checkpoint_id = EXCLUDED.parent_checkpoint_id,
			type = EXCLUDED.type,
			checkpoint = EXCLUDED.checkpoint,
			metadata_type = EXCLUDED.metadata_type,
			metadata = EXCLUDED.metadata,
			expires_at = EXCLUDED.expires_at
	`, s.checkpointsTable)

	_, err = s.pool.Exec(ctx, query,
		threadID, ns, cp.ID, parentID, cpTag, cpData, mdTag, mdData, s.expiresAt())
	if err != nil {
		return checkpoint.Config{}, &checkpoint.ProviderError{Op: "Put", Err: err}
	}
	return checkpoint.ChildConfig(threadID, ns, cp.ID), nil
}

// PutWrites upserts the pending writes of one task against the checkpoint
// named in config. Each write's position in the slice becomes its replay
// index; re-submitting a task's writes overwrites values in place while the
// original arrival time is kept for ordering.
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

	query := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, type, value, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id, task_id, idx) DO UPDATE SET
			channel = EXCLUDED.channel,
			type = EXCLUDED.type,
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at
	`, s.writesTable)

	createdAt := s.now().UnixNano()
	expiresAt := s.expiresAt()
	for idx, w := range writes {
		tag, data, err := serde.Dump(s.serializer, w.Value)
		if err != nil {
			return err
		}
		_, err = s.pool.Exec(ctx, query,
			threadID, ns, checkpointID, taskID, idx, w.Channel, tag, data, createdAt, expiresAt)
		if err != nil {
			return &checkpoint.ProviderError{Op: "PutWrites", Err: err}
		}
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

	var query string
	var args []any
	if checkpointID != "" {
		query = fmt.Sprintf(`
			SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint, metadata_type, metadata
			FROM %s
			WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3
				AND (expires_at IS NULL OR expires_at > $4)
		`, s.checkpointsTable)
		args = []any{threadID, ns, checkpointID, s.now()}
	} else {
		query = fmt.Sprintf(`
			SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint, metadata_type, metadata
			FROM %s
			WHERE thread_id = $1 AND checkpoint_ns = $2
				AND (expires_at IS NULL OR expires_at > $3)
			ORDER BY checkpoint_id DESC
			LIMIT 1
		`, s.checkpointsTable)
		args = []any{threadID, ns, s.now()}
	}

	row, err := scanCheckpointRow(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, &checkpoint.ProviderError{Op: "GetTuple", Err: err}
	}
	return s.tupleFromRow(ctx, row)
}

// checkpointRow is one scanned row of the checkpoints table.
type checkpointRow struct {
	threadID     string
	checkpointNS string
	checkpointID string
	parentID     *string
	cpType       string
	cpData       []byte
	mdType       *string
	mdData       []byte
}

func scanCheckpointRow(row pgx.Row) (checkpointRow, error) {
	var r checkpointRow
	err := row.Scan(
		&r.threadID, &r.checkpointNS, &r.checkpointID, &r.parentID,
		&r.cpType, &r.cpData, &r.mdType, &r.mdData,
	)
	return r, err
}

func (s *Saver) tupleFromRow(ctx context.Context, row checkpointRow) (*checkpoint.CheckpointTuple, error) {
	var cp checkpoint.Checkpoint
	if err := s.serializer.LoadInto(row.cpType, row.cpData, &cp); err != nil {
		return nil, err
	}
	var md *checkpoint.CheckpointMetadata
	if row.mdType != nil && *row.mdType != "" && *row.mdType != serde.TagNull {
		md = &checkpoint.CheckpointMetadata{}
		if err := s.serializer.LoadInto(*row.mdType, row.mdData, md); err != nil {
			return nil, err
		}
	}

	writes, err := s.pendingWrites(ctx, row.threadID, row.checkpointID, row.checkpointNS)
	if err != nil {
		return nil, err
	}

	var parentID string
	if row.parentID != nil {
		parentID = *row.parentID
	}
	if parentID == "" && md != nil {
		parentID = md.Parents[row.checkpointNS]
	}
	var parentConfig *checkpoint.Config
	if parentID != "" {
		pc := checkpoint.ChildConfig(row.threadID, row.checkpointNS, parentID)
		parentConfig = &pc
	}

	return &checkpoint.CheckpointTuple{
		Config:        checkpoint.ChildConfig(row.threadID, row.checkpointNS, row.checkpointID),
		Checkpoint:    &cp,
		Metadata:      md,
		ParentConfig:  parentConfig,
		PendingWrites: writes,
	}, nil
}

type writeRow struct {
	taskID    string
	idx       int
	channel   string
	valueType string
	value     []byte
	createdAt int64
}

// pendingWrites loads and orders the checkpoint's staged writes. Task groups
// are ordered by their earliest write's creation time and writes by idx
// ascending within each group.
func (s *Saver) pendingWrites(ctx context.Context, threadID, checkpointID, ns string) ([]checkpoint.PendingWrite, error) {
	query := fmt.Sprintf(`
		SELECT task_id, idx, channel, type, value, created_at
		FROM %s
		WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3
			AND (expires_at IS NULL OR expires_at > $4)
		ORDER BY task_id, idx
	`, s.writesTable)

	rows, err := s.pool.Query(ctx, query, threadID, ns, checkpointID, s.now())
	if err != nil {
		return nil, &checkpoint.ProviderError{Op: "Query", Err: err}
	}
	defer rows.Close()

	var items []writeRow
	for rows.Next() {
		var r writeRow
		if err := rows.Scan(&r.taskID, &r.idx, &r.channel, &r.valueType, &r.value, &r.createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan write row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &checkpoint.ProviderError{Op: "Query", Err: err}
	}
	if len(items) == 0 {
		return nil, nil
	}

	byArrival := make([]writeRow, len(items))
	copy(byArrival, items)
	sort.SliceStable(byArrival, func(i, j int) bool {
		return byArrival[i].createdAt < byArrival[j].createdAt
	})
	taskRank := make(map[string]int)
	for _, r := range byArrival {
		if _, ok := taskRank[r.taskID]; !ok {
			taskRank[r.taskID] = len(taskRank)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if taskRank[items[i].taskID] != taskRank[items[j].taskID] {
			return taskRank[items[i].taskID] < taskRank[items[j].taskID]
		}
		return items[i].idx < items[j].idx
	})

	writes := make([]checkpoint.PendingWrite, 0, len(items))
	for _, r := range items {
		value, err := serde.Load(s.serializer, r.valueType, r.value)
		if err != nil {
			return nil, err
		}
		writes = append(writes, checkpoint.PendingWrite{
			TaskID:  r.taskID,
			Channel: r.channel,
			Value:   value,
		})
	}
	return writes, nil
}

// List streams the thread's checkpoint history in descending id order. The
// before bound is pushed into the query; the metadata filter and limit are
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

		var query string
		var args []any
		if before != "" {
			query = fmt.Sprintf(`
				SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint, metadata_type, metadata
				FROM %s
				WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id < $3
					AND (expires_at IS NULL OR expires_at > $4)
				ORDER BY checkpoint_id DESC
			`, s.checkpointsTable)
			args = []any{threadID, ns, before, s.now()}
		} else {
			query = fmt.Sprintf(`
				SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint, metadata_type, metadata
				FROM %s
				WHERE thread_id = $1 AND checkpoint_ns = $2
					AND (expires_at IS NULL OR expires_at > $3)
				ORDER BY checkpoint_id DESC
			`, s.checkpointsTable)
			args = []any{threadID, ns, s.now()}
		}

		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			yield(nil, &checkpoint.ProviderError{Op: "Query", Err: err})
			return
		}
		defer rows.Close()

		// Rows are collected before decoding: tupleFromRow issues its own
		// queries for pending writes, and the pool forbids nested use of
		// one connection.
		var collected []checkpointRow
		for rows.Next() {
			r, err := scanCheckpointRow(rows)
			if err != nil {
				yield(nil, fmt.Errorf("failed to scan checkpoint row: %w", err))
				return
			}
			collected = append(collected, r)
		}
		if err := rows.Err(); err != nil {
			yield(nil, &checkpoint.ProviderError{Op: "Query", Err: err})
			return
		}

		yielded := 0
		for _, r := range collected {
			tuple, err := s.tupleFromRow(ctx, r)
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

// DeleteThread removes every checkpoint and pending write of the thread
// across all namespaces.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return &checkpoint.InvalidConfigError{Field: checkpoint.KeyThreadID, Reason: "missing"}
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = $1", s.writesTable)
	if _, err := s.pool.Exec(ctx, query, threadID); err != nil {
		return &checkpoint.ProviderError{Op: "DeleteThread", Err: err}
	}
	query = fmt.Sprintf("DELETE FROM %s WHERE thread_id = $1", s.checkpointsTable)
	if _, err := s.pool.Exec(ctx, query, threadID); err != nil {
		return &checkpoint.ProviderError{Op: "DeleteThread", Err: err}
	}
	return nil
}
