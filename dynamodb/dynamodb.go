package dynamodb

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/smallnest/graphcheckpoint/checkpoint"
	"github.com/smallnest/graphcheckpoint/log"
	"github.com/smallnest/graphcheckpoint/serde"
)

// Default table names.
const (
	DefaultCheckpointsTable = "checkpoints"
	DefaultWritesTable      = "checkpoint_writes"
)

const (
	// maxItemBytes is DynamoDB's hard per-item size limit.
	maxItemBytes = 400 * 1024
	// batchWriteLimit is DynamoDB's maximum BatchWriteItem request size.
	batchWriteLimit = 25

	defaultMaxBatchRetries = 3
	defaultRetryInterval   = 50 * time.Millisecond
)

// API is the slice of the DynamoDB client the saver depends on. The concrete
// *dynamodb.Client satisfies it; tests inject a fake.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Saver implements checkpoint.Saver on DynamoDB.
type Saver struct {
	client           API
	checkpointsTable string
	writesTable      string
	serializer       serde.Serializer
	ttl              time.Duration
	maxBatchRetries  uint64
	retryInterval    time.Duration
	logger           log.Logger
	now              func() time.Time
}

var _ checkpoint.Saver = (*Saver)(nil)

// Option customizes a Saver.
type Option func(*Saver)

// WithAPI injects a DynamoDB client. Intended for tests and for callers that
// pre-configure their own client.
func WithAPI(api API) Option {
	return func(s *Saver) { s.client = api }
}

// WithCheckpointsTable overrides the checkpoints table name.
func WithCheckpointsTable(name string) Option {
	return func(s *Saver) { s.checkpointsTable = name }
}

// WithWritesTable overrides the pending-writes table name.
func WithWritesTable(name string) Option {
	return func(s *Saver) { s.writesTable = name }
}

// WithSerializer replaces the default JSON serializer.
func WithSerializer(sz serde.Serializer) Option {
	return func(s *Saver) { s.serializer = sz }
}

// WithTTL attaches an absolute expiry of now+d to every written record. The
// expiry is recomputed on overwrite and never refreshed on read. Zero
// disables expiry.
func WithTTL(d time.Duration) Option {
	return func(s *Saver) { s.ttl = d }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l log.Logger) Option {
	return func(s *Saver) { s.logger = l }
}

// WithRetryPolicy tunes the bounded retry loop for batch writes that return
// unprocessed items.
func WithRetryPolicy(maxRetries uint64, initialInterval time.Duration) Option {
	return func(s *Saver) {
		s.maxBatchRetries = maxRetries
		s.retryInterval = initialInterval
	}
}

// New creates a Saver from an AWS config.
func New(cfg aws.Config, opts ...Option) *Saver {
	s := &Saver{
		checkpointsTable: DefaultCheckpointsTable,
		writesTable:      DefaultWritesTable,
		serializer:       serde.JSON,
		maxBatchRetries:  defaultMaxBatchRetries,
		retryInterval:    defaultRetryInterval,
		logger:           log.NopLogger{},
		now:              time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.client == nil {
		s.client = dynamodb.NewFromConfig(cfg)
	}
	return s
}

// NewFromEnv creates a Saver from the default AWS config chain (environment,
// shared config files, instance metadata).
func NewFromEnv(ctx context.Context, opts ...Option) (*Saver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(cfg, opts...), nil
}
