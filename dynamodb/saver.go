package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"

	"github.com/smallnest/graphcheckpoint/checkpoint"
	"github.com/smallnest/graphcheckpoint/serde"
)

// Key condition and filter expressions. The key attribute names are fixed,
// so the expressions can be constants.
const (
	exprThreadEquals    = attrThreadID + " = :thread_id"
	exprThreadAndBefore = attrThreadID + " = :thread_id AND " + attrCheckpointID + " < :before"
	exprNamespaceFilter = "checkpoint_ns = :checkpoint_ns"
	exprWritePartition  = attrWritePK + " = :pk"
)

// Put upserts one checkpoint together with its metadata. The checkpoint_id
// already present in config becomes the new checkpoint's parent. Exactly one
// item is written; the writes table is not touched.
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

	item := checkpointItem{
		ThreadID:     threadID,
		CheckpointID: cp.ID,
		CheckpointNS: ns,
		ParentID:     parentID,
		Type:         cpTag,
		Checkpoint:   cpData,
		MetadataType: mdTag,
		Metadata:     mdData,
	}
	if s.ttl > 0 {
		item.ExpiresAt = s.now().Add(s.ttl).Unix()
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return checkpoint.Config{}, fmt.Errorf("marshal checkpoint item: %w", err)
	}
	if size := itemSize(av); size > maxItemBytes {
		return checkpoint.Config{}, &checkpoint.ItemSizeExceededError{Size: size, Limit: maxItemBytes}
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.checkpointsTable),
		Item:      av,
	})
	if err != nil {
		return checkpoint.Config{}, &checkpoint.ProviderError{Op: "PutItem", Err: err}
	}
	s.logger.Debug("put checkpoint %s for thread %s ns %q", cp.ID, threadID, ns)
	return checkpoint.ChildConfig(threadID, ns, cp.ID), nil
}

// PutWrites upserts the pending writes of one task as a single logical
// batch, split to DynamoDB's batch-size limit. Each write's position in the
// slice becomes its replay index, so re-submitting the same task's writes
// overwrites in place.
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

	pk := writePartitionKey(threadID, checkpointID, ns)
	now := s.now()
	var expiresAt int64
	if s.ttl > 0 {
		expiresAt = now.Add(s.ttl).Unix()
	}

	requests := make([]types.WriteRequest, 0, len(writes))
	for idx, w := range writes {
		tag, data, err := serde.Dump(s.serializer, w.Value)
		if err != nil {
			return err
		}
		item := writeItem{
			PartitionKey: pk,
			SortKey:      writeSortKey(taskID, idx),
			TaskID:       taskID,
			Idx:          idx,
			Channel:      w.Channel,
			Type:         tag,
			Value:        data,
			CreatedAt:    now.UnixNano(),
			ExpiresAt:    expiresAt,
		}
		av, err := attributevalue.MarshalMap(item)
		if err != nil {
			return fmt.Errorf("marshal write item: %w", err)
		}
		if size := itemSize(av); size > maxItemBytes {
			return &checkpoint.ItemSizeExceededError{Size: size, Limit: maxItemBytes}
		}
		requests = append(requests, types.WriteRequest{
			PutRequest: &types.PutRequest{Item: av},
		})
	}

	return s.batchWrite(ctx, s.writesTable, requests)
}

var errUnprocessedItems = errors.New("batch write returned unprocessed items")

// batchWrite applies the requests in chunks of batchWriteLimit. A chunk whose
// response reports unprocessed items is retried with exponential backoff;
// when the retry budget runs out the remainder surfaces as a ProviderError.
// Retries are safe because every item write is an upsert by full key.
func (s *Saver) batchWrite(ctx context.Context, table string, requests []types.WriteRequest) error {
	for start := 0; start < len(requests); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(requests))
		pending := map[string][]types.WriteRequest{table: requests[start:end]}

		op := func() error {
			out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: pending,
			})
			if err != nil {
				return backoff.Permanent(err)
			}
			if len(out.UnprocessedItems) > 0 {
				s.logger.Debug("batch write left %d unprocessed items on table %s, retrying",
					len(out.UnprocessedItems[table]), table)
				pending = out.UnprocessedItems
				return errUnprocessedItems
			}
			return nil
		}

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = s.retryInterval
		if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, s.maxBatchRetries), ctx)); err != nil {
			return &checkpoint.ProviderError{Op: "BatchWriteItem", Err: err}
		}
	}
	return nil
}

// GetTuple resolves one checkpoint plus its pending writes and parent link.
// When config carries a checkpoint_id the lookup is a point read; otherwise
// the thread's most recent checkpoint in the namespace is returned. A missing
// checkpoint yields (nil, nil).
func (s *Saver) GetTuple(ctx context.Context, config checkpoint.Config) (*checkpoint.CheckpointTuple, error) {
	threadID, ns, checkpointID, err := config.Identity()
	if err != nil {
		return nil, err
	}

	var av map[string]types.AttributeValue
	if checkpointID != "" {
		out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.checkpointsTable),
			Key:       checkpointKey(threadID, checkpointID),
		})
		if err != nil {
			return nil, &checkpoint.ProviderError{Op: "GetItem", Err: err}
		}
		if len(out.Item) == 0 {
			return nil, nil
		}
		av = out.Item
	} else {
		av, err = s.latestItem(ctx, threadID, ns)
		if err != nil {
			return nil, err
		}
		if av == nil {
			return nil, nil
		}
	}

	return s.tupleFromItem(ctx, av)
}

// latestItem queries the thread partition in descending key order and
// returns the first item in the namespace. The namespace predicate is a
// filter expression, which DynamoDB applies after the page is read, so pages
// are followed until a match or exhaustion.
func (s *Saver) latestItem(ctx context.Context, threadID, ns string) (map[string]types.AttributeValue, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.checkpointsTable),
		KeyConditionExpression: aws.String(exprThreadEquals),
		FilterExpression:       aws.String(exprNamespaceFilter),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":thread_id":     &types.AttributeValueMemberS{Value: threadID},
			":checkpoint_ns": &types.AttributeValueMemberS{Value: ns},
		},
		ScanIndexForward: aws.Bool(false),
	}
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, &checkpoint.ProviderError{Op: "Query", Err: err}
		}
		if len(out.Items) > 0 {
			return out.Items[0], nil
		}
		if out.LastEvaluatedKey == nil {
			return nil, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// tupleFromItem decodes a checkpoint item and assembles the full tuple,
// including the checkpoint's pending writes and parent config.
func (s *Saver) tupleFromItem(ctx context.Context, av map[string]types.AttributeValue) (*checkpoint.CheckpointTuple, error) {
	var item checkpointItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint item: %w", err)
	}

	var cp checkpoint.Checkpoint
	if err := s.serializer.LoadInto(item.Type, item.Checkpoint, &cp); err != nil {
		return nil, err
	}
	var md *checkpoint.CheckpointMetadata
	if item.MetadataType != "" && item.MetadataType != serde.TagNull {
		md = &checkpoint.CheckpointMetadata{}
		if err := s.serializer.LoadInto(item.MetadataType, item.Metadata, md); err != nil {
			return nil, err
		}
	}

	writes, err := s.pendingWrites(ctx, item.ThreadID, item.CheckpointID, item.CheckpointNS)
	if err != nil {
		return nil, err
	}

	parentID := item.ParentID
	if parentID == "" && md != nil {
		parentID = md.Parents[item.CheckpointNS]
	}
	var parentConfig *checkpoint.Config
	if parentID != "" {
		pc := checkpoint.ChildConfig(item.ThreadID, item.CheckpointNS, parentID)
		parentConfig = &pc
	}

	return &checkpoint.CheckpointTuple{
		Config:        checkpoint.ChildConfig(item.ThreadID, item.CheckpointNS, item.CheckpointID),
		Checkpoint:    &cp,
		Metadata:      md,
		ParentConfig:  parentConfig,
		PendingWrites: writes,
	}, nil
}

// pendingWrites fetches and decodes every pending write staged against the
// checkpoint. Task groups are ordered by their earliest write's creation
// time and writes by idx ascending within each group; the ordering is an
// explicit comparator on stored fields rather than the raw key sort.
func (s *Saver) pendingWrites(ctx context.Context, threadID, checkpointID, ns string) ([]checkpoint.PendingWrite, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.writesTable),
		KeyConditionExpression: aws.String(exprWritePartition),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: writePartitionKey(threadID, checkpointID, ns)},
		},
	}

	var items []writeItem
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, &checkpoint.ProviderError{Op: "Query", Err: err}
		}
		for _, raw := range out.Items {
			var it writeItem
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return nil, fmt.Errorf("unmarshal write item: %w", err)
			}
			items = append(items, it)
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	if len(items) == 0 {
		return nil, nil
	}

	byArrival := make([]writeItem, len(items))
	copy(byArrival, items)
	sort.SliceStable(byArrival, func(i, j int) bool {
		return byArrival[i].CreatedAt < byArrival[j].CreatedAt
	})
	taskRank := make(map[string]int)
	for _, it := range byArrival {
		if _, ok := taskRank[it.TaskID]; !ok {
			taskRank[it.TaskID] = len(taskRank)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if taskRank[items[i].TaskID] != taskRank[items[j].TaskID] {
			return taskRank[items[i].TaskID] < taskRank[items[j].TaskID]
		}
		return items[i].Idx < items[j].Idx
	})

	writes := make([]checkpoint.PendingWrite, 0, len(items))
	for _, it := range items {
		value, err := serde.Load(s.serializer, it.Type, it.Value)
		if err != nil {
			return nil, err
		}
		writes = append(writes, checkpoint.PendingWrite{
			TaskID:  it.TaskID,
			Channel: it.Channel,
			Value:   value,
		})
	}
	return writes, nil
}

// List streams the thread's checkpoint history in descending id order. The
// before bound is pushed into the key condition; the metadata filter is
// applied after decoding. Abandoning the sequence stops page fetches.
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

		keyExpr := exprThreadEquals
		values := map[string]types.AttributeValue{
			":thread_id":     &types.AttributeValueMemberS{Value: threadID},
			":checkpoint_ns": &types.AttributeValueMemberS{Value: ns},
		}
		if before != "" {
			keyExpr = exprThreadAndBefore
			values[":before"] = &types.AttributeValueMemberS{Value: before}
		}
		input := &dynamodb.QueryInput{
			TableName:                 aws.String(s.checkpointsTable),
			KeyConditionExpression:    aws.String(keyExpr),
			FilterExpression:          aws.String(exprNamespaceFilter),
			ExpressionAttributeValues: values,
			ScanIndexForward:          aws.Bool(false),
		}

		yielded := 0
		for {
			out, err := s.client.Query(ctx, input)
			if err != nil {
				yield(nil, &checkpoint.ProviderError{Op: "Query", Err: err})
				return
			}
			for _, av := range out.Items {
				tuple, err := s.tupleFromItem(ctx, av)
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
			if out.LastEvaluatedKey == nil {
				return
			}
			input.ExclusiveStartKey = out.LastEvaluatedKey
			s.logger.Debug("list: following continuation for thread %s", threadID)
		}
	}
}

// DeleteThread removes every checkpoint and pending write of the thread
// across all namespaces. Deletions go through the same bounded batch-write
// retry loop as writes.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return &checkpoint.InvalidConfigError{Field: checkpoint.KeyThreadID, Reason: "missing"}
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.checkpointsTable),
		KeyConditionExpression: aws.String(exprThreadEquals),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":thread_id": &types.AttributeValueMemberS{Value: threadID},
		},
	}

	type checkpointRef struct {
		id string
		ns string
	}
	var refs []checkpointRef
	var deletes []types.WriteRequest
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return &checkpoint.ProviderError{Op: "Query", Err: err}
		}
		for _, av := range out.Items {
			var item checkpointItem
			if err := attributevalue.UnmarshalMap(av, &item); err != nil {
				return fmt.Errorf("unmarshal checkpoint item: %w", err)
			}
			refs = append(refs, checkpointRef{id: item.CheckpointID, ns: item.CheckpointNS})
			deletes = append(deletes, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: checkpointKey(threadID, item.CheckpointID)},
			})
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	if len(deletes) == 0 {
		return nil
	}
	if err := s.batchWrite(ctx, s.checkpointsTable, deletes); err != nil {
		return err
	}

	for _, ref := range refs {
		if err := s.deleteWrites(ctx, threadID, ref.id, ref.ns); err != nil {
			return err
		}
	}
	s.logger.Debug("deleted thread %s (%d checkpoints)", threadID, len(refs))
	return nil
}

func (s *Saver) deleteWrites(ctx context.Context, threadID, checkpointID, ns string) error {
	pk := writePartitionKey(threadID, checkpointID, ns)
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.writesTable),
		KeyConditionExpression: aws.String(exprWritePartition),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
	}

	var deletes []types.WriteRequest
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return &checkpoint.ProviderError{Op: "Query", Err: err}
		}
		for _, raw := range out.Items {
			var it writeItem
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return fmt.Errorf("unmarshal write item: %w", err)
			}
			deletes = append(deletes, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: writeKey(it.PartitionKey, it.SortKey)},
			})
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	if len(deletes) == 0 {
		return nil
	}
	return s.batchWrite(ctx, s.writesTable, deletes)
}
