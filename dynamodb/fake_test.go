package dynamodb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo is an in-memory stand-in for the DynamoDB API. It understands
// exactly the requests the saver issues: point gets and puts by full key,
// partition queries with the saver's fixed expressions, and batch writes.
// pageSize caps query pages so continuation handling gets exercised, and
// failBatches makes the first N batch calls return everything unprocessed.
type fakeDynamo struct {
	mu          sync.Mutex
	tables      map[string]*fakeTable
	pageSize    int
	failBatches int
	batchCalls  int
	queryCalls  int
}

type fakeTable struct {
	pkAttr string
	skAttr string
	items  map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		tables: map[string]*fakeTable{
			DefaultCheckpointsTable: {pkAttr: attrThreadID, skAttr: attrCheckpointID, items: map[string]map[string]types.AttributeValue{}},
			DefaultWritesTable:      {pkAttr: attrWritePK, skAttr: attrWriteSK, items: map[string]map[string]types.AttributeValue{}},
		},
	}
}

func sval(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (t *fakeTable) keyOf(item map[string]types.AttributeValue) string {
	return sval(item[t.pkAttr]) + "\x00" + sval(item[t.skAttr])
}

func (f *fakeDynamo) table(name *string) (*fakeTable, error) {
	t, ok := f.tables[*name]
	if !ok {
		return nil, fmt.Errorf("no such table %q", *name)
	}
	return t, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: t.items[t.keyOf(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	t.items[t.keyOf(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	if f.batchCalls <= f.failBatches {
		return &dynamodb.BatchWriteItemOutput{UnprocessedItems: in.RequestItems}, nil
	}
	for name, requests := range in.RequestItems {
		if len(requests) > batchWriteLimit {
			return nil, fmt.Errorf("batch of %d exceeds limit", len(requests))
		}
		t, err := f.table(&name)
		if err != nil {
			return nil, err
		}
		for _, req := range requests {
			switch {
			case req.PutRequest != nil:
				t.items[t.keyOf(req.PutRequest.Item)] = req.PutRequest.Item
			case req.DeleteRequest != nil:
				delete(t.items, t.keyOf(req.DeleteRequest.Key))
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls++
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}

	var pkVal, before string
	switch *in.KeyConditionExpression {
	case exprThreadEquals:
		pkVal = sval(in.ExpressionAttributeValues[":thread_id"])
	case exprThreadAndBefore:
		pkVal = sval(in.ExpressionAttributeValues[":thread_id"])
		before = sval(in.ExpressionAttributeValues[":before"])
	case exprWritePartition:
		pkVal = sval(in.ExpressionAttributeValues[":pk"])
	default:
		return nil, fmt.Errorf("unsupported key condition %q", *in.KeyConditionExpression)
	}

	var matched []map[string]types.AttributeValue
	for _, item := range t.items {
		if sval(item[t.pkAttr]) != pkVal {
			continue
		}
		if before != "" && !(sval(item[t.skAttr]) < before) {
			continue
		}
		matched = append(matched, item)
	}
	sort.Slice(matched, func(i, j int) bool {
		return sval(matched[i][t.skAttr]) < sval(matched[j][t.skAttr])
	})
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}

	// Resume after the continuation key, if any.
	if in.ExclusiveStartKey != nil {
		startSK := sval(in.ExclusiveStartKey[t.skAttr])
		for i, item := range matched {
			if sval(item[t.skAttr]) == startSK {
				matched = matched[i+1:]
				break
			}
		}
	}

	// Page before filtering, as DynamoDB does: the filter never reduces
	// the amount of data read, only what is returned.
	page := matched
	var lastKey map[string]types.AttributeValue
	if f.pageSize > 0 && len(matched) > f.pageSize {
		page = matched[:f.pageSize]
		last := page[len(page)-1]
		lastKey = map[string]types.AttributeValue{
			t.pkAttr: last[t.pkAttr],
			t.skAttr: last[t.skAttr],
		}
	}

	out := &dynamodb.QueryOutput{LastEvaluatedKey: lastKey}
	for _, item := range page {
		if in.FilterExpression != nil {
			if !strings.Contains(*in.FilterExpression, "checkpoint_ns") {
				return nil, fmt.Errorf("unsupported filter %q", *in.FilterExpression)
			}
			if sval(item["checkpoint_ns"]) != sval(in.ExpressionAttributeValues[":checkpoint_ns"]) {
				continue
			}
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}
