package dynamodb

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Attribute names of the two tables' keys.
const (
	attrThreadID     = "thread_id"
	attrCheckpointID = "checkpoint_id"
	attrWritePK      = "thread_id_checkpoint_id_checkpoint_ns"
	attrWriteSK      = "task_id_idx"
)

// keySeparator joins the fields of the writes-table keys. It is reserved:
// thread, checkpoint and task ids must not contain it.
const keySeparator = ":::"

// idxKeyWidth zero-pads the idx segment of the sort key so that lexical key
// order matches numeric idx order within a task.
const idxKeyWidth = 10

func writePartitionKey(threadID, checkpointID, checkpointNS string) string {
	return threadID + keySeparator + checkpointID + keySeparator + checkpointNS
}

func parseWritePartitionKey(key string) (threadID, checkpointID, checkpointNS string, err error) {
	parts := strings.SplitN(key, keySeparator, 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed write partition key %q", key)
	}
	return parts[0], parts[1], parts[2], nil
}

func writeSortKey(taskID string, idx int) string {
	return fmt.Sprintf("%s%s%0*d", taskID, keySeparator, idxKeyWidth, idx)
}

func parseWriteSortKey(key string) (taskID string, idx int, err error) {
	i := strings.LastIndex(key, keySeparator)
	if i < 0 {
		return "", 0, fmt.Errorf("malformed write sort key %q", key)
	}
	idx, err = strconv.Atoi(key[i+len(keySeparator):])
	if err != nil {
		return "", 0, fmt.Errorf("malformed write sort key %q: %w", key, err)
	}
	return key[:i], idx, nil
}

// checkpointKey builds the full primary key of a checkpoint item.
func checkpointKey(threadID, checkpointID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrThreadID:     &types.AttributeValueMemberS{Value: threadID},
		attrCheckpointID: &types.AttributeValueMemberS{Value: checkpointID},
	}
}

// writeKey builds the full primary key of a pending-write item.
func writeKey(partitionKey, sortKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrWritePK: &types.AttributeValueMemberS{Value: partitionKey},
		attrWriteSK: &types.AttributeValueMemberS{Value: sortKey},
	}
}
