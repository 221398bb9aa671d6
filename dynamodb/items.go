package dynamodb

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// checkpointItem is the stored form of one checkpoint.
type checkpointItem struct {
	ThreadID     string `dynamodbav:"thread_id"`
	CheckpointID string `dynamodbav:"checkpoint_id"`
	CheckpointNS string `dynamodbav:"checkpoint_ns"`
	ParentID     string `dynamodbav:"parent_id,omitempty"`
	Type         string `dynamodbav:"type"`
	Checkpoint   []byte `dynamodbav:"checkpoint"`
	MetadataType string `dynamodbav:"metadata_type"`
	Metadata     []byte `dynamodbav:"metadata,omitempty"`
	ExpiresAt    int64  `dynamodbav:"expires_at,omitempty"`
}

// writeItem is the stored form of one pending write.
type writeItem struct {
	PartitionKey string `dynamodbav:"thread_id_checkpoint_id_checkpoint_ns"`
	SortKey      string `dynamodbav:"task_id_idx"`
	TaskID       string `dynamodbav:"task_id"`
	Idx          int    `dynamodbav:"idx"`
	Channel      string `dynamodbav:"channel"`
	Type         string `dynamodbav:"type"`
	Value        []byte `dynamodbav:"value,omitempty"`
	CreatedAt    int64  `dynamodbav:"created_at"`
	ExpiresAt    int64  `dynamodbav:"expires_at,omitempty"`
}

// itemSize approximates DynamoDB's item sizing: attribute name bytes plus
// value bytes. Close enough to reject items over the 400KB limit before the
// request leaves the process.
func itemSize(item map[string]types.AttributeValue) int {
	size := 0
	for name, av := range item {
		size += len(name) + avSize(av)
	}
	return size
}

func avSize(av types.AttributeValue) int {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return len(v.Value)
	case *types.AttributeValueMemberB:
		return len(v.Value)
	case *types.AttributeValueMemberN:
		return len(v.Value)
	case *types.AttributeValueMemberBOOL:
		return 1
	case *types.AttributeValueMemberNULL:
		return 1
	case *types.AttributeValueMemberSS:
		size := 3
		for _, s := range v.Value {
			size += len(s)
		}
		return size
	case *types.AttributeValueMemberNS:
		size := 3
		for _, s := range v.Value {
			size += len(s)
		}
		return size
	case *types.AttributeValueMemberBS:
		size := 3
		for _, b := range v.Value {
			size += len(b)
		}
		return size
	case *types.AttributeValueMemberL:
		size := 3
		for _, el := range v.Value {
			size += avSize(el)
		}
		return size
	case *types.AttributeValueMemberM:
		size := 3
		for name, el := range v.Value {
			size += len(name) + avSize(el)
		}
		return size
	default:
		return 0
	}
}
