package serde

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/smallnest/graphcheckpoint/checkpoint"
)

// MsgpackSerializer encodes payloads as MessagePack under the "msgpack" type
// tag. It produces smaller items than JSON for large channel states, which
// matters against stores with hard per-item size limits.
type MsgpackSerializer struct{}

var _ Serializer = MsgpackSerializer{}

// Msgpack is a ready-to-use MsgpackSerializer.
var Msgpack = MsgpackSerializer{}

func (MsgpackSerializer) Dump(v any) (string, []byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return "", nil, &checkpoint.SerializationError{TypeTag: TagMsgpack, Err: err}
	}
	return TagMsgpack, data, nil
}

func (MsgpackSerializer) Load(typeTag string, data []byte) (any, error) {
	if typeTag != TagMsgpack {
		return nil, unsupportedTag(typeTag)
	}
	var v any
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, &checkpoint.SerializationError{TypeTag: typeTag, Err: err}
	}
	return v, nil
}

func (MsgpackSerializer) LoadInto(typeTag string, data []byte, dst any) error {
	if typeTag != TagMsgpack {
		return unsupportedTag(typeTag)
	}
	if err := msgpack.Unmarshal(data, dst); err != nil {
		return &checkpoint.SerializationError{TypeTag: typeTag, Err: err}
	}
	return nil
}
