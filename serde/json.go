package serde

import (
	"encoding/json"

	"github.com/smallnest/graphcheckpoint/checkpoint"
)

// JSONSerializer encodes payloads as JSON under the "json" type tag. It is
// the default serializer for every saver.
type JSONSerializer struct{}

var _ Serializer = JSONSerializer{}

// JSON is a ready-to-use JSONSerializer.
var JSON = JSONSerializer{}

func (JSONSerializer) Dump(v any) (string, []byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", nil, &checkpoint.SerializationError{TypeTag: TagJSON, Err: err}
	}
	return TagJSON, data, nil
}

func (JSONSerializer) Load(typeTag string, data []byte) (any, error) {
	if typeTag != TagJSON {
		return nil, unsupportedTag(typeTag)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &checkpoint.SerializationError{TypeTag: typeTag, Err: err}
	}
	return v, nil
}

func (JSONSerializer) LoadInto(typeTag string, data []byte, dst any) error {
	if typeTag != TagJSON {
		return unsupportedTag(typeTag)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return &checkpoint.SerializationError{TypeTag: typeTag, Err: err}
	}
	return nil
}
