// Package serde is the serialization boundary between the checkpoint savers
// and the arbitrary payloads the graph engine hands them. Values cross the
// boundary as a (type tag, bytes) pair so the savers stay agnostic of payload
// shape and serializers remain pluggable.
package serde

import (
	"github.com/smallnest/graphcheckpoint/checkpoint"
)

// Type tags shared by all serializers.
const (
	// TagNull marks a null payload. Null values bypass serialization
	// entirely in both directions.
	TagNull = "null"
	// TagJSON marks a payload produced by the JSON serializer.
	TagJSON = "json"
	// TagMsgpack marks a payload produced by the msgpack serializer.
	TagMsgpack = "msgpack"
)

// Serializer converts values to and from a tagged byte representation.
type Serializer interface {
	// Dump encodes a value, returning the type tag to store with it.
	Dump(v any) (typeTag string, data []byte, err error)
	// Load decodes bytes produced by Dump into a generic value. Unknown
	// type tags fail with *checkpoint.SerializationError.
	Load(typeTag string, data []byte) (any, error)
	// LoadInto decodes bytes produced by Dump into the given destination,
	// which must be a non-nil pointer.
	LoadInto(typeTag string, data []byte, dst any) error
}

// Dump encodes v through s with null passthrough: a nil value is stored as
// the literal null tag and never reaches the serializer.
func Dump(s Serializer, v any) (string, []byte, error) {
	if v == nil {
		return TagNull, nil, nil
	}
	return s.Dump(v)
}

// Load decodes through s with null passthrough: the null tag yields nil
// without invoking the serializer.
func Load(s Serializer, typeTag string, data []byte) (any, error) {
	if typeTag == TagNull {
		return nil, nil
	}
	return s.Load(typeTag, data)
}

// unsupportedTag is the shared failure for tags a serializer does not handle.
func unsupportedTag(tag string) error {
	return &checkpoint.SerializationError{TypeTag: tag}
}
