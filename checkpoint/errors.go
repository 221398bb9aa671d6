package checkpoint

import "fmt"

// InvalidConfigError reports a missing or mistyped field in the configurable
// map. It is raised synchronously, before any store call.
type InvalidConfigError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}

// SerializationError reports a payload that could not be encoded, or a stored
// payload whose type tag no serializer understands.
type SerializationError struct {
	TypeTag string
	Err     error
}

func (e *SerializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("serialization failed (type %q): %v", e.TypeTag, e.Err)
	}
	return fmt.Sprintf("unsupported serialization type %q", e.TypeTag)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// ItemSizeExceededError reports an encoded record larger than the store's
// per-item limit. The write is rejected before it reaches the store.
type ItemSizeExceededError struct {
	Size  int
	Limit int
}

func (e *ItemSizeExceededError) Error() string {
	return fmt.Sprintf("encoded item is %d bytes, store limit is %d", e.Size, e.Limit)
}

// ProviderError wraps a failure surfaced by the underlying store: network
// errors, throttling, or a batch that still had unprocessed items after the
// retry budget.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("store operation %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
