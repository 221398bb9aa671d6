package checkpoint

import "github.com/google/uuid"

// NewCheckpointID returns a new time-sortable checkpoint id (UUIDv7).
//
// UUIDv7 embeds a millisecond timestamp in its high bits, so string forms
// sort lexically by creation time. Strict monotonicity across clock skew is
// not guaranteed by the format; ids minted at the same millisecond on
// different hosts may interleave. Callers that fork threads across machines
// should treat ordering at millisecond granularity as a precondition.
func NewCheckpointID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the runtime cannot read entropy.
		panic(err)
	}
	return id.String()
}
