package checkpoint

// Keys used under Config.Configurable.
const (
	KeyThreadID     = "thread_id"
	KeyCheckpointNS = "checkpoint_ns"
	KeyCheckpointID = "checkpoint_id"
)

// Config identifies a thread, an optional sub-namespace within it and,
// optionally, one specific checkpoint. It mirrors the runnable config the
// graph engine threads through every call.
type Config struct {
	Configurable map[string]any `json:"configurable"`
}

// NewConfig builds a config for the given thread and namespace.
func NewConfig(threadID, checkpointNS string) Config {
	return Config{
		Configurable: map[string]any{
			KeyThreadID:     threadID,
			KeyCheckpointNS: checkpointNS,
		},
	}
}

// ChildConfig builds a config pointing at one specific checkpoint. Savers
// return it from Put so the caller can use it as the parent pointer on the
// next step.
func ChildConfig(threadID, checkpointNS, checkpointID string) Config {
	return Config{
		Configurable: map[string]any{
			KeyThreadID:     threadID,
			KeyCheckpointNS: checkpointNS,
			KeyCheckpointID: checkpointID,
		},
	}
}

// ThreadID validates and returns the required thread_id. A missing or
// non-string value yields an InvalidConfigError.
func (c Config) ThreadID() (string, error) {
	v, ok := c.Configurable[KeyThreadID]
	if !ok || v == nil {
		return "", &InvalidConfigError{Field: KeyThreadID, Reason: "missing"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &InvalidConfigError{Field: KeyThreadID, Reason: "must be a string"}
	}
	if s == "" {
		return "", &InvalidConfigError{Field: KeyThreadID, Reason: "missing"}
	}
	return s, nil
}

// CheckpointNS returns the namespace, defaulting to "". A non-string value
// yields an InvalidConfigError.
func (c Config) CheckpointNS() (string, error) {
	v, ok := c.Configurable[KeyCheckpointNS]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &InvalidConfigError{Field: KeyCheckpointNS, Reason: "must be a string"}
	}
	return s, nil
}

// CheckpointID returns the checkpoint id if set, or "" when absent. A present
// but non-string value yields an InvalidConfigError.
func (c Config) CheckpointID() (string, error) {
	v, ok := c.Configurable[KeyCheckpointID]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &InvalidConfigError{Field: KeyCheckpointID, Reason: "must be a string"}
	}
	return s, nil
}

// Identity validates the config and unpacks (thread_id, checkpoint_ns,
// checkpoint_id) in one call. checkpointID is "" when the config does not
// name a specific checkpoint.
func (c Config) Identity() (threadID, checkpointNS, checkpointID string, err error) {
	if threadID, err = c.ThreadID(); err != nil {
		return "", "", "", err
	}
	if checkpointNS, err = c.CheckpointNS(); err != nil {
		return "", "", "", err
	}
	if checkpointID, err = c.CheckpointID(); err != nil {
		return "", "", "", err
	}
	return threadID, checkpointNS, checkpointID, nil
}
