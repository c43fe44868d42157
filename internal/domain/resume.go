package domain

// ResumeConfig captures how a session should be resumed after a reload.
type ResumeConfig struct {
	Mode          string            `json:"mode"`
	Model         string            `json:"model"`
	EnvVars       map[string]string `json:"env_vars,omitempty"`
	SetupCommands []string          `json:"setup_commands,omitempty"`
}

// ResumePhase enumerates the persistence lifecycle of a resume config.
type ResumePhase int

const (
	// ResumeNone means no resume config exists for the session.
	ResumeNone ResumePhase = iota
	// ResumePending means a config is staged but not yet written.
	ResumePending
	// ResumePersisting means a write to the cache is in flight.
	ResumePersisting
	// ResumePersisted means the config is durably stored.
	ResumePersisted
	// ResumeFailed means the last write failed; Err carries the cause.
	ResumeFailed
)

// String returns the phase name for logging.
func (p ResumePhase) String() string {
	switch p {
	case ResumeNone:
		return "none"
	case ResumePending:
		return "pending"
	case ResumePersisting:
		return "persisting"
	case ResumePersisted:
		return "persisted"
	case ResumeFailed:
		return "failed"
	}
	return "unknown"
}

// ResumeState is a tagged union over the resume persistence lifecycle.
// Construct it only through the constructors below so that a config is
// present exactly when the phase requires one.
type ResumeState struct {
	phase ResumePhase
	cfg   *ResumeConfig
	err   error
}

// ResumeStateNone returns the initial, empty state.
func ResumeStateNone() ResumeState {
	return ResumeState{phase: ResumeNone}
}

// ResumeStatePending stages a config for persistence.
func ResumeStatePending(cfg ResumeConfig) ResumeState {
	return ResumeState{phase: ResumePending, cfg: &cfg}
}

// ResumeStatePersisting marks a staged config as being written.
func ResumeStatePersisting(cfg ResumeConfig) ResumeState {
	return ResumeState{phase: ResumePersisting, cfg: &cfg}
}

// ResumeStatePersisted marks a config as durably stored.
func ResumeStatePersisted(cfg ResumeConfig) ResumeState {
	return ResumeState{phase: ResumePersisted, cfg: &cfg}
}

// ResumeStateFailed records a failed write along with its cause.
func ResumeStateFailed(cfg ResumeConfig, err error) ResumeState {
	return ResumeState{phase: ResumeFailed, cfg: &cfg, err: err}
}

// Phase returns the current lifecycle phase.
func (s ResumeState) Phase() ResumePhase { return s.phase }

// Config returns the staged config and whether one exists.
func (s ResumeState) Config() (ResumeConfig, bool) {
	if s.cfg == nil {
		return ResumeConfig{}, false
	}
	return *s.cfg, true
}

// Err returns the failure cause when Phase is ResumeFailed.
func (s ResumeState) Err() error { return s.err }
