package stream

// ExecTracker records what the current connection attempt has observed of
// the remote execution. A fresh tracker is created for every connection;
// once a terminal event has been seen the tracker is frozen until the next
// connection replaces it.
type ExecTracker struct {
	started   bool
	terminal  bool
	lastEvent int64
}

// NewExecTracker returns an empty tracker for a new connection attempt.
func NewExecTracker() *ExecTracker {
	return &ExecTracker{}
}

// Observe folds a normalized event into the tracker. Frozen trackers ignore
// everything.
func (t *ExecTracker) Observe(n Normalized, nowMillis int64) {
	if t.terminal {
		return
	}
	t.lastEvent = nowMillis
	switch n.Kind {
	case KindStarted:
		t.started = true
	case KindComplete, KindInterrupted:
		t.terminal = true
	}
}

// Running reports whether a started execution has not yet terminated. Only
// a running execution arms the stale watchdog.
func (t *ExecTracker) Running() bool {
	return t.started && !t.terminal
}

// Started reports whether a started event has been observed.
func (t *ExecTracker) Started() bool { return t.started }

// Terminal reports whether a complete/interrupted event has been observed.
func (t *ExecTracker) Terminal() bool { return t.terminal }

// LastEvent returns the wall-clock milliseconds of the last observed event.
func (t *ExecTracker) LastEvent() int64 { return t.lastEvent }
