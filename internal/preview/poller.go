// Package preview polls the out-of-band build/preview status endpoint and
// reflects it into the session state.
package preview

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentsync/internal/backend"
	"github.com/ashureev/agentsync/internal/domain"
	"github.com/ashureev/agentsync/internal/state"
)

// StatusClient is the slice of the backend the poller needs.
type StatusClient interface {
	GetPreviewURL(ctx context.Context, sessionID string) (backend.PreviewResult, error)
	TriggerBuild(ctx context.Context, sessionID string) error
}

// ErrAlreadyPolling is returned when Start is called while a loop is live.
// Exactly one poll loop may run per session.
var ErrAlreadyPolling = errors.New("preview poll already running")

const (
	defaultMaxAttempts = 30
	defaultBaseDelay   = 2 * time.Second
	defaultMaxDelay    = 10 * time.Second
	// idleStreak is how many consecutive idle responses trigger a build.
	idleStreak = 2
)

// Poller runs a bounded retry loop against the preview status endpoint.
// It is not an indefinite subscription: it terminates on a running preview,
// an error status, or after MaxAttempts.
type Poller struct {
	store  *state.Store
	client StatusClient
	log    *slog.Logger

	// isDestroyed lets the owning session veto work after teardown.
	isDestroyed func() bool

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	mu      sync.Mutex
	running bool
	stopped bool
}

// Option tunes a Poller.
type Option func(*Poller)

// WithTiming overrides the attempt budget and delay curve.
func WithTiming(maxAttempts int, baseDelay, maxDelay time.Duration) Option {
	return func(p *Poller) {
		p.maxAttempts = maxAttempts
		p.baseDelay = baseDelay
		p.maxDelay = maxDelay
	}
}

// New creates a poller. isDestroyed may be nil when no external lifecycle
// gates the loop.
func New(store *state.Store, client StatusClient, isDestroyed func() bool, opts ...Option) *Poller {
	p := &Poller{
		store:       store,
		client:      client,
		log:         slog.Default(),
		isDestroyed: isDestroyed,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
	}
	if p.isDestroyed == nil {
		p.isDestroyed = func() bool { return false }
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the poll loop for the session. A second Start while one
// loop is live is rejected.
func (p *Poller) Start(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyPolling
	}
	p.running = true
	p.stopped = false
	p.mu.Unlock()

	if p.store.Get().PreviewStatus != domain.PreviewRunning {
		p.store.Set(state.Patch{PreviewStatus: state.Status(domain.PreviewBuilding)})
	}

	go p.run(ctx, sessionID)
	return nil
}

// Stop halts the loop before its next network call or state write. Safe to
// call at any time, including after the loop already terminated.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
}

// Running reports whether a loop is live.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) halted(ctx context.Context) bool {
	if ctx.Err() != nil || p.isDestroyed() {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *Poller) run(ctx context.Context, sessionID string) {
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	idleCount := 0
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		// Halt checks bracket every suspension point so a stopped poller
		// never fires a late network call or state write.
		if p.halted(ctx) {
			return
		}

		res, err := p.client.GetPreviewURL(ctx, sessionID)
		if p.halted(ctx) {
			return
		}
		if err != nil {
			p.log.Warn("Preview status fetch failed", "session_id", sessionID, "attempt", attempt+1, "error", err)
			p.store.Set(state.Patch{PreviewStatus: state.Status(domain.PreviewError)})
			return
		}

		switch res.Status {
		case domain.PreviewRunning:
			if res.PreviewURL != "" {
				p.log.Info("Preview running", "session_id", sessionID, "url", res.PreviewURL)
				p.store.Set(state.Patch{
					PreviewStatus: state.Status(domain.PreviewRunning),
					PreviewURL:    state.Str(res.PreviewURL),
				})
				return
			}
			// Running without a URL is not terminal yet; keep polling.
			idleCount = 0
		case domain.PreviewError:
			p.log.Warn("Preview build failed", "session_id", sessionID)
			p.store.Set(state.Patch{PreviewStatus: state.Status(domain.PreviewError)})
			return
		case domain.PreviewIdle:
			idleCount++
			if idleCount >= idleStreak {
				idleCount = 0
				p.triggerBuild(ctx, sessionID)
				if p.halted(ctx) {
					return
				}
				p.store.Set(state.Patch{PreviewStatus: state.Status(domain.PreviewBuilding)})
			}
		default:
			idleCount = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.delay(attempt)):
		}
	}

	if p.halted(ctx) {
		return
	}
	p.log.Warn("Preview polling exhausted", "session_id", sessionID, "attempts", p.maxAttempts)
	p.store.Set(state.Patch{PreviewStatus: state.Status(domain.PreviewError)})
}

// BindCompletion subscribes to the store and starts the poller every time a
// stream finishes (the streaming flag goes from true to false). A loop that
// is already running is left alone. Returns the unsubscribe func.
func BindCompletion(ctx context.Context, st *state.Store, p *Poller, sessionID func() string) func() {
	var mu sync.Mutex
	wasStreaming := st.Get().IsStreaming
	return st.Subscribe(func() {
		now := st.Get().IsStreaming
		mu.Lock()
		completed := wasStreaming && !now
		wasStreaming = now
		mu.Unlock()
		if !completed {
			return
		}
		if err := p.Start(ctx, sessionID()); err != nil && !errors.Is(err, ErrAlreadyPolling) {
			p.log.Warn("Preview poll start failed", "error", err)
		}
	})
}

// triggerBuild fires the one-shot build kick after a sustained idle streak.
// Its own failure is swallowed; the next idle streak retries it.
func (p *Poller) triggerBuild(ctx context.Context, sessionID string) {
	if err := p.client.TriggerBuild(ctx, sessionID); err != nil {
		p.log.Warn("Build trigger failed, will retry on next idle streak", "session_id", sessionID, "error", err)
	}
}

// delay grows geometrically: base * 1.5^attempt, capped at maxDelay.
func (p *Poller) delay(attempt int) time.Duration {
	d := float64(p.baseDelay)
	for i := 0; i < attempt; i++ {
		d *= 1.5
		if time.Duration(d) >= p.maxDelay {
			return p.maxDelay
		}
	}
	return time.Duration(d)
}
