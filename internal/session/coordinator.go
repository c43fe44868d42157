// Package session orchestrates the lifecycle of one agent session: sending
// turns, opening the event stream, interrupting, and tearing down.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentsync/internal/backend"
	"github.com/ashureev/agentsync/internal/domain"
	"github.com/ashureev/agentsync/internal/reconcile"
	"github.com/ashureev/agentsync/internal/state"
	"github.com/ashureev/agentsync/internal/stream"
)

// Phase is the coordinator's lifecycle phase, used for logging and guards.
type Phase int

const (
	// PhaseIdle means no operation is in flight.
	PhaseIdle Phase = iota
	// PhasePreparingLegacy means the one-time prepare+send is in flight.
	PhasePreparingLegacy
	// PhaseSending means a follow-up send is in flight.
	PhaseSending
	// PhaseStarting means the first turn of a new session is in flight.
	PhaseStarting
	// PhaseStreaming means the event stream is live.
	PhaseStreaming
	// PhaseDestroyed is terminal; every public method is a no-op.
	PhaseDestroyed
)

// String returns the phase name for logging.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePreparingLegacy:
		return "preparing_legacy"
	case PhaseSending:
		return "sending"
	case PhaseStarting:
		return "starting"
	case PhaseStreaming:
		return "streaming"
	case PhaseDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// msgPreparationInFlight is surfaced when a second send hits a legacy
// session whose preparation has not finished. The call is rejected, not
// queued.
const msgPreparationInFlight = "Your previous message is still being prepared. Wait for it to finish and try again."

// Backend is the request/response half of the session contract.
type Backend interface {
	StartSession(ctx context.Context, req backend.StartSessionRequest) (backend.SessionRef, error)
	SendMessage(ctx context.Context, remoteID string, req backend.SendMessageRequest) (backend.SessionRef, error)
	PrepareLegacySession(ctx context.Context, req backend.PrepareLegacyRequest) (backend.SessionRef, error)
	InterruptSession(ctx context.Context, remoteID string) error
	DeployProject(ctx context.Context, sessionID string) (backend.DeployResult, error)
}

// Channel is the streaming half, satisfied by *stream.Channel.
type Channel interface {
	OnEvent(fn func(stream.Normalized))
	OnStale(fn func())
	OnClosed(fn func())
	Connect(ctx context.Context, remoteID string, opts stream.ConnectOptions) error
	Disconnect()
	State() stream.ConnState
}

// SyncSink receives server sync timestamps from session_synced markers.
// Satisfied by the cache layer; a nil sink drops them.
type SyncSink interface {
	NoteSynced(serverTS int64)
}

// Config configures a Coordinator.
type Config struct {
	SessionID string
	Store     *state.Store
	Backend   Backend
	Channel   Channel
	Sync      SyncSink
	// Legacy marks a session that needs the one-time prepare+send before
	// the normal flow applies.
	Legacy bool
	// RemoteID is set when reconnecting to a previously started session.
	RemoteID string
	Logger   *slog.Logger
}

// Coordinator drives one session. It owns exactly one channel and is the
// only writer of the streaming/interrupting flags.
type Coordinator struct {
	store   *state.Store
	backend Backend
	channel Channel
	sync    SyncSink
	log     *slog.Logger

	sessionID string

	mu        sync.Mutex
	phase     Phase
	remoteID  string
	legacy    bool
	opCancel  context.CancelFunc
	destroyed bool

	prepareMu sync.Mutex
}

// New creates a coordinator and binds it to the channel's callbacks.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Coordinator{
		store:     cfg.Store,
		backend:   cfg.Backend,
		channel:   cfg.Channel,
		sync:      cfg.Sync,
		log:       cfg.Logger,
		sessionID: cfg.SessionID,
		remoteID:  cfg.RemoteID,
		legacy:    cfg.Legacy,
		phase:     PhaseIdle,
	}
	c.channel.OnEvent(c.handleEvent)
	c.channel.OnStale(c.handleStale)
	c.channel.OnClosed(c.handleClosed)
	return c
}

// SendMessage sends a user turn. The optimistic message is inserted
// synchronously; the network round trip and stream connect run async. A new
// call cancels whatever operation was previously in flight.
func (c *Coordinator) SendMessage(text string, images []string, modelOverride string) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	legacy := c.legacy
	if legacy {
		// The preparation mutex is taken before anything else so a second
		// call during an in-flight preparation is rejected, not queued,
		// and does not cancel the preparation it collided with.
		if !c.prepareMu.TryLock() {
			c.mu.Unlock()
			c.log.Warn("Rejecting send: legacy preparation in flight", "session_id", c.sessionID)
			c.appendErrorMessage(msgPreparationInFlight)
			return
		}
	}
	ctx := c.beginOpLocked(PhaseSending)
	remoteID := c.remoteID
	if legacy {
		c.phase = PhasePreparingLegacy
	}
	c.mu.Unlock()

	patch := state.Patch{IsStreaming: state.Bool(true)}
	if modelOverride != "" {
		patch.Model = state.Str(modelOverride)
	}
	c.store.Set(patch)
	reconcile.AddUserMessage(c.store, text, images)

	go func() {
		model := modelOverride
		var ref backend.SessionRef
		var err error
		if legacy {
			ref, err = c.prepareAndSend(ctx, text, images, model)
		} else {
			ref, err = c.backend.SendMessage(ctx, remoteID, backend.SendMessageRequest{
				Text: text, Images: images, Model: model,
			})
		}
		c.finishSend(ctx, ref, err)
	}()
}

// StartInitialStreaming fires the first turn of a brand-new session.
// Callers must have subscribed to the store before invoking it, otherwise
// the earliest stream events race the subscription and are missed.
func (c *Coordinator) StartInitialStreaming(text string, images []string, resume *domain.ResumeConfig) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	ctx := c.beginOpLocked(PhaseStarting)
	c.mu.Unlock()

	c.store.Set(state.Patch{IsStreaming: state.Bool(true)})
	reconcile.AddUserMessage(c.store, text, images)

	go func() {
		ref, err := c.backend.StartSession(ctx, backend.StartSessionRequest{
			SessionID: c.sessionID,
			Text:      text,
			Images:    images,
			Model:     c.store.Get().Model,
			Resume:    resume,
		})
		c.finishSend(ctx, ref, err)
	}()
}

// ConnectToExistingSession reattaches to a previously started remote
// session without sending a new turn. fromEventID requests replay; zero
// replays everything, nil skips replay.
func (c *Coordinator) ConnectToExistingSession(remoteID string, fromEventID *int64) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	ctx := c.beginOpLocked(PhaseStreaming)
	c.remoteID = remoteID
	c.mu.Unlock()

	go func() {
		err := c.channel.Connect(ctx, remoteID, stream.ConnectOptions{ReplayFrom: fromEventID})
		if err != nil {
			if ctx.Err() != nil || backend.IsCancelled(err) {
				return
			}
			c.log.Warn("Reconnect to existing session failed", "remote_id", remoteID, "error", err)
			c.failOperation(err)
		}
	}()
}

// Interrupt stops the stream locally first so the UI reflects the stop
// instantly, then tells the backend. IsInterrupting covers the round trip.
func (c *Coordinator) Interrupt() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	remoteID := c.remoteID
	c.phase = PhaseIdle
	// A send still in flight must not resolve into a reconnect after the
	// user asked for a stop; cancelling it routes its result through the
	// suppression path.
	if c.opCancel != nil {
		c.opCancel()
		c.opCancel = nil
	}
	c.mu.Unlock()

	c.channel.Disconnect()
	c.store.Set(state.Patch{
		IsStreaming:    state.Bool(false),
		IsInterrupting: state.Bool(true),
	})

	go func() {
		defer c.store.Set(state.Patch{IsInterrupting: state.Bool(false)})
		if remoteID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.backend.InterruptSession(ctx, remoteID); err != nil {
			c.log.Warn("Remote interrupt failed", "remote_id", remoteID, "error", err)
		}
	}()
}

// Deploy publishes the session's project and records the deployment id.
func (c *Coordinator) Deploy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		res, err := c.backend.DeployProject(ctx, c.sessionID)
		if err != nil {
			c.appendErrorMessage(backend.FormatUserError(err))
			return
		}
		if !res.Success {
			c.appendErrorMessage(res.Error)
			return
		}
		c.store.Set(state.Patch{DeploymentID: state.Str(res.DeploymentID)})
	}()
}

// Destroy cancels in-flight work, tears down the channel, and marks the
// coordinator permanently inert. It is idempotent.
func (c *Coordinator) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.phase = PhaseDestroyed
	if c.opCancel != nil {
		c.opCancel()
		c.opCancel = nil
	}
	c.mu.Unlock()

	c.channel.Disconnect()
	c.log.Info("Coordinator destroyed", "session_id", c.sessionID)
}

// Phase returns the current lifecycle phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// RemoteID returns the remote session id, once known.
func (c *Coordinator) RemoteID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

// beginOpLocked cancels the previous operation and issues the context for a
// new one. Callers hold c.mu.
func (c *Coordinator) beginOpLocked(phase Phase) context.Context {
	if c.opCancel != nil {
		c.opCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.opCancel = cancel
	c.phase = phase
	return ctx
}

// prepareAndSend issues the one-time combined prepare+send. The caller
// already holds prepareMu; it is released when the round trip finishes.
func (c *Coordinator) prepareAndSend(ctx context.Context, text string, images []string, model string) (backend.SessionRef, error) {
	defer c.prepareMu.Unlock()

	ref, err := c.backend.PrepareLegacySession(ctx, backend.PrepareLegacyRequest{
		SessionID: c.sessionID,
		Text:      text,
		Images:    images,
		Model:     model,
	})
	if err != nil {
		return backend.SessionRef{}, err
	}

	c.mu.Lock()
	c.legacy = false
	c.mu.Unlock()
	return ref, nil
}

// finishSend is the shared tail of SendMessage/StartInitialStreaming:
// record the remote id and open the stream, or surface the failure.
// Failures of a cancelled operation are suppressed entirely: they reflect
// superseded intent, not a real error.
func (c *Coordinator) finishSend(ctx context.Context, ref backend.SessionRef, err error) {
	if err != nil {
		if ctx.Err() != nil || backend.IsCancelled(err) {
			c.log.Debug("Suppressing failure of cancelled operation", "session_id", c.sessionID)
			return
		}
		c.failOperation(err)
		return
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.remoteID = ref.RemoteSessionID
	c.phase = PhaseStreaming
	c.mu.Unlock()

	if connErr := c.channel.Connect(ctx, ref.RemoteSessionID, stream.ConnectOptions{}); connErr != nil {
		if ctx.Err() != nil || backend.IsCancelled(connErr) {
			return
		}
		c.failOperation(connErr)
	}
}

// failOperation flips streaming off and appends the formatted error to the
// transcript, so failures land in the same place as the conversation.
func (c *Coordinator) failOperation(err error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseIdle
	c.mu.Unlock()

	c.log.Warn("Session operation failed", "session_id", c.sessionID, "error", err)
	c.store.Set(state.Patch{IsStreaming: state.Bool(false)})
	c.appendErrorMessage(backend.FormatUserError(err))
}

func (c *Coordinator) appendErrorMessage(text string) {
	// TS is the message's identity; bump past the newest entry so an error
	// landing in the same millisecond as the optimistic message cannot
	// collide with it.
	ts := time.Now().UnixMilli()
	if msgs := c.store.Get().Messages; len(msgs) > 0 && msgs[len(msgs)-1].TS >= ts {
		ts = msgs[len(msgs)-1].TS + 1
	}
	reconcile.Upsert(c.store, domain.Message{
		TS:         ts,
		Role:       domain.RoleSystem,
		SaySubtype: domain.SubtypeError,
		Text:       text,
	})
}

// handleEvent ingests one normalized stream event. It runs on the channel's
// read loop, so transcript writes keep arrival order.
func (c *Coordinator) handleEvent(n stream.Normalized) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	switch n.Kind {
	case stream.KindStarted:
		c.store.Set(state.Patch{IsStreaming: state.Bool(true)})
		return
	case stream.KindComplete, stream.KindInterrupted:
		c.mu.Lock()
		c.phase = PhaseIdle
		c.mu.Unlock()
		c.store.Set(state.Patch{IsStreaming: state.Bool(false)})
		return
	case stream.KindSessionSynced:
		if c.sync != nil {
			c.sync.NoteSynced(n.SyncedAt)
		}
		return
	}

	msg, ok := stream.ToMessage(n, func() int64 { return time.Now().UnixMilli() })
	if !ok {
		return
	}

	recent := c.store.Get().Messages
	if reconcile.IsFeedbackEcho(recent, msg) {
		c.log.Debug("Dropping user feedback echo", "ts", msg.TS)
		return
	}
	if reconcile.IsCommandOutputEcho(recent, msg) {
		c.log.Debug("Dropping command output echo", "ts", msg.TS)
		return
	}
	reconcile.Upsert(c.store, msg)
}

// handleStale reacts to the watchdog: the execution is presumed dead, so
// the spinner must not stay up forever even though no terminal event came.
func (c *Coordinator) handleStale() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseIdle
	c.mu.Unlock()

	c.log.Warn("Execution presumed stale, stopping stream indicator", "session_id", c.sessionID)
	c.store.Set(state.Patch{IsStreaming: state.Bool(false)})
}

// handleClosed reacts to the channel giving up for good (forced-disconnect
// protocol error or exhausted reconnects). No terminal event can arrive
// past that point and the watchdog died with the connection, so the
// streaming flag has to come down here.
func (c *Coordinator) handleClosed() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseIdle
	c.mu.Unlock()

	c.log.Warn("Stream closed without terminal event", "session_id", c.sessionID)
	c.store.Set(state.Patch{IsStreaming: state.Bool(false)})
}
