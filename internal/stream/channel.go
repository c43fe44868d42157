package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/agentsync/internal/backend"
)

// ConnState is the lifecycle state of the channel's connection.
type ConnState int

const (
	// StateDisconnected means no connection exists or is wanted.
	StateDisconnected ConnState = iota
	// StateConnecting means the initial dial is in flight.
	StateConnecting
	// StateConnected means the read loop is live.
	StateConnected
	// StateReconnecting means a dropped connection is being re-dialed.
	StateReconnecting
	// StateRefreshingTicket means the dial is paused on a ticket re-fetch.
	StateRefreshingTicket
	// StateError means the channel gave up; a fresh Connect is required.
	StateError
)

// String returns the state name for logging.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateRefreshingTicket:
		return "refreshing_ticket"
	case StateError:
		return "error"
	}
	return "unknown"
}

// reusable reports whether an existing binding in this state can serve a
// repeated Connect for the same remote id.
func (s ConnState) reusable() bool {
	return s == StateConnected || s == StateConnecting || s == StateReconnecting
}

// ErrAuthRejected is returned by a Dialer when the server refuses the
// handshake for credential reasons. The channel reacts by refreshing the
// ticket and retrying instead of surfacing the error.
var ErrAuthRejected = errors.New("stream handshake rejected: bad or expired ticket")

// Conn is one live duplex connection.
type Conn interface {
	// Read blocks until the next inbound frame or an error.
	Read(ctx context.Context) ([]byte, error)
	// Write sends a frame.
	Write(ctx context.Context, data []byte) error
	// Close releases the connection.
	Close(reason string) error
}

// Dialer opens connections. The production implementation dials a
// websocket; tests substitute scripted fakes.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// TicketSource fetches short-lived stream credentials.
type TicketSource interface {
	GetStreamTicket(ctx context.Context, remoteID string) (backend.Ticket, error)
}

// ConnectOptions tune a single Connect call.
type ConnectOptions struct {
	// ReplayFrom requests event replay starting after the given event id.
	// Zero replays everything; nil requests no replay.
	ReplayFrom *int64
}

// Config configures a Channel.
type Config struct {
	// BaseURL is the websocket endpoint base, e.g. "wss://api.example.com".
	BaseURL string
	// Tickets fetches stream credentials.
	Tickets TicketSource
	// Dialer opens connections. Defaults to the websocket dialer.
	Dialer Dialer
	// WatchdogTimeout is how long a started execution may go silent before
	// it is presumed dead. Defaults to 30s.
	WatchdogTimeout time.Duration
	// TicketRetries bounds transparent ticket refreshes per dial. Defaults
	// to 2.
	TicketRetries int
	// ReconnectAttempts bounds automatic re-dials after a dropped
	// connection. Defaults to 3.
	ReconnectAttempts int
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Channel is a single authenticated, reconnecting event stream bound to one
// remote session id at a time.
type Channel struct {
	cfg Config

	mu       sync.Mutex
	state    ConnState
	remoteID string
	conn     Conn
	ticket   backend.Ticket
	tracker  *ExecTracker
	watchdog *time.Timer
	cancel   context.CancelFunc
	gen      uint64

	onEvent  func(Normalized)
	onStale  func()
	onClosed func()
}

// NewChannel creates an unbound channel.
func NewChannel(cfg Config) *Channel {
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = 30 * time.Second
	}
	if cfg.TicketRetries <= 0 {
		cfg.TicketRetries = 2
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 3
	}
	if cfg.Dialer == nil {
		cfg.Dialer = wsDialer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Channel{cfg: cfg, state: StateDisconnected}
}

// OnEvent registers the sink for normalized events. Must be set before
// Connect; events are delivered on the read-loop goroutine, in arrival
// order.
func (c *Channel) OnEvent(fn func(Normalized)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = fn
}

// OnStale registers the callback fired when the stale-execution watchdog
// expires.
func (c *Channel) OnStale(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStale = fn
}

// OnClosed registers the callback fired when the channel gives up and parks
// in the error state: a forced-disconnect protocol error or exhausted
// reconnect attempts. After that no terminal event can arrive and the
// watchdog is gone, so owners must settle their streaming flag here.
func (c *Channel) OnClosed(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = fn
}

// State returns the current connection state.
func (c *Channel) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteID returns the remote session id the channel is bound to.
func (c *Channel) RemoteID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

// Tracker returns a snapshot of the current execution tracker.
func (c *Channel) Tracker() ExecTracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tracker == nil {
		return ExecTracker{}
	}
	return *c.tracker
}

// Connect binds the channel to a remote session and opens the stream.
//
// If the channel is already bound to the same remote id and the connection
// state is connected, connecting, or reconnecting, the call is a no-op and
// the existing connection is reused. Any other combination tears the old
// connection down and dials fresh.
func (c *Channel) Connect(ctx context.Context, remoteID string, opts ConnectOptions) error {
	c.mu.Lock()
	if c.remoteID == remoteID && c.state.reusable() {
		c.mu.Unlock()
		c.cfg.Logger.Debug("Stream connection reused", "remote_id", remoteID, "state", c.state.String())
		return nil
	}
	c.teardownLocked("superseded")
	c.remoteID = remoteID
	c.state = StateConnecting
	gen := c.gen
	c.mu.Unlock()

	conn, ticket, err := c.dial(ctx, remoteID, opts, gen)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.state = StateError
		}
		c.mu.Unlock()
		return fmt.Errorf("connect stream %s: %w", remoteID, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		// A Disconnect or newer Connect raced the dial; drop this socket.
		c.mu.Unlock()
		_ = conn.Close("superseded")
		return nil
	}
	c.conn = conn
	c.ticket = ticket
	c.state = StateConnected
	c.tracker = NewExecTracker()
	rctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	c.cfg.Logger.Info("Stream connected", "remote_id", remoteID)
	go c.readLoop(rctx, gen, conn)
	return nil
}

// Disconnect releases the socket and clears ticket and session tracking.
// It does not touch the streaming flag; that is the coordinator's call.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked("client disconnect")
	c.remoteID = ""
	c.ticket = backend.Ticket{}
	c.state = StateDisconnected
}

// teardownLocked invalidates the current connection generation. Callers
// hold c.mu.
func (c *Channel) teardownLocked(reason string) {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close(reason)
		c.conn = nil
	}
	c.stopWatchdogLocked()
	c.tracker = nil
}

func (c *Channel) dial(ctx context.Context, remoteID string, opts ConnectOptions, gen uint64) (Conn, backend.Ticket, error) {
	ticket, err := c.cfg.Tickets.GetStreamTicket(ctx, remoteID)
	if err != nil {
		return nil, backend.Ticket{}, fmt.Errorf("fetch stream ticket: %w", err)
	}

	for attempt := 0; ; attempt++ {
		conn, dialErr := c.cfg.Dialer.Dial(ctx, c.streamURL(remoteID, ticket, opts))
		if dialErr == nil {
			return conn, ticket, nil
		}
		if !errors.Is(dialErr, ErrAuthRejected) || attempt >= c.cfg.TicketRetries {
			return nil, backend.Ticket{}, dialErr
		}

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return nil, backend.Ticket{}, context.Canceled
		}
		c.state = StateRefreshingTicket
		c.mu.Unlock()

		c.cfg.Logger.Info("Stream ticket rejected, refreshing", "remote_id", remoteID, "attempt", attempt+1)
		ticket, err = c.cfg.Tickets.GetStreamTicket(ctx, remoteID)
		if err != nil {
			return nil, backend.Ticket{}, fmt.Errorf("refresh stream ticket: %w", err)
		}

		c.mu.Lock()
		if c.gen == gen {
			c.state = StateConnecting
		}
		c.mu.Unlock()
	}
}

func (c *Channel) streamURL(remoteID string, ticket backend.Ticket, opts ConnectOptions) string {
	url := c.cfg.BaseURL + "/v1/sessions/" + remoteID + "/stream?ticket=" + ticket.Value
	if opts.ReplayFrom != nil {
		url += "&from=" + strconv.FormatInt(*opts.ReplayFrom, 10)
	}
	return url
}

func (c *Channel) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // deliberate teardown
			}
			c.handleReadError(gen, err)
			return
		}

		raw, err := Decode(data)
		if err != nil {
			c.cfg.Logger.Warn("Dropping undecodable stream event", "error", err)
			continue
		}
		n, ok := Normalize(raw)
		if !ok {
			continue
		}
		if !c.observe(gen, n) {
			return
		}
		if handler := c.handler(); handler != nil {
			handler(n)
		}
	}
}

// observe folds an event into the tracker and watchdog. It returns false
// when the connection this loop belongs to is gone.
func (c *Channel) observe(gen uint64, n Normalized) bool {
	c.mu.Lock()
	if c.gen != gen || c.tracker == nil {
		c.mu.Unlock()
		return false
	}

	c.tracker.Observe(n, time.Now().UnixMilli())

	if c.tracker.Terminal() {
		// Cancel the watchdog the instant a terminal event lands.
		c.stopWatchdogLocked()
	} else if c.tracker.Running() {
		c.armWatchdogLocked(gen)
	}

	var closed func()
	if n.Kind == KindProtocolError && ForcesDisconnect(n.Code) {
		c.cfg.Logger.Warn("Protocol error forces disconnect", "code", n.Code, "remote_id", c.remoteID)
		c.teardownLocked("protocol error: " + n.Code)
		c.state = StateError
		closed = c.onClosed
	}
	c.mu.Unlock()

	if closed != nil {
		closed()
	}
	return true
}

// armWatchdogLocked (re)schedules the stale-execution timer. Every inbound
// event while the execution is running pushes the deadline out; silence for
// the full window means the remote execution is presumed dead.
func (c *Channel) armWatchdogLocked(gen uint64) {
	c.stopWatchdogLocked()
	c.watchdog = time.AfterFunc(c.cfg.WatchdogTimeout, func() {
		c.fireWatchdog(gen)
	})
}

func (c *Channel) stopWatchdogLocked() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

func (c *Channel) fireWatchdog(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.tracker == nil || !c.tracker.Running() {
		c.mu.Unlock()
		return
	}
	onStale := c.onStale
	remoteID := c.remoteID
	c.mu.Unlock()

	c.cfg.Logger.Warn("Stale execution watchdog fired",
		"remote_id", remoteID,
		"timeout", c.cfg.WatchdogTimeout,
	)
	if onStale != nil {
		onStale()
	}
}

func (c *Channel) handler() func(Normalized) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onEvent
}

// handleReadError attempts to transparently re-dial a dropped connection
// with a fresh ticket. Exhausting the attempts parks the channel in the
// error state.
func (c *Channel) handleReadError(gen uint64, readErr error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	remoteID := c.remoteID
	c.state = StateReconnecting
	c.stopWatchdogLocked()
	if c.conn != nil {
		_ = c.conn.Close("read error")
		c.conn = nil
	}
	c.mu.Unlock()

	c.cfg.Logger.Warn("Stream dropped, reconnecting", "remote_id", remoteID, "error", readErr)

	baseDelay := 250 * time.Millisecond
	for attempt := 0; attempt < c.cfg.ReconnectAttempts; attempt++ {
		time.Sleep(baseDelay * time.Duration(1<<attempt))

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancelDial := context.WithTimeout(context.Background(), 15*time.Second)
		conn, ticket, err := c.dial(ctx, remoteID, ConnectOptions{}, gen)
		cancelDial()
		if err != nil {
			c.cfg.Logger.Warn("Stream reconnect failed",
				"remote_id", remoteID,
				"attempt", attempt+1,
				"error", err,
			)
			continue
		}

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			_ = conn.Close("superseded")
			return
		}
		c.conn = conn
		c.ticket = ticket
		c.state = StateConnected
		c.tracker = NewExecTracker()
		rctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.mu.Unlock()

		c.cfg.Logger.Info("Stream reconnected", "remote_id", remoteID, "attempt", attempt+1)
		go c.readLoop(rctx, gen, conn)
		return
	}

	c.mu.Lock()
	var closed func()
	if c.gen == gen {
		c.state = StateError
		closed = c.onClosed
	}
	c.mu.Unlock()

	c.cfg.Logger.Error("Stream reconnect attempts exhausted", "remote_id", remoteID)
	if closed != nil {
		closed()
	}
}
