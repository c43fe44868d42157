package stream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/agentsync/internal/backend"
)

// fakeConn delivers scripted frames and blocks until fed or closed.
type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) feed(t *testing.T, ev RawEvent) {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	c.frames <- data
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("connection closed")
	case data := <-c.frames:
		return data, nil
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error { return nil }

func (c *fakeConn) Close(reason string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeDialer records dials and can reject the first N handshakes.
type fakeDialer struct {
	mu          sync.Mutex
	dials       []string
	rejectAuth  int
	lastConn    *fakeConn
	failForever bool
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, url)
	if d.failForever {
		return nil, errors.New("dial refused")
	}
	if d.rejectAuth > 0 {
		d.rejectAuth--
		return nil, ErrAuthRejected
	}
	d.lastConn = newFakeConn()
	return d.lastConn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) conn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastConn
}

type fakeTickets struct {
	mu      sync.Mutex
	fetches int
}

func (f *fakeTickets) GetStreamTicket(ctx context.Context, remoteID string) (backend.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return backend.Ticket{Value: "ticket-" + remoteID, ExpiresAt: time.Now().Add(time.Minute)}, nil
}

func (f *fakeTickets) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func newTestChannel(d Dialer, tickets TicketSource, watchdog time.Duration) *Channel {
	return NewChannel(Config{
		BaseURL:         "ws://test",
		Tickets:         tickets,
		Dialer:          d,
		WatchdogTimeout: watchdog,
	})
}

func TestChannel_ReuseSameRemoteID(t *testing.T) {
	dialer := &fakeDialer{}
	ch := newTestChannel(dialer, &fakeTickets{}, time.Second)
	defer ch.Disconnect()

	if err := ch.Connect(context.Background(), "remote-1", ConnectOptions{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := ch.Connect(context.Background(), "remote-1", ConnectOptions{}); err != nil {
		t.Fatalf("Second connect: %v", err)
	}
	if got := dialer.dialCount(); got != 1 {
		t.Errorf("Expected 1 dial for a reused connection, got %d", got)
	}
	if st := ch.State(); st != StateConnected {
		t.Errorf("Expected connected, got %s", st)
	}
}

func TestChannel_NewRemoteIDOpensFreshSocket(t *testing.T) {
	dialer := &fakeDialer{}
	ch := newTestChannel(dialer, &fakeTickets{}, time.Second)
	defer ch.Disconnect()

	if err := ch.Connect(context.Background(), "remote-1", ConnectOptions{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := dialer.conn()
	if err := ch.Connect(context.Background(), "remote-2", ConnectOptions{}); err != nil {
		t.Fatalf("Connect remote-2: %v", err)
	}
	if got := dialer.dialCount(); got != 2 {
		t.Errorf("Expected 2 dials for different remote ids, got %d", got)
	}
	select {
	case <-first.closed:
	case <-time.After(time.Second):
		t.Errorf("Expected the old socket to be closed")
	}
	if got := ch.RemoteID(); got != "remote-2" {
		t.Errorf("Expected binding to remote-2, got %q", got)
	}
}

func TestChannel_NoReuseAfterDisconnect(t *testing.T) {
	dialer := &fakeDialer{}
	ch := newTestChannel(dialer, &fakeTickets{}, time.Second)

	if err := ch.Connect(context.Background(), "remote-1", ConnectOptions{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch.Disconnect()
	if st := ch.State(); st != StateDisconnected {
		t.Fatalf("Expected disconnected, got %s", st)
	}
	if err := ch.Connect(context.Background(), "remote-1", ConnectOptions{}); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	defer ch.Disconnect()
	if got := dialer.dialCount(); got != 2 {
		t.Errorf("Expected fresh dial after disconnect, got %d dials", got)
	}
}

func TestChannel_TicketRefreshOnAuthRejection(t *testing.T) {
	dialer := &fakeDialer{rejectAuth: 1}
	tickets := &fakeTickets{}
	ch := newTestChannel(dialer, tickets, time.Second)
	defer ch.Disconnect()

	if err := ch.Connect(context.Background(), "remote-1", ConnectOptions{}); err != nil {
		t.Fatalf("Connect should succeed after transparent refresh: %v", err)
	}
	if got := tickets.count(); got != 2 {
		t.Errorf("Expected 2 ticket fetches (initial + refresh), got %d", got)
	}
	if st := ch.State(); st != StateConnected {
		t.Errorf("Expected connected, got %s", st)
	}
}

func TestChannel_TicketRetriesExhausted(t *testing.T) {
	dialer := &fakeDialer{rejectAuth: 10}
	ch := NewChannel(Config{
		BaseURL:       "ws://test",
		Tickets:       &fakeTickets{},
		Dialer:        dialer,
		TicketRetries: 2,
	})
	err := ch.Connect(context.Background(), "remote-1", ConnectOptions{})
	if err == nil {
		t.Fatal("Expected error once ticket retries are exhausted")
	}
	if st := ch.State(); st != StateError {
		t.Errorf("Expected error state, got %s", st)
	}
}

func TestChannel_ReplayFromZeroRequestsFullReplay(t *testing.T) {
	dialer := &fakeDialer{}
	ch := newTestChannel(dialer, &fakeTickets{}, time.Second)
	defer ch.Disconnect()

	from := int64(0)
	if err := ch.Connect(context.Background(), "remote-1", ConnectOptions{ReplayFrom: &from}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	dialer.mu.Lock()
	url := dialer.dials[0]
	dialer.mu.Unlock()
	if !strings.Contains(url, "from=0") {
		t.Errorf("Expected from=0 in dial URL, got %s", url)
	}
}

func TestChannel_EventsReachHandlerInOrder(t *testing.T) {
	dialer := &fakeDialer{}
	ch := newTestChannel(dialer, &fakeTickets{}, time.Second)
	defer ch.Disconnect()

	events := make(chan Normalized, 16)
	ch.OnEvent(func(n Normalized) { events <- n })

	if err := ch.Connect(context.Background(), "remote-1", ConnectOptions{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := dialer.conn()
	conn.feed(t, RawEvent{Kind: "started", TS: 1})
	conn.feed(t, RawEvent{Kind: "heartbeat"})
	conn.feed(t, RawEvent{Kind: "status", TS: 2, Text: "working"})
	conn.feed(t, RawEvent{Kind: "complete", TS: 3})

	want := []Kind{KindStarted, KindStatus, KindComplete}
	for i, k := range want {
		select {
		case n := <-events:
			if n.Kind != k {
				t.Errorf("Event %d: expected kind %d, got %d", i, k, n.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for event %d", i)
		}
	}
	tr := ch.Tracker()
	if !tr.Terminal() {
		t.Errorf("Expected terminal tracker after complete")
	}
}

func TestChannel_WatchdogFiresOnSilence(t *testing.T) {
	dialer := &fakeDialer{}
	ch := newTestChannel(dialer, &fakeTickets{}, 100*time.Millisecond)
	defer ch.Disconnect()

	var stale atomic.Int64
	ch.OnStale(func() { stale.Add(1) })

	if err := ch.Connect(context.Background(), "remote-1", ConnectOptions{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := dialer.conn()
	conn.feed(t, RawEvent{Kind: "started", TS: 1})

	// Before the window closes the execution is not yet presumed dead.
	time.Sleep(60 * time.Millisecond)
	if stale.Load() != 0 {
		t.Fatalf("Watchdog fired before the timeout elapsed")
	}
	// Silence past the window: presumed dead.
	time.Sleep(120 * time.Millisecond)
	if stale.Load() != 1 {
		t.Errorf("Expected exactly one stale callback, got %d", stale.Load())
	}
}

func TestChannel_WatchdogRearmedByEvents(t *testing.T) {
	dialer := &fakeDialer{}
	ch := newTestChannel(dialer, &fakeTickets{}, 100*time.Millisecond)
	defer ch.Disconnect()

	var stale atomic.Int64
	ch.OnStale(func() { stale.Add(1) })

	if err := ch.Connect(context.Background(), "remote-1", ConnectOptions{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := dialer.conn()
	conn.feed(t, RawEvent{Kind: "started", TS: 1})
	for i := 0; i < 4; i++ {
		time.Sleep(50 * time.Millisecond)
		conn.feed(t, RawEvent{Kind: "status", TS: int64(i + 2), Text: "chunk"})
	}
	if stale.Load() != 0 {
		t.Errorf("Watchdog fired despite a live event flow")
	}
}

func TestChannel_WatchdogCancelledByTerminalEvent(t *testing.T) {
	dialer := &fakeDialer{}
	ch := newTestChannel(dialer, &fakeTickets{}, 80*time.Millisecond)
	defer ch.Disconnect()

	var stale atomic.Int64
	ch.OnStale(func() { stale.Add(1) })

	if err := ch.Connect(context.Background(), "remote-1", ConnectOptions{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := dialer.conn()
	conn.feed(t, RawEvent{Kind: "started", TS: 1})
	conn.feed(t, RawEvent{Kind: "complete", TS: 2})

	time.Sleep(200 * time.Millisecond)
	if stale.Load() != 0 {
		t.Errorf("Watchdog must be cancelled the instant a terminal event lands")
	}
}

func TestChannel_ProtocolErrorForcesDisconnect(t *testing.T) {
	dialer := &fakeDialer{}
	ch := newTestChannel(dialer, &fakeTickets{}, time.Second)

	events := make(chan Normalized, 4)
	ch.OnEvent(func(n Normalized) { events <- n })

	if err := ch.Connect(context.Background(), "remote-1", ConnectOptions{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := dialer.conn()
	conn.feed(t, RawEvent{Kind: "error", Code: CodeSessionNotFound})

	select {
	case n := <-events:
		if n.Kind != KindProtocolError {
			t.Errorf("Expected protocol error event, got %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for protocol error")
	}

	deadline := time.Now().Add(time.Second)
	for ch.State() != StateError {
		if time.Now().After(deadline) {
			t.Fatalf("Expected error state after session_not_found, got %s", ch.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChannel_ForcedDisconnectNotifiesClosed(t *testing.T) {
	dialer := &fakeDialer{}
	ch := newTestChannel(dialer, &fakeTickets{}, 100*time.Millisecond)

	var closed atomic.Int64
	ch.OnClosed(func() { closed.Add(1) })

	if err := ch.Connect(context.Background(), "remote-1", ConnectOptions{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := dialer.conn()
	conn.feed(t, RawEvent{Kind: "started", TS: 1})
	conn.feed(t, RawEvent{Kind: "error", Code: CodeSessionNotFound})

	deadline := time.Now().Add(time.Second)
	for closed.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("Expected the closed callback after a forced disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st := ch.State(); st != StateError {
		t.Errorf("Expected error state, got %s", st)
	}

	// The teardown killed the watchdog; the closed callback is the only
	// signal left, so it must not repeat as time passes.
	time.Sleep(250 * time.Millisecond)
	if got := closed.Load(); got != 1 {
		t.Errorf("Expected exactly one closed callback, got %d", got)
	}
}

func TestChannel_ReconnectExhaustionNotifiesClosed(t *testing.T) {
	dialer := &fakeDialer{}
	ch := NewChannel(Config{
		BaseURL:           "ws://test",
		Tickets:           &fakeTickets{},
		Dialer:            dialer,
		ReconnectAttempts: 1,
	})

	var closed atomic.Int64
	ch.OnClosed(func() { closed.Add(1) })

	if err := ch.Connect(context.Background(), "remote-1", ConnectOptions{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := dialer.conn()

	// Drop the socket and refuse every re-dial.
	dialer.mu.Lock()
	dialer.failForever = true
	dialer.mu.Unlock()
	_ = conn.Close("test drop")

	deadline := time.Now().Add(3 * time.Second)
	for closed.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("Expected the closed callback once reconnects are exhausted")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st := ch.State(); st != StateError {
		t.Errorf("Expected error state, got %s", st)
	}
}

func TestChannel_DisconnectClearsTracking(t *testing.T) {
	dialer := &fakeDialer{}
	ch := newTestChannel(dialer, &fakeTickets{}, time.Second)

	if err := ch.Connect(context.Background(), "remote-1", ConnectOptions{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch.Disconnect()
	if ch.RemoteID() != "" {
		t.Errorf("Disconnect must clear the session binding")
	}
	tr := ch.Tracker()
	if tr.Started() || tr.Terminal() {
		t.Errorf("Disconnect must drop the execution tracker")
	}
}
