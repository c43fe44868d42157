package preview

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agentsync/internal/backend"
	"github.com/ashureev/agentsync/internal/domain"
	"github.com/ashureev/agentsync/internal/state"
)

// scriptedClient replays preview statuses in order, repeating the last one.
type scriptedClient struct {
	mu       sync.Mutex
	script   []backend.PreviewResult
	fetches  int
	triggers int
	buildErr error
}

func (c *scriptedClient) GetPreviewURL(ctx context.Context, sessionID string) (backend.PreviewResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.fetches
	c.fetches++
	if i >= len(c.script) {
		i = len(c.script) - 1
	}
	return c.script[i], nil
}

func (c *scriptedClient) TriggerBuild(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggers++
	return c.buildErr
}

func (c *scriptedClient) counts() (fetches, triggers int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches, c.triggers
}

func fastPoller(st *state.Store, client StatusClient) *Poller {
	return New(st, client, nil, WithTiming(30, time.Millisecond, 5*time.Millisecond))
}

func waitDone(t *testing.T, p *Poller) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for p.Running() {
		if time.Now().After(deadline) {
			t.Fatal("Poller did not terminate")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestPoller_IdleStreakTriggersOneBuild(t *testing.T) {
	st := state.New("s1")
	defer st.Close()
	client := &scriptedClient{script: []backend.PreviewResult{
		{Status: domain.PreviewIdle},
		{Status: domain.PreviewIdle},
		{Status: domain.PreviewBuilding},
		{Status: domain.PreviewRunning, PreviewURL: "https://p.example/app"},
	}}
	p := fastPoller(st, client)

	if err := p.Start(context.Background(), "s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, p)

	_, triggers := client.counts()
	if triggers != 1 {
		t.Errorf("Expected exactly 1 build trigger after the idle streak, got %d", triggers)
	}
	got := st.Get()
	if got.PreviewStatus != domain.PreviewRunning || got.PreviewURL != "https://p.example/app" {
		t.Errorf("Expected terminal running state with URL, got %+v", got.PreviewStatus)
	}
}

func TestPoller_ExhaustionAfterThirtyAttempts(t *testing.T) {
	st := state.New("s1")
	defer st.Close()
	client := &scriptedClient{script: []backend.PreviewResult{
		{Status: domain.PreviewBuilding},
	}}
	p := fastPoller(st, client)

	if err := p.Start(context.Background(), "s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, p)

	fetches, _ := client.counts()
	if fetches != 30 {
		t.Errorf("Expected exactly 30 attempts, got %d", fetches)
	}
	if got := st.Get().PreviewStatus; got != domain.PreviewError {
		t.Errorf("Expected error after exhaustion, got %q", got)
	}
}

func TestPoller_ErrorStatusIsTerminal(t *testing.T) {
	st := state.New("s1")
	defer st.Close()
	client := &scriptedClient{script: []backend.PreviewResult{
		{Status: domain.PreviewBuilding},
		{Status: domain.PreviewError},
	}}
	p := fastPoller(st, client)

	if err := p.Start(context.Background(), "s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, p)

	fetches, _ := client.counts()
	if fetches != 2 {
		t.Errorf("Expected polling to stop on error status, got %d fetches", fetches)
	}
	if got := st.Get().PreviewStatus; got != domain.PreviewError {
		t.Errorf("Expected error status, got %q", got)
	}
}

func TestPoller_BuildTriggerFailureIsSwallowed(t *testing.T) {
	st := state.New("s1")
	defer st.Close()
	client := &scriptedClient{
		script: []backend.PreviewResult{
			{Status: domain.PreviewIdle},
			{Status: domain.PreviewIdle},
			{Status: domain.PreviewIdle},
			{Status: domain.PreviewIdle},
			{Status: domain.PreviewRunning, PreviewURL: "https://p.example/app"},
		},
		buildErr: errors.New("build service down"),
	}
	p := fastPoller(st, client)

	if err := p.Start(context.Background(), "s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, p)

	// Two idle streaks of two: the failed trigger is retried.
	_, triggers := client.counts()
	if triggers != 2 {
		t.Errorf("Expected a retry on the next idle streak, got %d triggers", triggers)
	}
	if got := st.Get().PreviewStatus; got != domain.PreviewRunning {
		t.Errorf("Trigger failures must not abort the loop, got %q", got)
	}
}

func TestPoller_SecondStartRejected(t *testing.T) {
	st := state.New("s1")
	defer st.Close()
	client := &scriptedClient{script: []backend.PreviewResult{
		{Status: domain.PreviewBuilding},
	}}
	p := New(st, client, nil, WithTiming(30, 50*time.Millisecond, 100*time.Millisecond))

	if err := p.Start(context.Background(), "s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(context.Background(), "s1"); !errors.Is(err, ErrAlreadyPolling) {
		t.Errorf("Expected ErrAlreadyPolling, got %v", err)
	}
	p.Stop()
	waitDone(t, p)
}

func TestPoller_StopHaltsMidFlight(t *testing.T) {
	st := state.New("s1")
	defer st.Close()
	client := &scriptedClient{script: []backend.PreviewResult{
		{Status: domain.PreviewBuilding},
	}}
	p := New(st, client, nil, WithTiming(30, 20*time.Millisecond, 50*time.Millisecond))

	if err := p.Start(context.Background(), "s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Stop()
	waitDone(t, p)

	fetchesAtStop, _ := client.counts()
	time.Sleep(100 * time.Millisecond)
	fetchesAfter, _ := client.counts()
	if fetchesAfter != fetchesAtStop {
		t.Errorf("Stopped poller kept polling: %d -> %d", fetchesAtStop, fetchesAfter)
	}
	// A stopped loop must not write a late error state.
	if got := st.Get().PreviewStatus; got == domain.PreviewError {
		t.Errorf("Stopped poller must not set error status")
	}
}

func TestPoller_DestroyedPredicateVetoesWork(t *testing.T) {
	st := state.New("s1")
	defer st.Close()
	client := &scriptedClient{script: []backend.PreviewResult{
		{Status: domain.PreviewBuilding},
	}}
	p := New(st, client, func() bool { return true }, WithTiming(30, time.Millisecond, 5*time.Millisecond))

	if err := p.Start(context.Background(), "s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, p)

	fetches, _ := client.counts()
	if fetches != 0 {
		t.Errorf("Destroyed session must see no network calls, got %d", fetches)
	}
}

func TestBindCompletionStartsPollerWhenStreamEnds(t *testing.T) {
	st := state.New("s1")
	defer st.Close()
	client := &scriptedClient{script: []backend.PreviewResult{
		{Status: domain.PreviewRunning, PreviewURL: "https://p.example/app"},
	}}
	p := fastPoller(st, client)

	unbind := BindCompletion(context.Background(), st, p, func() string { return "s1" })
	defer unbind()

	// No stream has finished yet: nothing polls.
	st.Set(state.Patch{Model: state.Str("base")})
	time.Sleep(50 * time.Millisecond)
	if fetches, _ := client.counts(); fetches != 0 {
		t.Fatalf("Poller must not start before a stream completes, got %d fetches", fetches)
	}

	st.Set(state.Patch{IsStreaming: state.Bool(true)})
	time.Sleep(50 * time.Millisecond)
	st.Set(state.Patch{IsStreaming: state.Bool(false)})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if fetches, _ := client.counts(); fetches > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected the poller to start on the streaming true->false transition")
		}
		time.Sleep(5 * time.Millisecond)
	}
	waitDone(t, p)
	if got := st.Get().PreviewStatus; got != domain.PreviewRunning {
		t.Errorf("Expected running preview after completion-driven poll, got %q", got)
	}
}

func TestPoller_StartSetsBuildingUnlessAlreadyRunning(t *testing.T) {
	st := state.New("s1")
	defer st.Close()
	st.Set(state.Patch{
		PreviewStatus: state.Status(domain.PreviewRunning),
		PreviewURL:    state.Str("https://p.example/app"),
	})
	client := &scriptedClient{script: []backend.PreviewResult{
		{Status: domain.PreviewRunning, PreviewURL: "https://p.example/app"},
	}}
	p := fastPoller(st, client)

	if err := p.Start(context.Background(), "s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := st.Get().PreviewStatus; got != domain.PreviewRunning {
		t.Errorf("Start must not demote a running preview, got %q", got)
	}
	waitDone(t, p)
}
