// agentsync - client-side synchronization engine for server-executed agent sessions
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ashureev/agentsync/internal/backend"
	"github.com/ashureev/agentsync/internal/cache"
	"github.com/ashureev/agentsync/internal/config"
	"github.com/ashureev/agentsync/internal/domain"
	"github.com/ashureev/agentsync/internal/preview"
	"github.com/ashureev/agentsync/internal/session"
	"github.com/ashureev/agentsync/internal/state"
	"github.com/ashureev/agentsync/internal/store"
	"github.com/ashureev/agentsync/internal/stream"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	sessionID := sessionIDFromArgs()
	slog.Info("Starting session", "session_id", sessionID, "backend", cfg.BackendURL)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize cache database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Cache database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Cache database connected")

	client := backend.New(cfg.BackendURL, cfg.APIToken, cfg.OrgContext)

	st := state.New(sessionID)
	defer st.Close()

	cacheSync := cache.New(sessionID, st, repo, logger)
	entry, err := cacheSync.LoadCached(context.Background())
	if err != nil {
		slog.Error("Failed to restore cached session", "error", err)
		os.Exit(1)
	}

	channel := stream.NewChannel(stream.Config{
		BaseURL:           wsBaseURL(cfg.BackendURL),
		Tickets:           client,
		WatchdogTimeout:   cfg.WatchdogTimeout,
		TicketRetries:     cfg.TicketRetries,
		ReconnectAttempts: cfg.ReconnectAttempts,
		Logger:            logger,
	})

	coord := session.New(session.Config{
		SessionID: sessionID,
		Store:     st,
		Backend:   client,
		Channel:   channel,
		Sync:      cacheSync,
		RemoteID:  cacheSync.RemoteSessionID(),
		Logger:    logger,
	})
	defer coord.Destroy()

	poller := preview.New(st, client, func() bool {
		return coord.Phase() == session.PhaseDestroyed
	})

	// Render new transcript entries and persist the session on every state
	// tick. Subscription happens before any streaming starts so the first
	// events are never missed.
	printer := newPrinter(st)
	unsubscribe := st.Subscribe(func() {
		printer.flush()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cacheSync.Persist(ctx); err != nil {
			slog.Warn("Failed to persist session cache", "error", err)
		}
	})
	defer unsubscribe()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := cache.NewSweeper(repo, cfg.SweepInterval, cfg.CacheMaxAge, func() string {
		return sessionID
	}, logger)
	go sweeper.Run(ctx)

	// Discover build state once each stream finishes.
	unbindPreview := preview.BindCompletion(ctx, st, poller, coord.RemoteID)
	defer unbindPreview()

	// Reattach to a previously started session, replaying everything the
	// cache has not seen.
	if entry != nil && entry.RemoteSessionID != "" {
		slog.Info("Reconnecting to cached session", "remote_session_id", entry.RemoteSessionID)
		from := int64(0)
		coord.ConnectToExistingSession(entry.RemoteSessionID, &from)
	}

	printer.flush()
	repl(ctx, cfg, coord, poller)

	// Final persist before teardown so a clean exit never loses messages.
	poller.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cacheSync.Persist(shutdownCtx); err != nil {
		slog.Warn("Failed to persist session cache on shutdown", "error", err)
	}
	slog.Info("Session closed", "session_id", sessionID)
}

func sessionIDFromArgs() string {
	if len(os.Args) > 1 && os.Args[1] != "" {
		return os.Args[1]
	}
	return fmt.Sprintf("local-%d", time.Now().UnixMilli())
}

// wsBaseURL rewrites the backend HTTP origin to its websocket scheme.
func wsBaseURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	}
	return httpURL
}

func repl(ctx context.Context, cfg *config.Config, coord *session.Coordinator, poller *preview.Poller) {
	fmt.Println("Type a message and press enter. Commands: /interrupt /preview /deploy /quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return
			case line == "/interrupt":
				coord.Interrupt()
			case line == "/deploy":
				coord.Deploy()
			case line == "/preview":
				if err := poller.Start(ctx, coord.RemoteID()); err != nil {
					fmt.Println("preview:", err)
				}
			case strings.HasPrefix(line, "/"):
				fmt.Println("unknown command:", line)
			default:
				coord.SendMessage(line, nil, cfg.Model)
			}
		}
	}
}

// printer writes transcript entries to stdout exactly once, completed
// messages only.
type printer struct {
	st *state.Store

	mu      sync.Mutex
	printed map[int64]bool
}

func newPrinter(st *state.Store) *printer {
	return &printer{st: st, printed: make(map[int64]bool)}
}

func (p *printer) flush() {
	snapshot := p.st.Get()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msg := range snapshot.Messages {
		if msg.Partial || p.printed[msg.TS] {
			continue
		}
		p.printed[msg.TS] = true
		fmt.Printf("[%s] %s\n", roleLabel(msg), msg.Rendered())
	}
	if snapshot.PreviewURL != "" && !p.printed[-1] {
		p.printed[-1] = true
		fmt.Println("preview ready:", snapshot.PreviewURL)
	}
}

func roleLabel(msg domain.Message) string {
	if msg.IsError() {
		return "error"
	}
	return string(msg.Role)
}
