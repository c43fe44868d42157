// Package cache keeps a persistent per-session cache entry in step with the
// in-memory session state and detects when the authoritative remote state has
// advanced past it.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentsync/internal/domain"
	"github.com/ashureev/agentsync/internal/state"
	"github.com/ashureev/agentsync/internal/store"
)

// staleToleranceMs absorbs clock and precision skew between the server's
// update timestamps and the recorded high water mark.
const staleToleranceMs = 2000

// Sync owns one session's cache entry. All mutation of the entry goes
// through it.
type Sync struct {
	sessionID string
	store     *state.Store
	repo      store.Repository
	log       *slog.Logger

	mu         sync.Mutex
	hwm        int64
	remoteID   string
	resume     domain.ResumeState
	orgContext string
	repository string
}

// New creates a Sync for one session. logger may be nil.
func New(sessionID string, st *state.Store, repo store.Repository, logger *slog.Logger) *Sync {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sync{
		sessionID: sessionID,
		store:     st,
		repo:      repo,
		log:       logger,
		resume:    domain.ResumeStateNone(),
	}
}

// HighWaterMark returns the last server update timestamp the client has
// confirmed synchronizing with, in milliseconds. Zero means no baseline.
func (s *Sync) HighWaterMark() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hwm
}

// RemoteSessionID returns the remote session id recorded in the cache, if any.
func (s *Sync) RemoteSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// LoadCached restores the persisted entry into the session state. Messages
// replace the store's list wholesale. Returns the entry, or nil when none
// exists.
func (s *Sync) LoadCached(ctx context.Context) (*domain.CacheEntry, error) {
	entry, err := s.repo.GetEntry(ctx, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("load cache entry: %w", err)
	}
	if entry == nil {
		return nil, nil
	}

	s.mu.Lock()
	s.hwm = entry.HighWaterMark
	s.remoteID = entry.RemoteSessionID
	s.orgContext = entry.OrgContext
	s.repository = entry.Repository
	if entry.Resume != nil {
		s.resume = domain.ResumeStatePersisted(*entry.Resume)
	}
	s.mu.Unlock()

	msgs := append([]domain.Message(nil), entry.Messages...)
	s.store.UpdateMessages(func([]domain.Message) []domain.Message {
		return msgs
	})

	s.log.Info("Restored session from cache",
		"session_id", s.sessionID,
		"messages", len(entry.Messages),
		"high_water_mark", entry.HighWaterMark)
	return entry, nil
}

// ApplyServerSnapshot replaces the session's messages with the authoritative
// server list and overwrites the high water mark with the server's reported
// update timestamp. The overwrite is verbatim: a lower server value still
// replaces a higher recorded one, otherwise a wrongly-pinned high value would
// mask real staleness.
func (s *Sync) ApplyServerSnapshot(ctx context.Context, remoteID string, messages []domain.Message, serverUpdatedAt int64) error {
	s.mu.Lock()
	s.hwm = serverUpdatedAt
	if remoteID != "" {
		s.remoteID = remoteID
	}
	s.mu.Unlock()

	msgs := append([]domain.Message(nil), messages...)
	s.store.UpdateMessages(func([]domain.Message) []domain.Message {
		return msgs
	})

	return s.Persist(ctx)
}

// IsStale reports whether the server's current update timestamp has advanced
// past the recorded high water mark. A zero high water mark is never stale:
// staleness cannot be proven without a baseline.
func (s *Sync) IsStale(serverUpdatedAt int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hwm == 0 {
		return false
	}
	return serverUpdatedAt > s.hwm+staleToleranceMs
}

// NoteSynced records a server-sent sync timestamp from the stream. The high
// water mark advances only when the new value is strictly greater than the
// recorded one; stale redeliveries are ignored.
func (s *Sync) NoteSynced(serverTS int64) {
	s.mu.Lock()
	if serverTS <= s.hwm {
		s.mu.Unlock()
		return
	}
	s.hwm = serverTS
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Persist(ctx); err != nil {
		s.log.Warn("Failed to persist sync timestamp", "session_id", s.sessionID, "error", err)
	}
}

// SetRemoteSessionID records the remote session id once the backend assigns
// one.
func (s *Sync) SetRemoteSessionID(remoteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteID = remoteID
}

// SetContext records the organization and repository the session runs
// against.
func (s *Sync) SetContext(orgContext, repository string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgContext = orgContext
	s.repository = repository
}

// ResumeState returns the current resume persistence lifecycle state.
func (s *Sync) ResumeState() domain.ResumeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resume
}

// StageResume stages a resume config without writing it yet.
func (s *Sync) StageResume(cfg domain.ResumeConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resume = domain.ResumeStatePending(cfg)
}

// PersistResume writes the staged resume config through to the cache and
// walks the lifecycle: pending -> persisting -> persisted, or failed with
// the cause recorded.
func (s *Sync) PersistResume(ctx context.Context) error {
	s.mu.Lock()
	cfg, ok := s.resume.Config()
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no resume config staged")
	}
	s.resume = domain.ResumeStatePersisting(cfg)
	s.mu.Unlock()

	if err := s.Persist(ctx); err != nil {
		s.mu.Lock()
		s.resume = domain.ResumeStateFailed(cfg, err)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.resume = domain.ResumeStatePersisted(cfg)
	s.mu.Unlock()
	return nil
}

// Persist writes the current session snapshot and sync bookkeeping into the
// cache.
func (s *Sync) Persist(ctx context.Context) error {
	snapshot := s.store.Get()

	s.mu.Lock()
	entry := &domain.CacheEntry{
		SessionID:       s.sessionID,
		RemoteSessionID: s.remoteID,
		Messages:        snapshot.Messages,
		HighWaterMark:   s.hwm,
		OrgContext:      s.orgContext,
		Repository:      s.repository,
		UpdatedAt:       time.Now(),
	}
	if cfg, ok := s.resume.Config(); ok {
		entry.Resume = &cfg
	}
	s.mu.Unlock()

	if err := s.repo.UpsertEntry(ctx, entry); err != nil {
		return fmt.Errorf("persist cache entry: %w", err)
	}
	return nil
}

// Forget removes the session's cache entry.
func (s *Sync) Forget(ctx context.Context) error {
	if err := s.repo.DeleteEntry(ctx, s.sessionID); err != nil {
		return fmt.Errorf("forget cache entry: %w", err)
	}
	return nil
}
