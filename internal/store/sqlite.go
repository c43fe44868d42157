package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agentsync/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS cache_entries (
		session_id TEXT PRIMARY KEY,
		remote_session_id TEXT,
		messages_json TEXT NOT NULL,
		high_water_mark INTEGER NOT NULL DEFAULT 0,
		resume_json TEXT,
		org_context TEXT,
		repository TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_entries_updated ON cache_entries(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetEntry retrieves a cached session by its local session ID.
func (s *SQLiteStore) GetEntry(ctx context.Context, sessionID string) (*domain.CacheEntry, error) {
	query := `
		SELECT session_id, remote_session_id, messages_json, high_water_mark,
		       resume_json, org_context, repository, created_at, updated_at
		FROM cache_entries WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	entry, err := scanEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan cache entry: %w", err)
	}
	return entry, nil
}

// UpsertEntry creates or updates a cached session record.
func (s *SQLiteStore) UpsertEntry(ctx context.Context, entry *domain.CacheEntry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	messagesJSON, err := json.Marshal(entry.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	var resumeJSON interface{}
	if entry.Resume != nil {
		b, err := json.Marshal(entry.Resume)
		if err != nil {
			return fmt.Errorf("marshal resume config: %w", err)
		}
		resumeJSON = string(b)
	}

	var remoteID interface{}
	if entry.RemoteSessionID != "" {
		remoteID = entry.RemoteSessionID
	}

	query := `
		INSERT INTO cache_entries (
			session_id, remote_session_id, messages_json, high_water_mark,
			resume_json, org_context, repository, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			remote_session_id = COALESCE(excluded.remote_session_id, cache_entries.remote_session_id),
			messages_json = excluded.messages_json,
			high_water_mark = excluded.high_water_mark,
			resume_json = COALESCE(excluded.resume_json, cache_entries.resume_json),
			org_context = excluded.org_context,
			repository = excluded.repository,
			updated_at = excluded.updated_at`

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := entry.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, query,
		entry.SessionID, remoteID, string(messagesJSON), entry.HighWaterMark,
		resumeJSON, entry.OrgContext, entry.Repository,
		createdAt.Unix(), updatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// DeleteEntry removes a cached session record.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) DeleteEntry(ctx context.Context, sessionID string) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.deleteEntryOnce(ctx, sessionID)
		if err == nil {
			return nil
		}

		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			if i < maxRetries-1 {
				delay := baseDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms
				slog.Debug("DeleteEntry failed with SQLITE_BUSY, retrying",
					"session_id", sessionID,
					"attempt", i+1,
					"delay", delay)
				time.Sleep(delay)
				continue
			}
		}

		return fmt.Errorf("failed to delete cache entry %s after %d attempts: %w", sessionID, maxRetries, err)
	}

	return nil
}

func (s *SQLiteStore) deleteEntryOnce(ctx context.Context, sessionID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `DELETE FROM cache_entries WHERE session_id = ?`
	_, err := s.db.ExecContext(ctx, query, sessionID)
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// ListEntries returns all cached sessions ordered by last update, newest first.
func (s *SQLiteStore) ListEntries(ctx context.Context) ([]*domain.CacheEntry, error) {
	query := `
		SELECT session_id, remote_session_id, messages_json, high_water_mark,
		       resume_json, org_context, repository, created_at, updated_at
		FROM cache_entries ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query cache entries: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close cache entry rows", "error", closeErr)
		}
	}()

	var entries []*domain.CacheEntry
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan cache entry row: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache entries: %w", err)
	}

	return entries, nil
}

// CleanupExpired removes entries whose last update is older than maxAge,
// excluding keepSessionID.
func (s *SQLiteStore) CleanupExpired(ctx context.Context, maxAge time.Duration, keepSessionID string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	threshold := time.Now().Add(-maxAge).Unix()
	query := `DELETE FROM cache_entries WHERE updated_at < ?`
	args := []interface{}{threshold}

	if keepSessionID != "" {
		query += ` AND session_id != ?`
		args = append(args, keepSessionID)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired entries: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// scanEntry decodes one cache entry row. The scan argument lets it serve
// both QueryRow and Rows.
func scanEntry(scan func(dest ...any) error) (*domain.CacheEntry, error) {
	var entry domain.CacheEntry
	var remoteID, resumeJSON, orgContext, repository sql.NullString
	var messagesJSON string
	var createdAt, updatedAt int64

	err := scan(
		&entry.SessionID, &remoteID, &messagesJSON, &entry.HighWaterMark,
		&resumeJSON, &orgContext, &repository, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(messagesJSON), &entry.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	if resumeJSON.Valid {
		var cfg domain.ResumeConfig
		if err := json.Unmarshal([]byte(resumeJSON.String), &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal resume config: %w", err)
		}
		entry.Resume = &cfg
	}

	entry.RemoteSessionID = remoteID.String
	entry.OrgContext = orgContext.String
	entry.Repository = repository.String
	entry.CreatedAt = time.Unix(createdAt, 0)
	entry.UpdatedAt = time.Unix(updatedAt, 0)

	return &entry, nil
}
