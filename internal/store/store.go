// Package store provides persistence interfaces and implementations for the
// local session cache.
package store

import (
	"context"
	"time"

	"github.com/ashureev/agentsync/internal/domain"
)

// Repository defines the interface for persisting cached session state.
type Repository interface {
	// GetEntry retrieves a cached session by its local session ID.
	// Returns (nil, nil) when no entry exists.
	GetEntry(ctx context.Context, sessionID string) (*domain.CacheEntry, error)

	// UpsertEntry creates or updates a cached session record.
	UpsertEntry(ctx context.Context, entry *domain.CacheEntry) error

	// DeleteEntry removes a cached session record.
	DeleteEntry(ctx context.Context, sessionID string) error

	// ListEntries returns all cached sessions ordered by last update,
	// newest first.
	ListEntries(ctx context.Context) ([]*domain.CacheEntry, error)

	// CleanupExpired removes entries whose last update is older than maxAge.
	// keepSessionID, when non-empty, is excluded from the sweep so the
	// active session is never evicted.
	CleanupExpired(ctx context.Context, maxAge time.Duration, keepSessionID string) (int64, error)

	// Ping verifies database connectivity and returns an error if the
	// database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
