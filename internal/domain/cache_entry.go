package domain

import (
	"time"
)

// CacheEntry is the persisted per-session cache record. It outlives the
// in-memory session state and survives reloads.
//
// HighWaterMark is the last server-side updated_at (milliseconds) the client
// has confirmed synchronizing with. It is set only from values the server
// reported, never derived from message timestamps, and never merged with
// max(): keeping a stale higher value would mask real staleness.
type CacheEntry struct {
	SessionID       string        `json:"session_id"`
	RemoteSessionID string        `json:"remote_session_id,omitempty"`
	Messages        []Message     `json:"messages"`
	HighWaterMark   int64         `json:"high_water_mark"`
	Resume          *ResumeConfig `json:"resume,omitempty"`
	OrgContext      string        `json:"org_context,omitempty"`
	Repository      string        `json:"repository,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Age returns how long ago the entry was last updated.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.UpdatedAt)
}
