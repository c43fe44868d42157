// Package stream maintains the authenticated, reconnecting event stream for
// one remote session and turns its events into transcript updates.
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/agentsync/internal/domain"
)

// Wire event kinds.
const (
	kindHeartbeat     = "heartbeat"
	kindStatus        = "status"
	kindError         = "error"
	kindStarted       = "started"
	kindComplete      = "complete"
	kindInterrupted   = "interrupted"
	kindAgent         = "agent"
	kindSessionSynced = "session_synced"
)

// Agent say-subtypes that are protocol noise, not conversation.
const (
	noiseWelcome         = "welcome"
	noiseResumeTask      = "resume_task"
	noiseCheckpointSaved = "checkpoint_saved"
)

// Channel protocol error codes.
const (
	CodeSessionNotFound     = "session_not_found"
	CodeExecutionNotFound   = "execution_not_found"
	CodeAuthError           = "auth_error"
	CodeDuplicateConnection = "duplicate_connection"
	CodeInternalError       = "internal_error"
)

// RawEvent is the wire shape of a stream event.
type RawEvent struct {
	Kind     string         `json:"kind"`
	TS       int64          `json:"ts,omitempty"`
	Text     string         `json:"text,omitempty"`
	Code     string         `json:"code,omitempty"`
	SyncedAt int64          `json:"synced_at,omitempty"`
	Agent    *AgentEvent    `json:"agent,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AgentEvent is the nested payload of the generic agent-event wrapper.
// Type is "say" for narrative output and "ask" for a request for input.
type AgentEvent struct {
	Type     string         `json:"type"`
	Subtype  string         `json:"subtype,omitempty"`
	Text     string         `json:"text,omitempty"`
	Partial  bool           `json:"partial,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Kind classifies a normalized event.
type Kind int

const (
	// KindStatus is a status update; becomes a system message.
	KindStatus Kind = iota
	// KindError is a non-protocol error; becomes a system error message.
	KindError
	// KindStarted marks the remote execution starting.
	KindStarted
	// KindComplete marks normal completion.
	KindComplete
	// KindInterrupted marks completion by interrupt.
	KindInterrupted
	// KindSay is narrative agent output.
	KindSay
	// KindAsk is a request for user input.
	KindAsk
	// KindSessionSynced carries the server's sync timestamp for the cache.
	KindSessionSynced
	// KindProtocolError is a channel-level error with a known code.
	KindProtocolError
)

// Normalized is a decoded, filtered stream event. I/O stays in the channel;
// everything from raw bytes to Normalized is pure and testable.
type Normalized struct {
	Kind     Kind
	TS       int64
	Text     string
	Subtype  string
	Partial  bool
	SyncedAt int64
	Code     string
	Metadata map[string]any
}

// Decode parses a wire event.
func Decode(data []byte) (RawEvent, error) {
	var ev RawEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return RawEvent{}, fmt.Errorf("decode stream event: %w", err)
	}
	if ev.Kind == "" {
		return RawEvent{}, fmt.Errorf("stream event missing kind")
	}
	return ev, nil
}

// Normalize filters and flattens a raw event. The second return is false
// for events that carry no information for the engine: heartbeats and the
// welcome/resume_task/checkpoint_saved noise. session_synced is not noise;
// it is kept and routed to the cache layer.
func Normalize(ev RawEvent) (Normalized, bool) {
	switch ev.Kind {
	case kindHeartbeat:
		return Normalized{}, false
	case kindStatus:
		return Normalized{Kind: KindStatus, TS: ev.TS, Text: ev.Text, Metadata: ev.Metadata}, true
	case kindError:
		if isProtocolCode(ev.Code) {
			return Normalized{Kind: KindProtocolError, TS: ev.TS, Code: ev.Code, Text: ev.Text}, true
		}
		return Normalized{Kind: KindError, TS: ev.TS, Text: ev.Text, Metadata: ev.Metadata}, true
	case kindStarted:
		return Normalized{Kind: KindStarted, TS: ev.TS}, true
	case kindComplete:
		return Normalized{Kind: KindComplete, TS: ev.TS}, true
	case kindInterrupted:
		return Normalized{Kind: KindInterrupted, TS: ev.TS}, true
	case kindSessionSynced:
		return Normalized{Kind: KindSessionSynced, TS: ev.TS, SyncedAt: ev.SyncedAt}, true
	case kindAgent:
		if ev.Agent == nil {
			return Normalized{}, false
		}
		return normalizeAgent(ev)
	default:
		return Normalized{}, false
	}
}

func normalizeAgent(ev RawEvent) (Normalized, bool) {
	a := ev.Agent
	switch a.Subtype {
	case noiseWelcome, noiseResumeTask, noiseCheckpointSaved:
		return Normalized{}, false
	}
	n := Normalized{
		TS:       ev.TS,
		Text:     a.Text,
		Subtype:  a.Subtype,
		Partial:  a.Partial,
		Metadata: a.Metadata,
	}
	switch a.Type {
	case "say":
		n.Kind = KindSay
	case "ask":
		n.Kind = KindAsk
	default:
		return Normalized{}, false
	}
	return n, true
}

// ToMessage turns a normalized event into a transcript message. The second
// return is false for lifecycle events (started/complete/interrupted) and
// the sync marker, which drive flags and the cache instead of the
// transcript. now supplies a fallback TS for events that arrive without one.
func ToMessage(n Normalized, now func() int64) (domain.Message, bool) {
	ts := n.TS
	if ts == 0 {
		ts = now()
	}
	switch n.Kind {
	case KindStatus:
		return domain.Message{
			TS:         ts,
			Role:       domain.RoleSystem,
			SaySubtype: domain.SubtypeStatus,
			Text:       n.Text,
			Metadata:   n.Metadata,
		}, true
	case KindError:
		text := n.Text
		if text == "" {
			text = "The agent reported an error."
		}
		return domain.Message{
			TS:         ts,
			Role:       domain.RoleSystem,
			SaySubtype: domain.SubtypeError,
			Text:       text,
			Metadata:   n.Metadata,
		}, true
	case KindProtocolError:
		return domain.Message{
			TS:         ts,
			Role:       domain.RoleSystem,
			SaySubtype: domain.SubtypeError,
			Text:       FormatProtocolError(n.Code),
		}, true
	case KindSay:
		role := domain.RoleAssistant
		if n.Subtype == domain.SubtypeUserFeedback {
			role = domain.RoleUser
		}
		return domain.Message{
			TS:         ts,
			Role:       role,
			SaySubtype: n.Subtype,
			Text:       n.Text,
			Partial:    n.Partial,
			Metadata:   n.Metadata,
		}, true
	case KindAsk:
		return domain.Message{
			TS:         ts,
			Role:       domain.RoleSystem,
			AskSubtype: n.Subtype,
			Text:       n.Text,
			Partial:    n.Partial,
			Metadata:   n.Metadata,
		}, true
	case KindStarted, KindComplete, KindInterrupted, KindSessionSynced:
		return domain.Message{}, false
	}
	return domain.Message{}, false
}

func isProtocolCode(code string) bool {
	switch code {
	case CodeSessionNotFound, CodeExecutionNotFound, CodeAuthError,
		CodeDuplicateConnection, CodeInternalError:
		return true
	}
	return false
}

// ForcesDisconnect reports whether a protocol error code requires tearing
// down the connection.
func ForcesDisconnect(code string) bool {
	return code == CodeSessionNotFound || code == CodeAuthError
}

// FormatProtocolError maps a protocol error code to its user-facing
// sentence.
func FormatProtocolError(code string) string {
	switch code {
	case CodeSessionNotFound:
		return "This session no longer exists on the server."
	case CodeExecutionNotFound:
		return "The running task could not be found. It may have already finished."
	case CodeAuthError:
		return "Your streaming session expired. Reconnect to continue."
	case CodeDuplicateConnection:
		return "This session is already open in another window."
	case CodeInternalError:
		return "The server hit an internal error. Please retry."
	}
	return "The connection reported an unknown error."
}
