// Package domain contains core domain types for the agentsync engine.
package domain

// Role identifies who produced a message.
type Role string

const (
	// RoleUser is a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant is narrative output produced by the remote agent.
	RoleAssistant Role = "assistant"
	// RoleSystem is status, error, or request-for-input output.
	RoleSystem Role = "system"
)

// Message is a single transcript entry. TS is the message's identity within
// a session: two messages with the same TS are the same message, and a later
// write replaces the earlier one.
type Message struct {
	TS         int64          `json:"ts"`
	Role       Role           `json:"role"`
	SaySubtype string         `json:"say_subtype,omitempty"`
	AskSubtype string         `json:"ask_subtype,omitempty"`
	Text       string         `json:"text,omitempty"`
	Partial    bool           `json:"partial,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Images     []string       `json:"images,omitempty"`
}

// Rendered returns the display content used for version comparison during
// reconciliation. A longer rendering of the same TS is a newer rendering.
func (m Message) Rendered() string {
	return m.Text
}

// IsError reports whether the message is a system-level error entry.
func (m Message) IsError() bool {
	return m.Role == RoleSystem && m.SaySubtype == SubtypeError
}

// Well-known message subtypes carried through from the event stream.
const (
	SubtypeStatus        = "status"
	SubtypeError         = "error"
	SubtypeUserFeedback  = "user_feedback"
	SubtypeCommandOutput = "command_output"
)
