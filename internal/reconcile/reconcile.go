// Package reconcile merges streamed, optimistic, and cached messages into
// the session state without duplicating or regressing content.
package reconcile

import (
	"sort"
	"time"

	"github.com/ashureev/agentsync/internal/domain"
	"github.com/ashureev/agentsync/internal/state"
)

const (
	// echoWindow bounds how far apart an optimistic user message and its
	// streamed echo may be to count as the same message.
	echoWindow = 3 * time.Minute
	// dedupScan bounds how many trailing messages the dedup rules inspect.
	dedupScan = 10
)

// Upsert inserts or replaces a message keyed by TS.
//
// An existing message with the same TS is replaced only when the incoming
// one is partial, or its rendered content is strictly longer, or the partial
// flag itself changed. Length acts as the version number: a stale, shorter
// redelivery can never clobber further-along content.
//
// Inserting a new partial message raises the streaming flag: a replayed
// stream can deliver in-progress output without a fresh started event.
func Upsert(s *state.Store, msg domain.Message) {
	inserted := false
	s.UpdateMessages(func(msgs []domain.Message) []domain.Message {
		for i := range msgs {
			if msgs[i].TS != msg.TS {
				continue
			}
			if shouldReplace(msgs[i], msg) {
				msgs[i] = msg
			}
			return msgs
		}
		inserted = true
		msgs = append(msgs, msg)
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].TS < msgs[j].TS })
		return msgs
	})
	if inserted && msg.Partial {
		s.Set(state.Patch{IsStreaming: state.Bool(true)})
	}
}

func shouldReplace(existing, incoming domain.Message) bool {
	if incoming.Partial {
		return true
	}
	if len(incoming.Rendered()) > len(existing.Rendered()) {
		return true
	}
	return incoming.Partial != existing.Partial
}

// IsFeedbackEcho reports whether the incoming message is a user_feedback
// echo of a user message that was already inserted optimistically. Only the
// feedback-echo case is content-deduplicated; assistant and system messages
// are deduplicated by TS alone.
func IsFeedbackEcho(msgs []domain.Message, incoming domain.Message) bool {
	if incoming.Role != domain.RoleUser || incoming.SaySubtype != domain.SubtypeUserFeedback {
		return false
	}
	for _, m := range tail(msgs, dedupScan) {
		if m.Role != domain.RoleUser || m.Text != incoming.Text {
			continue
		}
		if withinWindow(m.TS, incoming.TS, echoWindow) {
			return true
		}
	}
	return false
}

// IsCommandOutputEcho reports whether an incoming ask:command_output message
// repeats a recent say:command_output (or vice versa). One side being a
// prefix of the other counts as a repeat. This rule is intentionally
// separate from IsFeedbackEcho: the two cover different event shapes.
func IsCommandOutputEcho(msgs []domain.Message, incoming domain.Message) bool {
	inAsk := incoming.AskSubtype == domain.SubtypeCommandOutput
	inSay := incoming.SaySubtype == domain.SubtypeCommandOutput
	if !inAsk && !inSay {
		return false
	}
	for _, m := range tail(msgs, dedupScan) {
		if m.TS == incoming.TS {
			continue
		}
		// Only an ask/say pair is an echo, never two of the same shape.
		prevAsk := m.AskSubtype == domain.SubtypeCommandOutput
		prevSay := m.SaySubtype == domain.SubtypeCommandOutput
		if (inAsk && !prevSay) || (inSay && !prevAsk) {
			continue
		}
		if isPrefixPair(m.Text, incoming.Text) {
			return true
		}
	}
	return false
}

// AddUserMessage synthesizes and upserts the optimistic user message. It
// runs before any network round trip so the transcript updates instantly.
func AddUserMessage(s *state.Store, text string, images []string) domain.Message {
	msg := domain.Message{
		TS:     time.Now().UnixMilli(),
		Role:   domain.RoleUser,
		Text:   text,
		Images: images,
	}
	Upsert(s, msg)
	return msg
}

func tail(msgs []domain.Message, n int) []domain.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

func withinWindow(a, b int64, window time.Duration) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return time.Duration(d)*time.Millisecond <= window
}

func isPrefixPair(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) <= len(b) {
		return b[:len(a)] == a
	}
	return a[:len(b)] == b
}
