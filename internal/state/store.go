// Package state provides the observable session state store.
package state

import (
	"sync"

	"github.com/ashureev/agentsync/internal/domain"
)

// Patch is a partial update to the session state. Nil fields are left
// untouched; non-nil fields are merged in. Messages are updated only
// through UpdateMessages, never through a patch.
type Patch struct {
	IsStreaming      *bool
	IsInterrupting   *bool
	PreviewURL       *string
	PreviewStatus    *domain.PreviewStatus
	DeploymentID     *string
	Model            *string
	CurrentIframeURL *string
	GitRepoFullName  *string
}

// Bool returns a pointer for use in a Patch.
func Bool(v bool) *bool { return &v }

// Str returns a pointer for use in a Patch.
func Str(v string) *string { return &v }

// Status returns a pointer for use in a Patch.
func Status(v domain.PreviewStatus) *domain.PreviewStatus { return &v }

// Store holds one SessionState and notifies subscribers of changes.
//
// Any number of Set/UpdateMessages calls made before the notifier goroutine
// wakes are coalesced into a single listener invocation, so a burst of
// stream events costs one notification instead of one per event. Get always
// reflects the latest merge, even before the notification fires.
type Store struct {
	mu        sync.Mutex
	sessionID string
	st        domain.SessionState
	listeners map[int]func()
	nextID    int

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// New creates a store for the given local session id and starts its
// notifier. Callers own the store and must Close it when the session view
// unmounts.
func New(sessionID string) *Store {
	s := &Store{
		sessionID: sessionID,
		st: domain.SessionState{
			PreviewStatus: domain.PreviewIdle,
		},
		listeners: make(map[int]func()),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go s.notifyLoop()
	return s
}

// SessionID returns the local session id this store belongs to.
func (s *Store) SessionID() string {
	return s.sessionID
}

// Get returns a snapshot of the current state. The messages slice is copied
// so callers can hold the snapshot across later writes.
func (s *Store) Get() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.st
	snap.Messages = make([]domain.Message, len(s.st.Messages))
	copy(snap.Messages, s.st.Messages)
	return snap
}

// Set shallow-merges the patch into the state and schedules a notification.
func (s *Store) Set(p Patch) {
	s.mu.Lock()
	if p.IsStreaming != nil {
		s.st.IsStreaming = *p.IsStreaming
	}
	if p.IsInterrupting != nil {
		s.st.IsInterrupting = *p.IsInterrupting
	}
	if p.PreviewURL != nil {
		s.st.PreviewURL = *p.PreviewURL
	}
	if p.PreviewStatus != nil {
		s.st.PreviewStatus = *p.PreviewStatus
	}
	if p.DeploymentID != nil {
		s.st.DeploymentID = *p.DeploymentID
	}
	if p.Model != nil {
		s.st.Model = *p.Model
	}
	if p.CurrentIframeURL != nil {
		s.st.CurrentIframeURL = *p.CurrentIframeURL
	}
	if p.GitRepoFullName != nil {
		s.st.GitRepoFullName = *p.GitRepoFullName
	}
	s.mu.Unlock()
	s.signal()
}

// UpdateMessages replaces the message list with fn's result and schedules a
// notification. fn receives a copy and must return the full new list.
func (s *Store) UpdateMessages(fn func([]domain.Message) []domain.Message) {
	s.mu.Lock()
	in := make([]domain.Message, len(s.st.Messages))
	copy(in, s.st.Messages)
	s.st.Messages = fn(in)
	s.mu.Unlock()
	s.signal()
}

// Subscribe registers a change listener and returns its unsubscribe func.
// Listeners run on the notifier goroutine and must not block.
func (s *Store) Subscribe(fn func()) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Close stops the notifier goroutine. Pending writes remain readable via
// Get but no further notifications are delivered.
func (s *Store) Close() {
	s.once.Do(func() {
		close(s.done)
	})
}

func (s *Store) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) notifyLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			s.mu.Lock()
			fns := make([]func(), 0, len(s.listeners))
			for _, fn := range s.listeners {
				fns = append(fns, fn)
			}
			s.mu.Unlock()
			for _, fn := range fns {
				fn()
			}
		}
	}
}
