// Package session holds the SSE session state shared by the transport:
// the identifier of the single active session and the process-wide event
// id counter that survives reconnects.
package session

import (
	"sync"

	"github.com/google/uuid"
)

// GenerateSessionID creates a fresh unique session identifier.
func GenerateSessionID() string {
	return uuid.NewString()
}

// State is the process-wide SSE session singleton.
//
// There is at most one active SSE session. The event id counter is shared
// across sessions: it is deliberately not reset on disconnect, so that a
// later session can resume a sequence started by an earlier one via
// Last-Event-ID. All methods are safe for concurrent use.
type State struct {
	mu        sync.Mutex
	sessionID string
	counter   int64
}

// NewState creates an empty session state with the counter at zero.
func NewState() *State {
	return &State{}
}

// Begin starts a session. If clientID is non-empty it is adopted verbatim,
// permitting externally coordinated session continuity; otherwise a fresh
// identifier is generated. The resolved session id is returned.
func (s *State) Begin(clientID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if clientID != "" {
		s.sessionID = clientID
	} else {
		s.sessionID = GenerateSessionID()
	}
	return s.sessionID
}

// Resume moves the event counter forward to lastEventID so the next emitted
// event continues the sequence. Values at or below the current counter are
// ignored: resumption never rewinds the sequence.
func (s *State) Resume(lastEventID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lastEventID > s.counter {
		s.counter = lastEventID
	}
}

// NextEventID increments and returns the event id counter.
func (s *State) NextEventID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	return s.counter
}

// CurrentEventID returns the counter without incrementing it.
func (s *State) CurrentEventID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// ID returns the active session id, or empty string when no session exists.
func (s *State) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Clear forgets the session id. The event counter is kept so a subsequent
// session can still honor a Last-Event-ID referencing ids issued before the
// disconnect.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = ""
}
