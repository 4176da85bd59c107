// Package registry keeps conversation state per session id so a session
// survives transport reconnects.
package registry

import (
	"errors"
	"sync"
	"time"
)

// ErrEmptySessionID is returned when an operation is given an empty id.
var ErrEmptySessionID = errors.New("session id is required")

// Session is the durable-in-memory record of one logical conversation.
type Session struct {
	SessionID               string
	BoundAgentID            string
	GreetingSent            bool
	LastFinalizedTranscript string
	LastAgentResponse       string
	LastAgentResponseAt     time.Time
	CreatedAt               time.Time
	LastUpdatedAt           time.Time
	LastReconnectedAt       time.Time
}

type entry struct {
	mu      sync.Mutex
	session Session
}

// Registry maps session ids to sessions. Each record has its own lock;
// there is no lock across sessions.
type Registry struct {
	entries sync.Map // string -> *entry
	now     func() time.Time
}

// New creates an empty registry
func New() *Registry {
	return &Registry{now: time.Now}
}

func (r *Registry) load(id string) (*entry, bool) {
	e, ok := r.entries.Load(id)
	if !ok {
		return nil, false
	}
	return e.(*entry), true
}

func (r *Registry) loadOrCreate(id string) *entry {
	if e, ok := r.load(id); ok {
		return e
	}
	now := r.now()
	fresh := &entry{session: Session{SessionID: id, CreatedAt: now, LastUpdatedAt: now}}
	e, _ := r.entries.LoadOrStore(id, fresh)
	return e.(*entry)
}

// Get returns a copy of the session, if known
func (r *Registry) Get(id string) (Session, bool) {
	e, ok := r.load(id)
	if !ok {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, true
}

// Upsert creates the session if needed and applies patch to it inside the
// record's critical section. GreetingSent cannot be cleared by a patch.
// The updated copy is returned.
func (r *Registry) Upsert(id string, patch func(*Session)) (Session, error) {
	if id == "" {
		return Session{}, ErrEmptySessionID
	}
	e := r.loadOrCreate(id)

	e.mu.Lock()
	defer e.mu.Unlock()

	greeted := e.session.GreetingSent
	if patch != nil {
		patch(&e.session)
	}
	e.session.SessionID = id
	e.session.GreetingSent = e.session.GreetingSent || greeted
	e.session.LastUpdatedAt = r.now()
	return e.session, nil
}

// Bind attaches a session to a transport connection. resumed reports
// whether the session had been bound to a connection before.
func (r *Registry) Bind(id, agentID string) (s Session, resumed bool, err error) {
	s, err = r.Upsert(id, func(s *Session) {
		resumed = s.BoundAgentID != ""
		s.BoundAgentID = agentID
		if resumed {
			s.LastReconnectedAt = r.now()
		}
	})
	return s, resumed, err
}

// ClaimGreeting marks the greeting as sent and reports whether this caller
// won the claim. At most one caller ever wins per session.
func (r *Registry) ClaimGreeting(id string) (bool, error) {
	claimed := false
	_, err := r.Upsert(id, func(s *Session) {
		if !s.GreetingSent {
			s.GreetingSent = true
			claimed = true
		}
	})
	return claimed, err
}

// RecordExchange stores the latest finalized exchange of a session
func (r *Registry) RecordExchange(id, transcript, response string, at time.Time) (Session, error) {
	return r.Upsert(id, func(s *Session) {
		s.LastFinalizedTranscript = transcript
		s.LastAgentResponse = response
		s.LastAgentResponseAt = at
	})
}

// Len returns the number of known sessions
func (r *Registry) Len() int {
	n := 0
	r.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
