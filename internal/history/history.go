// Package history stores finalized exchanges per session and serves the
// recent window used as completion context.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/lexiqai/voice-pipeline/internal/completion"
)

// Exchange is one answered user utterance
type Exchange struct {
	SessionID   string    `json:"session_id"`
	AgentID     string    `json:"agent_id"`
	Transcript  string    `json:"transcript"`
	Response    string    `json:"response"`
	Speculative bool      `json:"speculative"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the conversation history collaborator
type Store interface {
	Append(ctx context.Context, ex Exchange) error
	// Recent returns up to n exchanges of the session, oldest first.
	Recent(ctx context.Context, sessionID string, n int) ([]Exchange, error)
	Ping(ctx context.Context) error
	Close()
}

// Turns converts exchanges into completion history
func Turns(exchanges []Exchange) []completion.Turn {
	turns := make([]completion.Turn, 0, len(exchanges))
	for _, ex := range exchanges {
		turns = append(turns, completion.Turn{Utterance: ex.Transcript, Response: ex.Response})
	}
	return turns
}

// MemoryStore keeps a bounded history per session in process memory
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Exchange
	limit    int
}

// NewMemoryStore keeps at most limit exchanges per session; limit <= 0
// keeps everything.
func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Exchange), limit: limit}
}

// Append implements Store
func (m *MemoryStore) Append(ctx context.Context, ex Exchange) error {
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	list := append(m.sessions[ex.SessionID], ex)
	if m.limit > 0 && len(list) > m.limit {
		list = append([]Exchange(nil), list[len(list)-m.limit:]...)
	}
	m.sessions[ex.SessionID] = list
	return nil
}

// Recent implements Store
func (m *MemoryStore) Recent(ctx context.Context, sessionID string, n int) ([]Exchange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.sessions[sessionID]
	if n > 0 && len(list) > n {
		list = list[len(list)-n:]
	}
	out := make([]Exchange, len(list))
	copy(out, list)
	return out, nil
}

// Ping implements Store
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close implements Store
func (m *MemoryStore) Close() {}
