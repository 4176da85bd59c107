package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistry_GetUnknown(t *testing.T) {
	r := New()
	if _, ok := r.Get("missing"); ok {
		t.Error("Expected unknown session to be absent")
	}
}

func TestRegistry_Upsert(t *testing.T) {
	r := New()

	s, err := r.Upsert("sess-1", func(s *Session) {
		s.LastFinalizedTranscript = "Quiero reservar una habitación."
	})
	if err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if s.SessionID != "sess-1" {
		t.Errorf("Expected SessionID sess-1, got %q", s.SessionID)
	}
	if s.CreatedAt.IsZero() || s.LastUpdatedAt.IsZero() {
		t.Error("Expected timestamps to be set")
	}

	got, ok := r.Get("sess-1")
	if !ok {
		t.Fatal("Expected session to exist")
	}
	if got.LastFinalizedTranscript != "Quiero reservar una habitación." {
		t.Errorf("unexpected transcript %q", got.LastFinalizedTranscript)
	}
}

func TestRegistry_UpsertEmptyID(t *testing.T) {
	r := New()
	if _, err := r.Upsert("", nil); err != ErrEmptySessionID {
		t.Errorf("Expected ErrEmptySessionID, got %v", err)
	}
}

func TestRegistry_GreetingMonotonic(t *testing.T) {
	r := New()
	r.Upsert("sess-1", func(s *Session) { s.GreetingSent = true })
	s, _ := r.Upsert("sess-1", func(s *Session) { s.GreetingSent = false })
	if !s.GreetingSent {
		t.Error("Expected GreetingSent to stay true")
	}
}

func TestRegistry_Bind(t *testing.T) {
	r := New()

	s, resumed, err := r.Bind("sess-1", "agent-a")
	if err != nil {
		t.Fatalf("Bind() failed: %v", err)
	}
	if resumed {
		t.Error("Expected first bind to create the session")
	}
	if s.BoundAgentID != "agent-a" || !s.LastReconnectedAt.IsZero() {
		t.Errorf("unexpected session after create: %+v", s)
	}

	r.RecordExchange("sess-1", "¿Tienen parking?", "Sí, tenemos parking gratuito.", time.Now())

	s, resumed, err = r.Bind("sess-1", "agent-b")
	if err != nil {
		t.Fatalf("Bind() failed: %v", err)
	}
	if !resumed {
		t.Error("Expected second bind to resume")
	}
	if s.BoundAgentID != "agent-b" {
		t.Errorf("Expected rebind to agent-b, got %q", s.BoundAgentID)
	}
	if s.LastReconnectedAt.IsZero() {
		t.Error("Expected LastReconnectedAt on resume")
	}
	if s.LastAgentResponse != "Sí, tenemos parking gratuito." {
		t.Errorf("Expected last response to survive rebind, got %q", s.LastAgentResponse)
	}
}

func TestRegistry_ClaimGreetingOnce(t *testing.T) {
	r := New()
	const workers = 50

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.ClaimGreeting("sess-1")
			if err != nil {
				t.Errorf("ClaimGreeting() failed: %v", err)
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly one greeting claim, got %d", wins)
	}
}

func TestRegistry_ConcurrentUpsertIsAtomic(t *testing.T) {
	r := New()
	const workers, perWorker = 20, 100

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				r.Upsert("counter", func(s *Session) {
					var n int
					fmt.Sscanf(s.LastAgentResponse, "%d", &n)
					s.LastAgentResponse = fmt.Sprint(n + 1)
				})
			}
		}()
	}
	wg.Wait()

	s, _ := r.Get("counter")
	if s.LastAgentResponse != fmt.Sprint(workers*perWorker) {
		t.Errorf("Expected %d increments, got %s", workers*perWorker, s.LastAgentResponse)
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 session, got %d", r.Len())
	}
}
