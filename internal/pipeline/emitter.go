package pipeline

import (
	"sync"
	"time"

	"github.com/lexiqai/voice-pipeline/internal/observability"
	"github.com/lexiqai/voice-pipeline/internal/protocol"
	"github.com/lexiqai/voice-pipeline/internal/tts"
)

type resultKind int

const (
	kindExchange resultKind = iota
	kindGreeting
)

// result is the outcome of one sequenced unit of output
type result struct {
	seq         uint64
	kind        resultKind
	sessionID   string
	transcript  string
	response    string
	audio       *tts.Audio
	speculative bool
	err         error
	errKind     protocol.ErrorKind
	cancelled   bool
	trace       trace
}

// trace holds the stage timestamps of one exchange
type trace struct {
	finalAt         time.Time
	completionStart time.Time
	completionEnd   time.Time
	synthesisStart  time.Time
	synthesisEnd    time.Time
	emittedAt       time.Time
}

func (t trace) observe(m *observability.Metrics) {
	if !t.completionEnd.IsZero() {
		m.RecordStage("completion", t.completionEnd.Sub(t.completionStart))
	}
	if !t.synthesisEnd.IsZero() {
		m.RecordStage("synthesis", t.synthesisEnd.Sub(t.synthesisStart))
	}
	if !t.finalAt.IsZero() && !t.emittedAt.IsZero() {
		m.RecordStage("turnaround", t.emittedAt.Sub(t.finalAt))
	}
}

// emitter releases results strictly in sequence order. A result that
// finishes early waits until every earlier one has been delivered.
type emitter struct {
	mu      sync.Mutex
	next    uint64
	ready   map[uint64]result
	deliver func(result)
}

func newEmitter(first uint64, deliver func(result)) *emitter {
	return &emitter{next: first, ready: make(map[uint64]result), deliver: deliver}
}

// submit must be called exactly once per sequence number
func (e *emitter) submit(r result) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ready[r.seq] = r
	for {
		next, ok := e.ready[e.next]
		if !ok {
			return
		}
		delete(e.ready, e.next)
		e.next++
		e.deliver(next)
	}
}

// waiting returns how many results are held back
func (e *emitter) waiting() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ready)
}
