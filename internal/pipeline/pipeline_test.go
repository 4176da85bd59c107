package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/voice-pipeline/internal/audio"
	"github.com/lexiqai/voice-pipeline/internal/completion"
	"github.com/lexiqai/voice-pipeline/internal/history"
	"github.com/lexiqai/voice-pipeline/internal/protocol"
	"github.com/lexiqai/voice-pipeline/internal/speculative"
	"github.com/lexiqai/voice-pipeline/internal/stt"
	"github.com/lexiqai/voice-pipeline/internal/transport"
	"github.com/lexiqai/voice-pipeline/internal/tts"
)

const testGreeting = "¡Hola! Soy Sandra, ¿en qué puedo ayudarte?"

type fakeConn struct {
	id   string
	mu   sync.Mutex
	msgs []protocol.Outbound
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg protocol.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) messages(typ string) []protocol.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Outbound
	for _, m := range c.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type fakeStream struct {
	mu     sync.Mutex
	frames int
	events stt.StreamEvents
}

func (s *fakeStream) Send(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	return nil
}

func (s *fakeStream) KeepAlive() error { return nil }
func (s *fakeStream) Close() error     { return nil }

func (s *fakeStream) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

type fakeRecognizer struct {
	mu      sync.Mutex
	streams []*fakeStream
	configs []stt.StreamConfig
}

func (r *fakeRecognizer) Name() string { return "fake" }

func (r *fakeRecognizer) OpenStream(ctx context.Context, cfg stt.StreamConfig, events stt.StreamEvents) (stt.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &fakeStream{events: events}
	r.streams = append(r.streams, s)
	r.configs = append(r.configs, cfg)
	return s, nil
}

func (r *fakeRecognizer) stream(i int) *fakeStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.streams) {
		return nil
	}
	return r.streams[i]
}

func (r *fakeRecognizer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

type fakeCompletion struct {
	mu        sync.Mutex
	calls     []completion.Request
	responses map[string]string
	failures  map[string]error
	gates     map[string]chan struct{}
	finished  map[string]int
	cancelled map[string]int
}

func newFakeCompletion() *fakeCompletion {
	return &fakeCompletion{
		responses: make(map[string]string),
		failures:  make(map[string]error),
		gates:     make(map[string]chan struct{}),
		finished:  make(map[string]int),
		cancelled: make(map[string]int),
	}
}

func (f *fakeCompletion) Name() string { return "fake" }

func (f *fakeCompletion) Complete(ctx context.Context, req completion.Request) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	gate := f.gates[req.Utterance]
	resp, ok := f.responses[req.Utterance]
	failure := f.failures[req.Utterance]
	delete(f.failures, req.Utterance)
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			f.mu.Lock()
			f.cancelled[req.Utterance]++
			f.mu.Unlock()
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	f.finished[req.Utterance]++
	f.mu.Unlock()

	if failure != nil {
		return "", failure
	}
	if !ok {
		resp = reply(req.Utterance)
	}
	return resp, nil
}

func (f *fakeCompletion) requests() []completion.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]completion.Request(nil), f.calls...)
}

func (f *fakeCompletion) finishedCount(utterance string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished[utterance]
}

func (f *fakeCompletion) cancelledCount(utterance string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[utterance]
}

func reply(utterance string) string {
	return "Respuesta a: " + utterance
}

type fakeSynthesizer struct{}

func (fakeSynthesizer) Name() string { return "fake" }

func (fakeSynthesizer) Synthesize(ctx context.Context, text string, out audio.Format) (*tts.Audio, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tts.Audio{Data: []byte(text), Format: out, Text: text}, nil
}

type harness struct {
	t     *testing.T
	o     *Orchestrator
	rec   *fakeRecognizer
	llm   *fakeCompletion
	store *history.MemoryStore
	n     int
}

func newHarness(t *testing.T, speculate bool) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		rec:   &fakeRecognizer{},
		llm:   newFakeCompletion(),
		store: history.NewMemoryStore(0),
	}
	h.o = New(Dependencies{
		Recognizer:  h.rec,
		Completion:  h.llm,
		Synthesizer: fakeSynthesizer{},
		History:     h.store,
	}, Options{
		Stream:       stt.StreamConfig{SampleRate: 16000, Encoding: "linear16", Channels: 1, Language: "es"},
		Recognizer:   stt.Options{Cooldown: 10 * time.Millisecond, MaxCooldown: 50 * time.Millisecond},
		Speculation:  speculative.Policy{Enabled: speculate, Interval: time.Millisecond},
		GreetingText: testGreeting,
	})
	return h
}

type client struct {
	t      *testing.T
	h      *harness
	conn   *fakeConn
	peer   transport.Peer
	idx    int
	stream *fakeStream
}

func (h *harness) connect() *client {
	h.n++
	c := &client{
		t:    h.t,
		h:    h,
		conn: &fakeConn{id: fmt.Sprintf("agent-%d", h.n)},
		idx:  h.rec.count(),
	}
	c.peer = h.o.OnConnect(c.conn)
	h.t.Cleanup(c.disconnect)
	return c
}

func (c *client) disconnect() {
	c.peer.OnDisconnect()
}

func (c *client) control(typ, sessionID string) {
	c.peer.OnControlMessage(protocol.Inbound{Type: typ, SessionID: sessionID})
}

// audio sends one frame and waits until the recognizer has it, which
// also means every earlier event of the connection has been handled.
func (c *client) audio() {
	c.t.Helper()
	before := 0
	if c.stream != nil {
		before = c.stream.count()
	}
	c.peer.OnAudioFrame(protocol.AudioFrame([]byte{0, 0, 0, 0}))
	if c.stream == nil {
		waitFor(c.t, func() bool { return c.h.rec.stream(c.idx) != nil })
		c.stream = c.h.rec.stream(c.idx)
	}
	waitFor(c.t, func() bool { return c.stream.count() > before })
}

func (c *client) hypothesis(text string, final bool) {
	c.t.Helper()
	if c.stream == nil {
		c.audio()
	}
	c.stream.events.OnHypothesis(stt.Hypothesis{Text: text, IsFinal: final})
}

func (c *client) interim(text string) { c.hypothesis(text, false) }
func (c *client) final(text string)   { c.hypothesis(text, true) }

func (c *client) sessionID() string {
	c.t.Helper()
	waitFor(c.t, func() bool { return len(c.conn.messages(protocol.TypeSession)) > 0 })
	msgs := c.conn.messages(protocol.TypeSession)
	return msgs[len(msgs)-1].SessionID
}

func (c *client) replies(n int) []protocol.Outbound {
	c.t.Helper()
	waitFor(c.t, func() bool { return len(c.conn.messages(protocol.TypeSynthesizedAudio)) >= n })
	return c.conn.messages(protocol.TypeSynthesizedAudio)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestGreeting_OncePerSession(t *testing.T) {
	h := newHarness(t, false)

	first := h.connect()
	first.control(protocol.TypeReady, "")
	id := first.sessionID()

	got := first.replies(1)
	if got[0].Text != testGreeting {
		t.Errorf("Expected greeting %q, got %q", testGreeting, got[0].Text)
	}
	if got[0].Sequence != 1 {
		t.Errorf("Expected greeting sequence 1, got %d", got[0].Sequence)
	}
	first.disconnect()

	for i := 0; i < 3; i++ {
		c := h.connect()
		c.control(protocol.TypeResumeSession, id)
		c.control(protocol.TypeReady, "")
		c.audio()
		c.disconnect()

		if n := len(c.conn.messages(protocol.TypeSynthesizedAudio)); n != 0 {
			t.Errorf("Resume %d: expected no greeting, got %d audio messages", i, n)
		}
		sessions := c.conn.messages(protocol.TypeSession)
		if len(sessions) != 1 || !sessions[0].Resumed || sessions[0].SessionID != id {
			t.Errorf("Resume %d: unexpected session messages %+v", i, sessions)
		}
	}
}

func TestResume_UnknownSessionIsCreated(t *testing.T) {
	h := newHarness(t, false)

	c := h.connect()
	c.control(protocol.TypeResumeSession, "call-42")

	if id := c.sessionID(); id != "call-42" {
		t.Errorf("Expected session call-42, got %s", id)
	}
	if msgs := c.conn.messages(protocol.TypeSession); msgs[0].Resumed {
		t.Error("Expected a new session not to be reported as resumed")
	}
	if _, ok := h.o.deps.Registry.Get("call-42"); !ok {
		t.Error("Expected session to be registered")
	}
}

func TestAudio_BindsSessionWithoutGreeting(t *testing.T) {
	h := newHarness(t, false)

	c := h.connect()
	c.peer.OnAudioFrame(protocol.Inbound{Type: protocol.TypeAudio, Audio: []byte{1, 2}, SampleRate: 8000, Encoding: "mulaw", SessionID: "call-7"})
	waitFor(t, func() bool { return h.rec.count() == 1 })

	if id := c.sessionID(); id != "call-7" {
		t.Errorf("Expected session call-7, got %s", id)
	}
	h.rec.mu.Lock()
	cfg := h.rec.configs[0]
	h.rec.mu.Unlock()
	if cfg.Encoding != "mulaw" || cfg.SampleRate != 8000 || cfg.Channels != 1 {
		t.Errorf("Expected recognizer opened with the frame format, got %+v", cfg)
	}

	c.disconnect()
	if n := len(c.conn.messages(protocol.TypeSynthesizedAudio)); n != 0 {
		t.Errorf("Expected no greeting, got %d audio messages", n)
	}
}

func TestFinal_Rejections(t *testing.T) {
	tests := []string{"Hola.", "sí", "vale gracias", "   "}

	for _, text := range tests {
		t.Run(text, func(t *testing.T) {
			h := newHarness(t, false)
			c := h.connect()
			c.final(text)
			c.audio()
			c.disconnect()

			if n := len(h.llm.requests()); n != 0 {
				t.Errorf("Expected no completion for %q, got %d", text, n)
			}
			if n := len(c.conn.messages(protocol.TypeFinalTranscript)); n != 0 {
				t.Errorf("Expected no final transcript for %q, got %d", text, n)
			}
		})
	}
}

func TestFinal_DuplicateAnsweredOnce(t *testing.T) {
	h := newHarness(t, false)
	c := h.connect()

	c.final("Quiero reservar una mesa para dos personas.")
	c.final("Quiero reservar una mesa para dos personas.")
	c.final("Quiero reservar una mesa para dos personas por favor.")
	c.audio()

	replies := c.replies(1)
	c.disconnect()

	if n := len(h.llm.requests()); n != 1 {
		t.Errorf("Expected 1 completion call, got %d", n)
	}
	if n := len(c.conn.messages(protocol.TypeSynthesizedAudio)); n != 1 {
		t.Errorf("Expected 1 reply, got %d", n)
	}
	if replies[0].Text != reply("Quiero reservar una mesa para dos personas.") {
		t.Errorf("Unexpected reply %q", replies[0].Text)
	}
}

func TestInterim_ForwardedOncePerText(t *testing.T) {
	h := newHarness(t, false)
	c := h.connect()

	c.interim("quiero")
	c.interim("quiero")
	c.interim("quiero reservar")
	c.audio()

	msgs := c.conn.messages(protocol.TypeInterimTranscript)
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 interim messages, got %d", len(msgs))
	}
	if msgs[1].Text != "quiero reservar" {
		t.Errorf("Expected latest interim text, got %q", msgs[1].Text)
	}
}

func TestSpeculation_HitUsesSingleCall(t *testing.T) {
	h := newHarness(t, true)
	c := h.connect()
	text := "Quiero reservar una mesa para dos personas."

	c.interim(text)
	waitFor(t, func() bool { return h.llm.finishedCount(text) == 1 })
	c.final(text)

	replies := c.replies(1)
	c.disconnect()

	if n := len(h.llm.requests()); n != 1 {
		t.Errorf("Expected exactly 1 completion call, got %d", n)
	}
	if replies[0].Text != reply(text) {
		t.Errorf("Unexpected reply %q", replies[0].Text)
	}
}

func TestSpeculation_MissIsCancelledAndNeverEmitted(t *testing.T) {
	h := newHarness(t, true)
	speculated := "Quiero reservar una mesa para dos personas."
	final := "Necesito cambiar la hora de mi reserva, por favor."
	h.llm.gates[speculated] = make(chan struct{})

	c := h.connect()
	c.interim(speculated)
	waitFor(t, func() bool { return len(h.llm.requests()) == 1 })
	c.final(final)

	replies := c.replies(1)
	waitFor(t, func() bool { return h.llm.cancelledCount(speculated) == 1 })
	c.disconnect()

	if n := len(c.conn.messages(protocol.TypeSynthesizedAudio)); n != 1 {
		t.Fatalf("Expected 1 reply, got %d", n)
	}
	if replies[0].Text != reply(final) {
		t.Errorf("Expected reply to the final transcript, got %q", replies[0].Text)
	}
}

func TestSpeculation_SupersededNeverConsumed(t *testing.T) {
	h := newHarness(t, true)
	first := "Quiero reservar una mesa para dos personas."
	second := "Quiero reservar una mesa para tres personas."
	h.llm.gates[first] = make(chan struct{})

	c := h.connect()
	c.interim(first)
	waitFor(t, func() bool { return len(h.llm.requests()) == 1 })
	time.Sleep(5 * time.Millisecond)
	c.interim(second)
	waitFor(t, func() bool { return h.llm.cancelledCount(first) == 1 })
	waitFor(t, func() bool { return h.llm.finishedCount(second) == 1 })

	c.final(second)
	replies := c.replies(1)
	c.disconnect()

	if n := len(h.llm.requests()); n != 2 {
		t.Errorf("Expected 2 completion calls, got %d", n)
	}
	if n := len(c.conn.messages(protocol.TypeSynthesizedAudio)); n != 1 {
		t.Errorf("Expected 1 reply, got %d", n)
	}
	if replies[0].Text != reply(second) {
		t.Errorf("Unexpected reply %q", replies[0].Text)
	}
}

func TestExchange_EmittedInOrder(t *testing.T) {
	h := newHarness(t, false)
	t1 := "Quiero reservar una mesa para dos personas."
	t2 := "Y también quisiera pedir una tarta de cumpleaños."
	gate := make(chan struct{})
	h.llm.gates[t1] = gate

	c := h.connect()
	c.final(t1)
	waitFor(t, func() bool { return len(h.llm.requests()) == 1 })
	c.final(t2)
	waitFor(t, func() bool { return h.llm.finishedCount(t2) == 1 })

	conn := c.peer.(*Connection)
	waitFor(t, func() bool { return conn.emitter.waiting() == 1 })
	if n := len(c.conn.messages(protocol.TypeSynthesizedAudio)); n != 0 {
		t.Fatalf("Expected the second reply to wait for the first, got %d replies", n)
	}

	close(gate)
	replies := c.replies(2)
	c.disconnect()

	if replies[0].Text != reply(t1) || replies[1].Text != reply(t2) {
		t.Errorf("Replies out of order: %q, %q", replies[0].Text, replies[1].Text)
	}
	if replies[0].Sequence >= replies[1].Sequence {
		t.Errorf("Expected ascending sequences, got %d then %d", replies[0].Sequence, replies[1].Sequence)
	}
}

func TestExchange_ProviderErrorDoesNotStall(t *testing.T) {
	h := newHarness(t, false)
	failing := "Quiero reservar una mesa para dos personas."
	next := "Necesito cambiar la hora de mi reserva, por favor."
	h.llm.failures[failing] = errors.New("upstream unavailable")

	c := h.connect()
	c.final(failing)
	waitFor(t, func() bool { return len(c.conn.messages(protocol.TypeError)) == 1 })

	errs := c.conn.messages(protocol.TypeError)
	if errs[0].Error.Kind != protocol.ErrorCompletionFailed {
		t.Errorf("Expected completion_failed, got %s", errs[0].Error.Kind)
	}

	c.final(next)
	replies := c.replies(1)
	c.disconnect()

	if replies[0].Text != reply(next) {
		t.Errorf("Unexpected reply %q", replies[0].Text)
	}
}

func TestReconnect_ContinuesConversation(t *testing.T) {
	h := newHarness(t, false)
	booking := "Quiero reservar para mañana a las ocho."
	thanks := "Perfecto, muchas gracias por todo."
	h.llm.responses[booking] = "¡Reserva confirmada!"

	first := h.connect()
	first.control(protocol.TypeReady, "")
	id := first.sessionID()
	first.replies(1)
	first.final(booking)
	first.replies(2)
	first.disconnect()

	second := h.connect()
	second.control(protocol.TypeResumeSession, id)
	second.control(protocol.TypeReady, "")
	second.final(thanks)
	replies := second.replies(1)
	second.disconnect()

	if n := len(second.conn.messages(protocol.TypeSynthesizedAudio)); n != 1 {
		t.Errorf("Expected only the reply after resuming, got %d audio messages", n)
	}
	if replies[0].Text != reply(thanks) {
		t.Errorf("Unexpected reply %q", replies[0].Text)
	}

	reqs := h.llm.requests()
	last := reqs[len(reqs)-1]
	if last.Utterance != thanks {
		t.Fatalf("Expected last request for %q, got %q", thanks, last.Utterance)
	}
	if last.PriorResponse != "¡Reserva confirmada!" {
		t.Errorf("Expected prior response to carry over, got %q", last.PriorResponse)
	}
	if last.PriorTranscript != booking {
		t.Errorf("Expected prior transcript %q, got %q", booking, last.PriorTranscript)
	}
	if len(last.History) != 1 || last.History[0].Response != "¡Reserva confirmada!" {
		t.Errorf("Expected stored history to be loaded, got %+v", last.History)
	}

	stored, err := h.store.Recent(context.Background(), id, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("Expected 2 stored exchanges, got %d", len(stored))
	}
}

func TestEmitter_ReleasesInSequence(t *testing.T) {
	var got []uint64
	e := newEmitter(1, func(r result) { got = append(got, r.seq) })

	e.submit(result{seq: 3})
	e.submit(result{seq: 2})
	if len(got) != 0 {
		t.Fatalf("Expected nothing delivered before sequence 1, got %v", got)
	}
	if e.waiting() != 2 {
		t.Errorf("Expected 2 waiting, got %d", e.waiting())
	}

	e.submit(result{seq: 1})
	want := []uint64{1, 2, 3}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if e.waiting() != 0 {
		t.Errorf("Expected nothing waiting, got %d", e.waiting())
	}
}

func TestConnContext_HistoryWindow(t *testing.T) {
	cc := newConnContext("agent", audio.Format{Encoding: audio.EncodingLinear16, SampleRate: 16000, Channels: 1}, 2)
	for i := 0; i < 4; i++ {
		cc.remember(completion.Turn{Utterance: fmt.Sprint(i), Response: fmt.Sprint(i)})
	}

	req := cc.request("ahora")
	if len(req.History) != 2 || req.History[0].Utterance != "2" || req.History[1].Utterance != "3" {
		t.Errorf("Expected the two most recent turns, got %+v", req.History)
	}
}
