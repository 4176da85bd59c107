package pipeline

import (
	"time"

	"github.com/lexiqai/voice-pipeline/internal/audio"
	"github.com/lexiqai/voice-pipeline/internal/classifier"
	"github.com/lexiqai/voice-pipeline/internal/completion"
	"github.com/lexiqai/voice-pipeline/internal/stt"
)

// connContext is the Connection Context. Only the connection's worker
// goroutine touches it.
type connContext struct {
	agentID      string
	sessionID    string
	greetingSent bool

	recognizer *stt.Adapter
	inFormat   audio.Format
	outFormat  audio.Format

	isProcessing         bool
	processingTranscript string
	processingSeq        uint64

	lastInterimText   string
	lastInterimSentAt time.Time

	lastFinalizedTranscript string
	lastFinalizedAt         time.Time

	lastAgentResponse   string
	lastAgentResponseAt time.Time

	history []completion.Turn
	window  int
	nextSeq uint64
}

func newConnContext(agentID string, format audio.Format, window int) *connContext {
	return &connContext{
		agentID:   agentID,
		inFormat:  format,
		outFormat: audio.Format{Encoding: format.Encoding, SampleRate: format.SampleRate},
		window:    window,
	}
}

func (cc *connContext) classifierState() classifier.State {
	return classifier.State{
		GreetingSent:            cc.greetingSent,
		LastFinalizedTranscript: cc.lastFinalizedTranscript,
		LastFinalizedAt:         cc.lastFinalizedAt,
		LastAgentResponse:       cc.lastAgentResponse,
		LastAgentResponseAt:     cc.lastAgentResponseAt,
	}
}

// request builds the completion request for utterance from the current
// exchange context
func (cc *connContext) request(utterance string) completion.Request {
	hist := make([]completion.Turn, len(cc.history))
	copy(hist, cc.history)
	return completion.Request{
		SessionID:       cc.sessionID,
		Utterance:       utterance,
		PriorTranscript: cc.lastFinalizedTranscript,
		PriorResponse:   cc.lastAgentResponse,
		History:         hist,
	}
}

func (cc *connContext) remember(turn completion.Turn) {
	cc.history = append(cc.history, turn)
	if len(cc.history) > cc.window {
		cc.history = append([]completion.Turn(nil), cc.history[len(cc.history)-cc.window:]...)
	}
}

func (cc *connContext) seq() uint64 {
	cc.nextSeq++
	return cc.nextSeq
}

// negotiate adopts the format announced by the peer; zero fields keep
// the current value.
func (cc *connContext) negotiate(f audio.Format) {
	if f.Encoding != "" {
		cc.inFormat.Encoding = f.Encoding
	}
	if f.SampleRate > 0 {
		cc.inFormat.SampleRate = f.SampleRate
	}
	if f.Channels > 0 {
		cc.inFormat.Channels = f.Channels
	}
	cc.outFormat = audio.Format{Encoding: cc.inFormat.Encoding, SampleRate: cc.inFormat.SampleRate}
}
