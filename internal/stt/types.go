package stt

import (
	"context"
	"time"
)

// Hypothesis is one recognition result. It is never stored.
type Hypothesis struct {
	Text       string
	IsFinal    bool
	Confidence float64
	ReceivedAt time.Time
}

// StreamConfig describes the audio sent upstream.
type StreamConfig struct {
	SampleRate int
	Encoding   string // linear16 or mulaw
	Channels   int
	Language   string
}

// StreamEvents are invoked by a Stream from its receive goroutine.
type StreamEvents struct {
	OnHypothesis func(Hypothesis)
	OnError      func(error)
	OnClosed     func()
}

func (e StreamEvents) hypothesis(h Hypothesis) {
	if e.OnHypothesis != nil {
		e.OnHypothesis(h)
	}
}

func (e StreamEvents) error(err error) {
	if e.OnError != nil {
		e.OnError(err)
	}
}

func (e StreamEvents) closed() {
	if e.OnClosed != nil {
		e.OnClosed()
	}
}

// Provider opens streaming recognition sessions against one vendor.
type Provider interface {
	Name() string
	OpenStream(ctx context.Context, cfg StreamConfig, events StreamEvents) (Stream, error)
}

// Stream is one live upstream recognition connection. Send and KeepAlive
// must not invoke StreamEvents synchronously.
type Stream interface {
	Send(chunk []byte) error
	// KeepAlive tells the upstream the caller is still there during silence.
	KeepAlive() error
	Close() error
}

// Handler receives what the Adapter recognizes. Implementations must not
// block: they are called from upstream receive goroutines.
type Handler interface {
	OnInterim(h Hypothesis)
	OnFinal(h Hypothesis)
	OnError(err error)
	OnClosed()
}
