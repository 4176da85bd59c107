package stt

import (
	"context"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog/log"
)

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler // Embed default handler for methods we don't override
	events                                 StreamEvents
}

// Message forwards transcription results as hypotheses
func (m *messageCallbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	if h, ok := hypothesisFromDeepgram(msg); ok {
		m.events.hypothesis(h)
	}
	return nil
}

// Error reports upstream errors; the adapter decides whether to reconnect
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.events.error(fmt.Errorf("deepgram error: %+v", errorResponse))
	return nil
}

// Close fires when Deepgram closes the socket, including its idle timeout
func (m *messageCallbackHandler) Close(closeResponse *msginterfaces.CloseResponse) error {
	m.events.closed()
	return nil
}

func hypothesisFromDeepgram(msg *msginterfaces.MessageResponse) (Hypothesis, bool) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return Hypothesis{}, false
	}

	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return Hypothesis{}, false
	}

	return Hypothesis{
		Text:       alt.Transcript,
		IsFinal:    msg.IsFinal,
		Confidence: alt.Confidence,
		ReceivedAt: time.Now(),
	}, true
}

// DeepgramProvider opens live transcription sockets against Deepgram
type DeepgramProvider struct {
	apiKey string
	model  string
}

// NewDeepgramProvider creates a Deepgram recognizer provider
func NewDeepgramProvider(apiKey, model string) *DeepgramProvider {
	return &DeepgramProvider{apiKey: apiKey, model: model}
}

// Name implements Provider
func (d *DeepgramProvider) Name() string {
	return "deepgram"
}

// OpenStream implements Provider
func (d *DeepgramProvider) OpenStream(ctx context.Context, cfg StreamConfig, events StreamEvents) (Stream, error) {
	// Create Deepgram transcription options (v3 API)
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.model,
		Language:       cfg.Language,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000", // string in v3
		VadEvents:      true,
		Encoding:       cfg.Encoding,
		Channels:       cfg.Channels,
		SampleRate:     cfg.SampleRate,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		events:                 events,
	}

	client, err := listenClient.NewWSUsingCallback(ctx, d.apiKey, nil, tOptions, callback)
	if err != nil {
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}

	if !client.Connect() {
		return nil, fmt.Errorf("failed to connect to Deepgram")
	}

	log.Debug().
		Str("model", d.model).
		Str("language", cfg.Language).
		Str("encoding", cfg.Encoding).
		Int("sample_rate", cfg.SampleRate).
		Msg("Deepgram stream connected")

	return &deepgramStream{client: client}, nil
}

type deepgramStream struct {
	client *listenClient.WSCallback
	once   sync.Once
}

type deepgramControl struct {
	Type string `json:"type"`
}

// Send writes raw audio to the socket
func (s *deepgramStream) Send(chunk []byte) error {
	if _, err := s.client.Write(chunk); err != nil {
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

// KeepAlive sends the KeepAlive control message Deepgram expects during silence
func (s *deepgramStream) KeepAlive() error {
	if err := s.client.WriteJSON(deepgramControl{Type: "KeepAlive"}); err != nil {
		return fmt.Errorf("failed to send Deepgram keep-alive: %w", err)
	}
	return nil
}

// Close asks Deepgram to flush and closes the socket
func (s *deepgramStream) Close() error {
	s.once.Do(func() {
		s.client.Finish()
	})
	return nil
}
