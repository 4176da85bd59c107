package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog/log"
)

// GoogleProvider implements Provider using Google Cloud Speech-to-Text.
// Requires GOOGLE_APPLICATION_CREDENTIALS to be set.
type GoogleProvider struct {
	client       *speech.Client
	languageCode string
}

// NewGoogleProvider creates the shared Speech client.
func NewGoogleProvider(ctx context.Context, languageCode string) (*GoogleProvider, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google Speech client: %w", err)
	}
	return &GoogleProvider{client: c, languageCode: languageCode}, nil
}

// Name implements Provider
func (g *GoogleProvider) Name() string {
	return "google"
}

// Close releases the Speech client.
func (g *GoogleProvider) Close() error {
	return g.client.Close()
}

func googleEncoding(enc string) speechpb.RecognitionConfig_AudioEncoding {
	if enc == "mulaw" {
		return speechpb.RecognitionConfig_MULAW
	}
	return speechpb.RecognitionConfig_LINEAR16
}

// OpenStream starts a streaming recognition session and sends the config first.
func (g *GoogleProvider) OpenStream(ctx context.Context, cfg StreamConfig, events StreamEvents) (Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	rpc, err := g.client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open Google stream: %w", err)
	}

	language := g.languageCode
	if language == "" {
		language = cfg.Language
	}

	err = rpc.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   googleEncoding(cfg.Encoding),
					SampleRateHertz:            int32(cfg.SampleRate),
					AudioChannelCount:          int32(cfg.Channels),
					LanguageCode:               language,
					EnableAutomaticPunctuation: true,
				},
				InterimResults: true,
			},
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to send Google streaming config: %w", err)
	}

	s := &googleStream{rpc: rpc, cancel: cancel, cfg: cfg}
	go s.listen(streamCtx, events)
	return s, nil
}

type googleStream struct {
	rpc    speechpb.Speech_StreamingRecognizeClient
	cancel context.CancelFunc
	cfg    StreamConfig

	sendMu sync.Mutex
	once   sync.Once
}

// Send sends audio bytes to Google Speech-to-Text.
func (s *googleStream) Send(chunk []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.rpc.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: chunk,
		},
	})
}

// KeepAlive sends 100ms of silence; Google has no control message for it.
func (s *googleStream) KeepAlive() error {
	channels := s.cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	samples := s.cfg.SampleRate / 10 * channels

	var silence []byte
	if s.cfg.Encoding == "mulaw" {
		silence = make([]byte, samples)
		for i := range silence {
			silence[i] = 0xFF
		}
	} else {
		silence = make([]byte, samples*2)
	}
	return s.Send(silence)
}

// Close ends the streaming session.
func (s *googleStream) Close() error {
	var err error
	s.once.Do(func() {
		s.sendMu.Lock()
		err = s.rpc.CloseSend()
		s.sendMu.Unlock()
		s.cancel()
	})
	return err
}

// listen receives transcript responses until the stream ends.
func (s *googleStream) listen(ctx context.Context, events StreamEvents) {
	for {
		resp, err := s.rpc.Recv()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				// closed by us
			case errors.Is(err, io.EOF):
				events.closed()
			default:
				events.error(fmt.Errorf("google recognizer: %w", err))
			}
			return
		}

		if resp.Error != nil {
			log.Warn().Str("message", resp.Error.GetMessage()).Msg("Google recognizer returned an error status")
		}

		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			alt := r.Alternatives[0]
			events.hypothesis(Hypothesis{
				Text:       alt.Transcript,
				IsFinal:    r.IsFinal,
				Confidence: float64(alt.Confidence),
				ReceivedAt: time.Now(),
			})
		}
	}
}
