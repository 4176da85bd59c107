package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lexiqai/voice-pipeline/internal/audio"
	"github.com/lexiqai/voice-pipeline/internal/config"
	"github.com/lexiqai/voice-pipeline/internal/observability"
	"github.com/lexiqai/voice-pipeline/internal/resilience"
)

const cartesiaVersion = "2024-06-10"

// CartesiaClient implements Synthesizer using Cartesia's bytes endpoint
type CartesiaClient struct {
	apiKey         string
	apiURL         string
	voiceID        string
	modelID        string
	language       string
	sampleRate     int
	httpClient     *http.Client
	retry          *resilience.RetryConfig
	circuitBreaker *resilience.CircuitBreaker
}

// CartesiaRequest represents the request payload for Cartesia TTS API
type CartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        CartesiaVoice        `json:"voice"`
	OutputFormat CartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language,omitempty"`
}

// CartesiaVoice selects the voice by id
type CartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

// CartesiaOutputFormat is always raw little-endian PCM; conversion happens locally
type CartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// NewCartesiaClient creates a new Cartesia TTS client
func NewCartesiaClient(cfg *config.Config) *CartesiaClient {
	cb := resilience.NewCircuitBreaker(
		"cartesia",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	cb.OnStateChange(func(name string, state resilience.CircuitState, success bool) {
		observability.UpdateCircuitBreakerState(name, int(state))
		if !success {
			observability.IncrementCircuitBreakerFailures(name)
		}
	})

	retry := resilience.DefaultRetryConfig()
	if cfg.RetryMaxAttempts > 0 {
		retry.MaxAttempts = cfg.RetryMaxAttempts
	}
	if cfg.RetryInitialBackoff > 0 {
		retry.InitialBackoff = config.Millis(cfg.RetryInitialBackoff)
	}

	sampleRate := cfg.CartesiaSampleRate
	if sampleRate <= 0 {
		sampleRate = 24000
	}

	return &CartesiaClient{
		apiKey:         cfg.CartesiaAPIKey,
		apiURL:         cfg.CartesiaURL,
		voiceID:        cfg.CartesiaVoiceID,
		modelID:        cfg.CartesiaModelID,
		language:       cfg.STTLanguage,
		sampleRate:     sampleRate,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		retry:          retry,
		circuitBreaker: cb,
	}
}

// Name implements Synthesizer
func (c *CartesiaClient) Name() string {
	return "cartesia"
}

// Ready reports whether the breaker currently lets requests through
func (c *CartesiaClient) Ready(ctx context.Context) (bool, error) {
	if c.circuitBreaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return c.apiKey != "", nil
}

// Synthesize converts text to audio in the requested output format
func (c *CartesiaClient) Synthesize(ctx context.Context, text string, out audio.Format) (*Audio, error) {
	if text == "" {
		return nil, fmt.Errorf("empty synthesis text")
	}

	var pcm []byte
	err := c.circuitBreaker.Call(func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			data, err := c.request(ctx, text)
			if err != nil {
				return err
			}
			pcm = data
			return nil
		}, c.retry, resilience.IsRetryableNetworkError)
	})
	if err != nil {
		return nil, fmt.Errorf("cartesia synthesis failed: %w", err)
	}

	if out.SampleRate == 0 && out.Encoding == "" {
		out = audio.Format{Encoding: audio.EncodingLinear16, SampleRate: c.sampleRate}
	}
	if out.Encoding == "" {
		out.Encoding = audio.EncodingLinear16
	}
	if out.SampleRate == 0 {
		out.SampleRate = c.sampleRate
	}
	out.Channels = 1

	data, err := audio.Convert(pcm, c.sampleRate, out)
	if err != nil {
		return nil, fmt.Errorf("failed to convert synthesized audio: %w", err)
	}

	log.Debug().
		Int("pcm_bytes", len(pcm)).
		Int("out_bytes", len(data)).
		Str("encoding", out.Encoding).
		Int("sample_rate", out.SampleRate).
		Msg("Cartesia synthesis complete")

	return &Audio{Data: data, Format: out, Text: text}, nil
}

func (c *CartesiaClient) request(ctx context.Context, text string) ([]byte, error) {
	reqBody := CartesiaRequest{
		ModelID:    c.modelID,
		Transcript: text,
		Voice:      CartesiaVoice{Mode: "id", ID: c.voiceID},
		OutputFormat: CartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: c.sampleRate,
		},
		Language: c.language,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := fmt.Errorf("cartesia API returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, resilience.NewRetryableError(statusErr)
		}
		return nil, statusErr
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	if len(audioData) == 0 {
		return nil, fmt.Errorf("cartesia returned empty audio data")
	}
	if len(audioData)%2 != 0 {
		audioData = audioData[:len(audioData)-1]
	}
	return audioData, nil
}
