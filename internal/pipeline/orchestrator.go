// Package pipeline is the Session Orchestrator: it turns one connection's
// audio into recognized speech, answers accepted utterances and streams
// the synthesized replies back in order.
package pipeline

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-pipeline/internal/audio"
	"github.com/lexiqai/voice-pipeline/internal/classifier"
	"github.com/lexiqai/voice-pipeline/internal/completion"
	"github.com/lexiqai/voice-pipeline/internal/config"
	"github.com/lexiqai/voice-pipeline/internal/events"
	"github.com/lexiqai/voice-pipeline/internal/history"
	"github.com/lexiqai/voice-pipeline/internal/observability"
	"github.com/lexiqai/voice-pipeline/internal/registry"
	"github.com/lexiqai/voice-pipeline/internal/speculative"
	"github.com/lexiqai/voice-pipeline/internal/stt"
	"github.com/lexiqai/voice-pipeline/internal/transport"
	"github.com/lexiqai/voice-pipeline/internal/tts"
)

// Dependencies are the collaborators shared by every connection.
// Registry, Classifier, History and Events get in-memory or log-only
// defaults when nil.
type Dependencies struct {
	Registry    *registry.Registry
	Classifier  *classifier.Classifier
	Recognizer  stt.Provider
	Completion  completion.Provider
	Synthesizer tts.Synthesizer
	History     history.Store
	Events      *events.Publisher
}

// Options configure per-connection behavior
type Options struct {
	// Stream is the recognizer format used until the peer announces one
	Stream        stt.StreamConfig
	Recognizer    stt.Options
	Speculation   speculative.Policy
	GreetingText  string
	HistoryWindow int
	InboxSize     int
	StoreTimeout  time.Duration
}

// OptionsFromConfig builds Options from the service configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Stream: stt.StreamConfig{
			SampleRate: cfg.STTSampleRate,
			Encoding:   cfg.STTEncoding,
			Channels:   cfg.STTChannels,
			Language:   cfg.STTLanguage,
		},
		Recognizer: stt.Options{
			Cooldown:      config.Millis(cfg.RecognizerCooldown),
			MaxCooldown:   config.Millis(cfg.RecognizerMaxCooldown),
			KeepAlive:     config.Millis(cfg.RecognizerKeepAlive),
			PendingFrames: cfg.RecognizerPendingFrames,
		},
		Speculation: speculative.Policy{
			Enabled:  cfg.SpeculationEnabled,
			Interval: config.Millis(cfg.SpeculationInterval),
		},
		GreetingText:  cfg.GreetingText,
		HistoryWindow: cfg.HistoryWindow,
	}
}

// ClassifierThresholds maps the classifier settings onto Thresholds
func ClassifierThresholds(cfg *config.Config) classifier.Thresholds {
	th := classifier.DefaultThresholds()
	th.MinChars = cfg.ClassifierMinChars
	th.MinWords = cfg.ClassifierMinWords
	th.UnpunctuatedWords = cfg.ClassifierUnpunctuatedWords
	th.FragmentWords = cfg.ClassifierFragmentWords
	th.FragmentChars = cfg.ClassifierFragmentChars
	th.DuplicateWindow = config.Millis(cfg.ClassifierDuplicateWindow)
	th.EchoWindow = config.Millis(cfg.ClassifierEchoWindow)
	th.EchoSimilarity = cfg.ClassifierEchoSimilarity
	return th
}

func (o Options) withDefaults() Options {
	if o.Stream.SampleRate <= 0 {
		o.Stream.SampleRate = 16000
	}
	if o.Stream.Channels <= 0 {
		o.Stream.Channels = 1
	}
	if enc, err := audio.NormalizeEncoding(o.Stream.Encoding); err == nil {
		o.Stream.Encoding = enc
	} else {
		o.Stream.Encoding = audio.EncodingLinear16
	}
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = 10
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 256
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	return o
}

// Orchestrator accepts transport connections and runs one worker per
// connection.
type Orchestrator struct {
	deps   Dependencies
	opts   Options
	logger zerolog.Logger
}

// New creates the orchestrator
func New(deps Dependencies, opts Options) *Orchestrator {
	if deps.Registry == nil {
		deps.Registry = registry.New()
	}
	if deps.Classifier == nil {
		deps.Classifier = classifier.New(classifier.DefaultThresholds())
	}
	if deps.History == nil {
		deps.History = history.NewMemoryStore(0)
	}
	if deps.Events == nil {
		deps.Events = events.New(nil)
	}
	return &Orchestrator{
		deps:   deps,
		opts:   opts.withDefaults(),
		logger: observability.GetLogger().With().Str("component", "orchestrator").Logger(),
	}
}

// OnConnect implements transport.Acceptor
func (o *Orchestrator) OnConnect(conn transport.Conn) transport.Peer {
	c := newConnection(o, conn)
	o.logger.Debug().Str("agent_id", conn.ID()).Msg("Connection accepted")
	go c.run()
	return c
}
