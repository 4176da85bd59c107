package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice pipeline service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// WebSocket transport tuning
	WSPingInterval  int   `envconfig:"WS_PING_INTERVAL" default:"15"`    // seconds between heartbeat pings
	WSWriteTimeout  int   `envconfig:"WS_WRITE_TIMEOUT" default:"5"`     // seconds
	WSReadLimit     int64 `envconfig:"WS_READ_LIMIT" default:"1048576"`  // max inbound message size in bytes
	WSOutboundQueue int   `envconfig:"WS_OUTBOUND_QUEUE" default:"256"`  // buffered outbound frames per connection

	// Speech recognition
	STTProvider        string `envconfig:"STT_PROVIDER" default:"deepgram"` // deepgram, google
	DeepgramAPIKey     string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel      string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	GoogleLanguageCode string `envconfig:"GOOGLE_LANGUAGE_CODE" default:"es-ES"`
	STTLanguage        string `envconfig:"STT_LANGUAGE" default:"es"`
	STTSampleRate      int    `envconfig:"STT_SAMPLE_RATE" default:"16000"`
	STTEncoding        string `envconfig:"STT_ENCODING" default:"linear16"` // linear16, mulaw
	STTChannels        int    `envconfig:"STT_CHANNELS" default:"1"`

	// Recognizer stream adapter
	RecognizerCooldown      int `envconfig:"RECOGNIZER_COOLDOWN" default:"1000"`      // milliseconds before re-opening upstream
	RecognizerMaxCooldown   int `envconfig:"RECOGNIZER_MAX_COOLDOWN" default:"10000"` // milliseconds
	RecognizerKeepAlive     int `envconfig:"RECOGNIZER_KEEPALIVE" default:"5000"`     // milliseconds of silence before a keep-alive
	RecognizerPendingFrames int `envconfig:"RECOGNIZER_PENDING_FRAMES" default:"100"` // frames queued while connecting

	// Completion provider
	CompletionProvider     string `envconfig:"COMPLETION_PROVIDER" default:"gemini"` // gemini, orchestrator
	GeminiAPIKey           string `envconfig:"GEMINI_API_KEY"`
	GeminiModel            string `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`
	CompletionSystemPrompt string `envconfig:"COMPLETION_SYSTEM_PROMPT" default:"Eres Sandra, la recepcionista virtual del hotel. Responde de forma breve, natural y en el idioma del cliente."`
	CompletionTimeout      int    `envconfig:"COMPLETION_TIMEOUT" default:"15"` // seconds
	HistoryWindow          int    `envconfig:"HISTORY_WINDOW" default:"10"`     // exchanges sent as context

	// Cognitive Orchestrator gRPC endpoint (COMPLETION_PROVIDER=orchestrator)
	OrchestratorURL        string `envconfig:"ORCHESTRATOR_URL" default:"localhost:50051"`
	OrchestratorTLSEnabled bool   `envconfig:"ORCHESTRATOR_TLS_ENABLED" default:"false"`
	OrchestratorTimeout    int    `envconfig:"ORCHESTRATOR_TIMEOUT" default:"30"` // seconds

	// Cartesia TTS API configuration
	CartesiaAPIKey     string `envconfig:"CARTESIA_API_KEY" required:"true"`
	CartesiaVoiceID    string `envconfig:"CARTESIA_VOICE_ID" default:"sonic-spanish"`
	CartesiaModelID    string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`
	CartesiaURL        string `envconfig:"CARTESIA_URL" default:"https://api.cartesia.ai/tts/bytes"`
	CartesiaSampleRate int    `envconfig:"CARTESIA_SAMPLE_RATE" default:"24000"`

	// Automatic greeting, synthesized directly without a completion call
	GreetingText string `envconfig:"GREETING_TEXT" default:"¡Hola! Soy Sandra, ¿en qué puedo ayudarte?"`

	// Transcript classifier thresholds
	ClassifierMinChars          int     `envconfig:"CLASSIFIER_MIN_CHARS" default:"15"`
	ClassifierMinWords          int     `envconfig:"CLASSIFIER_MIN_WORDS" default:"4"`
	ClassifierUnpunctuatedWords int     `envconfig:"CLASSIFIER_UNPUNCTUATED_WORDS" default:"6"`
	ClassifierFragmentWords     int     `envconfig:"CLASSIFIER_FRAGMENT_WORDS" default:"2"`
	ClassifierFragmentChars     int     `envconfig:"CLASSIFIER_FRAGMENT_CHARS" default:"25"`
	ClassifierDuplicateWindow   int     `envconfig:"CLASSIFIER_DUPLICATE_WINDOW" default:"3000"` // milliseconds
	ClassifierEchoWindow        int     `envconfig:"CLASSIFIER_ECHO_WINDOW" default:"5000"`      // milliseconds
	ClassifierEchoSimilarity    float64 `envconfig:"CLASSIFIER_ECHO_SIMILARITY" default:"0.7"`

	// Speculative response engine
	SpeculationEnabled  bool `envconfig:"SPECULATION_ENABLED" default:"true"`
	SpeculationInterval int  `envconfig:"SPECULATION_INTERVAL" default:"800"` // milliseconds between attempts

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Conversation history store; empty uses the in-memory store
	HistoryDatabaseURL string `envconfig:"HISTORY_DATABASE_URL" default:""`

	// Kafka exchange events
	KafkaEnabled         bool     `envconfig:"KAFKA_ENABLED" default:"false"`
	KafkaBrokers         []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopicTranscript string   `envconfig:"KAFKA_TOPIC_TRANSCRIPT" default:"voice.transcripts"`
	KafkaTopicExchange   string   `envconfig:"KAFKA_TOPIC_EXCHANGE" default:"voice.exchanges"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks provider selection and the keys each provider needs
func (c *Config) Validate() error {
	switch c.STTProvider {
	case "deepgram":
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required")
		}
	case "google":
	default:
		return fmt.Errorf("unknown STT_PROVIDER %q", c.STTProvider)
	}

	switch c.CompletionProvider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required")
		}
	case "orchestrator":
		if c.OrchestratorURL == "" {
			return fmt.Errorf("ORCHESTRATOR_URL is required")
		}
	default:
		return fmt.Errorf("unknown COMPLETION_PROVIDER %q", c.CompletionProvider)
	}

	if c.CartesiaAPIKey == "" {
		return fmt.Errorf("CARTESIA_API_KEY is required")
	}
	if c.STTSampleRate <= 0 || c.STTChannels <= 0 {
		return fmt.Errorf("STT_SAMPLE_RATE and STT_CHANNELS must be positive")
	}
	return nil
}

// Millis converts a millisecond config value into a duration
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
