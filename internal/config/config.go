package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice agent service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Deepgram STT API configuration
	DeepgramAPIKey        string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel         string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage      string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`
	DeepgramEndpointingMs int    `envconfig:"DEEPGRAM_ENDPOINTING_MS" default:"300"`    // Endpointing sensitivity
	DeepgramUtteranceEnd  int    `envconfig:"DEEPGRAM_UTTERANCE_END_MS" default:"1000"` // Utterance-end timeout
	STTKeepAliveInterval  int    `envconfig:"STT_KEEPALIVE_INTERVAL" default:"5000"`    // Keep-alive during silence (ms)

	// OpenAI LLM configuration
	OpenAIAPIKey    string `envconfig:"OPENAI_API_KEY" required:"true"`
	OpenAIModel     string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIMaxTokens int    `envconfig:"OPENAI_MAX_TOKENS" default:"256"`

	// Synthesis provider configuration
	ElevenLabsAPIKey  string `envconfig:"ELEVENLABS_API_KEY" required:"true"`
	ElevenLabsVoiceID string `envconfig:"ELEVENLABS_VOICE_ID" default:"21m00Tcm4TlvDq8ikWAM"`
	ElevenLabsModelID string `envconfig:"ELEVENLABS_MODEL_ID" default:"eleven_turbo_v2"`
	CartesiaAPIKey    string `envconfig:"CARTESIA_API_KEY" default:""`
	CartesiaVoiceID   string `envconfig:"CARTESIA_VOICE_ID" default:"sonic-english"`
	CartesiaModelID   string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`
	ProviderOrder     string `envconfig:"SYNTH_PROVIDER_ORDER" default:"elevenlabs,cartesia"` // Fallback order

	// Turn-taking configuration
	BargeInGraceMs       int `envconfig:"BARGE_IN_GRACE_MS" default:"400"`    // Ignore speech-start this soon after agent starts
	BargeInCooldownMs    int `envconfig:"BARGE_IN_COOLDOWN_MS" default:"600"` // Ignore speech-start this soon after a barge-in
	MinResponseGapMs     int `envconfig:"MIN_RESPONSE_GAP_MS" default:"1200"` // Minimum interval between accepted inputs
	DuplicateWindowMs    int `envconfig:"DUPLICATE_WINDOW_MS" default:"3000"` // Near-duplicate rejection window
	MinTranscriptLength  int `envconfig:"MIN_TRANSCRIPT_LENGTH" default:"2"`  // Noise filter on final transcripts
	RepetitionHistory    int `envconfig:"REPETITION_HISTORY" default:"6"`     // Exchanges retained for loop detection
	RepetitionThreshold  int `envconfig:"REPETITION_THRESHOLD" default:"2"`   // Recurrences before disengaging
	CutoffMinLength      int `envconfig:"CUTOFF_MIN_LENGTH" default:"20"`     // Reject early cutoff below this
	CutoffMaxLength      int `envconfig:"CUTOFF_MAX_LENGTH" default:"400"`    // Force cutoff above this
	PendingInputCapacity int `envconfig:"PENDING_INPUT_CAPACITY" default:"8"` // Inputs held while busy

	// Synthesis queue configuration
	SynthConcurrency int `envconfig:"SYNTH_CONCURRENCY" default:"3"` // Jobs synthesized in parallel
	SynthMaxRetries  int `envconfig:"SYNTH_MAX_RETRIES" default:"2"` // Retries per job before exhaustion

	// Audio cache configuration
	CacheTTLMinutes     int     `envconfig:"CACHE_TTL_MINUTES" default:"720"`
	CacheJaccardMin     float64 `envconfig:"CACHE_JACCARD_MIN" default:"0.8"` // Phonetic-tier acceptance threshold
	CacheMinTextLength  int     `envconfig:"CACHE_MIN_TEXT_LENGTH" default:"12"`
	CacheMaxTextLength  int     `envconfig:"CACHE_MAX_TEXT_LENGTH" default:"200"`
	CachePrewarmEnabled bool    `envconfig:"CACHE_PREWARM_ENABLED" default:"true"`

	// Resource pool configuration
	PoolTargetSize       int `envconfig:"POOL_TARGET_SIZE" default:"4"`
	PoolMaxSize          int `envconfig:"POOL_MAX_SIZE" default:"8"`
	PoolAcquireTimeoutMs int `envconfig:"POOL_ACQUIRE_TIMEOUT_MS" default:"2000"`
	PoolMaxUsageMs       int `envconfig:"POOL_MAX_USAGE_MS" default:"15000"` // Force-discard a wedged checkout
	PoolMaxAgeMinutes    int `envconfig:"POOL_MAX_AGE_MINUTES" default:"30"`
	PoolHealthIntervalMs int `envconfig:"POOL_HEALTH_INTERVAL_MS" default:"30000"`

	// Latency monitor configuration
	MonitorWindowSize    int `envconfig:"MONITOR_WINDOW_SIZE" default:"100"`
	LatencyCeilingMs     int `envconfig:"LATENCY_CEILING_MS" default:"4000"`
	LatencyBreakerRunLen int `envconfig:"LATENCY_BREAKER_RUN_LEN" default:"3"` // Consecutive slow calls before degradation flag

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"` // milliseconds

	// Transcoder configuration
	FFmpegPath string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from a .env file if present, then the environment
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load a .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.DeepgramAPIKey == "" {
		return nil, fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.ElevenLabsAPIKey == "" {
		return nil, fmt.Errorf("ELEVENLABS_API_KEY is required")
	}
	if cfg.PoolTargetSize > cfg.PoolMaxSize {
		return nil, fmt.Errorf("POOL_TARGET_SIZE (%d) exceeds POOL_MAX_SIZE (%d)", cfg.PoolTargetSize, cfg.PoolMaxSize)
	}

	return &cfg, nil
}

// Providers returns the configured synthesis provider fallback order
func (c *Config) Providers() []string {
	parts := strings.Split(c.ProviderOrder, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			names = append(names, p)
		}
	}
	return names
}

// BargeInGrace returns the barge-in grace window as a duration
func (c *Config) BargeInGrace() time.Duration {
	return time.Duration(c.BargeInGraceMs) * time.Millisecond
}

// BargeInCooldown returns the post-barge-in cooldown as a duration
func (c *Config) BargeInCooldown() time.Duration {
	return time.Duration(c.BargeInCooldownMs) * time.Millisecond
}

// MinResponseGap returns the minimum inter-response interval as a duration
func (c *Config) MinResponseGap() time.Duration {
	return time.Duration(c.MinResponseGapMs) * time.Millisecond
}

// DuplicateWindow returns the near-duplicate rejection window as a duration
func (c *Config) DuplicateWindow() time.Duration {
	return time.Duration(c.DuplicateWindowMs) * time.Millisecond
}

// CacheTTL returns the audio cache entry lifetime as a duration
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// PoolAcquireTimeout returns the bounded wait for a pool checkout
func (c *Config) PoolAcquireTimeout() time.Duration {
	return time.Duration(c.PoolAcquireTimeoutMs) * time.Millisecond
}

// PoolMaxUsage returns the per-checkout force-release deadline
func (c *Config) PoolMaxUsage() time.Duration {
	return time.Duration(c.PoolMaxUsageMs) * time.Millisecond
}

// PoolMaxAge returns the member retirement age
func (c *Config) PoolMaxAge() time.Duration {
	return time.Duration(c.PoolMaxAgeMinutes) * time.Minute
}

// PoolHealthInterval returns the health pass period
func (c *Config) PoolHealthInterval() time.Duration {
	return time.Duration(c.PoolHealthIntervalMs) * time.Millisecond
}

// LatencyCeiling returns the per-call end-to-end latency ceiling
func (c *Config) LatencyCeiling() time.Duration {
	return time.Duration(c.LatencyCeilingMs) * time.Millisecond
}

// STTKeepAlive returns the silence keep-alive interval
func (c *Config) STTKeepAlive() time.Duration {
	return time.Duration(c.STTKeepAliveInterval) * time.Millisecond
}
