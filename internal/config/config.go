package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the lead-agent service. Values are
// read once at startup; per-session settings are snapshotted at session
// creation and never re-read mid-call.
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service (e.g. an ngrok forwarding URL during
	// local testing). Twilio connects its media stream to
	// wss://<this-host>/ws/twilio_stream and posts status callbacks to
	// <this-host>/api/twilio_status.
	BaseURL string `envconfig:"BASE_URL" required:"true"`

	// Twilio REST API credentials for outbound call placement
	TwilioAccountSID  string `envconfig:"TWILIO_ACCOUNT_SID" required:"true"`
	TwilioAuthToken   string `envconfig:"TWILIO_AUTH_TOKEN" required:"true"`
	TwilioFromNumber  string `envconfig:"TWILIO_FROM_NUMBER" required:"true"`
	TwilioAPIBaseURL  string `envconfig:"TWILIO_API_BASE_URL" default:"https://api.twilio.com/2010-04-01"`
	TwilioHTTPTimeout int    `envconfig:"TWILIO_HTTP_TIMEOUT" default:"15"` // seconds

	// Agent backend (conversational engine) WebSocket endpoint
	AgentBackendURL     string `envconfig:"AGENT_BACKEND_URL" required:"true"`
	AgentBackendAPIKey  string `envconfig:"AGENT_BACKEND_API_KEY" default:""`
	AgentBackendTimeout int    `envconfig:"AGENT_BACKEND_TIMEOUT" default:"10"` // dial timeout, seconds

	// Voice activity detection
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold
	VADMinSpeechMs     int     `envconfig:"VAD_MIN_SPEECH_MS" default:"60"`       // sustained speech before start fires
	VADSilenceMs       int     `envconfig:"VAD_SILENCE_MS" default:"200"`         // sustained silence before end fires

	// Session tuning
	InboundQueueDepth  int `envconfig:"INBOUND_QUEUE_DEPTH" default:"100"`  // telephony frames awaiting the inbound pump
	OutboundQueueDepth int `envconfig:"OUTBOUND_QUEUE_DEPTH" default:"100"` // backend events awaiting the outbound pump
	AudioBufferSize    int `envconfig:"AUDIO_BUFFER_SIZE" default:"8192"`   // VAD frame accumulation buffer, bytes
	IdleTimeoutSec     int `envconfig:"IDLE_TIMEOUT_SEC" default:"60"`      // no-activity threshold before teardown

	// Resilience (call placement and backend dial only; mid-call sessions
	// are never resumed)
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds

	// Observability
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from a .env file (if present) and the
// environment, then validates it.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv reads configuration from environment variables only, for
// containerized deployments where .env files are not used.
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

// Validate checks invariants envconfig tags cannot express.
func (c *Config) Validate() error {
	if c.VADEnergyThreshold <= 0 {
		return fmt.Errorf("VAD_ENERGY_THRESHOLD must be positive, got %f", c.VADEnergyThreshold)
	}
	if c.VADMinSpeechMs <= 0 || c.VADSilenceMs <= 0 {
		return fmt.Errorf("VAD durations must be positive, got min_speech=%dms silence=%dms",
			c.VADMinSpeechMs, c.VADSilenceMs)
	}
	if c.InboundQueueDepth <= 0 || c.OutboundQueueDepth <= 0 {
		return fmt.Errorf("queue depths must be positive, got inbound=%d outbound=%d",
			c.InboundQueueDepth, c.OutboundQueueDepth)
	}
	if c.IdleTimeoutSec <= 0 {
		return fmt.Errorf("IDLE_TIMEOUT_SEC must be positive, got %d", c.IdleTimeoutSec)
	}
	return nil
}

// TwilioTimeout returns the Twilio REST request timeout as a duration.
func (c *Config) TwilioTimeout() time.Duration {
	return time.Duration(c.TwilioHTTPTimeout) * time.Second
}

// BackendDialTimeout returns the agent backend dial timeout as a duration.
func (c *Config) BackendDialTimeout() time.Duration {
	return time.Duration(c.AgentBackendTimeout) * time.Second
}

// IdleTimeout returns the configured idle threshold as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}
