// Package config provides the configuration schema, loader, and provider registry
// for the callbridge telephony bridge.
package config

import "time"

// LogLevel controls log verbosity for the callbridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [Config.ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr       = ":8080"
	DefaultStreamPath       = "/media-stream"
	DefaultMaxConnections   = 50
	DefaultPacketsPerWindow = 50
	DefaultPacketWindow     = time.Second
	DefaultMaxPayloadBytes  = 16 * 1024
	DefaultFlushInterval    = 3 * time.Second
	DefaultOfferTimeout     = 30 * time.Second
	DefaultTransferDelay    = 3 * time.Second
	DefaultSummaryTimeout   = 20 * time.Second
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultTelephonyTimeout = 10 * time.Second
)

// Config is the root configuration structure for callbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Bridge        BridgeConfig        `yaml:"bridge"`
	Telephony     TelephonyConfig     `yaml:"telephony"`
	Billing       BillingConfig       `yaml:"billing"`
	Collaboration CollaborationConfig `yaml:"collaboration"`
	Database      DatabaseConfig      `yaml:"database"`
}

// ServerConfig holds network and logging settings for the callbridge server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// ShutdownTimeout bounds graceful shutdown of in-flight calls.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// backend. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	// S2S is the speech-AI backend that answers calls.
	S2S ProviderEntry `yaml:"s2s"`

	// LLM is used for call summaries and the expert-consultation flow.
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when LLM fails or its circuit breaker
	// is open.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "anthropic").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// BridgeConfig tunes the carrier media-stream bridge.
type BridgeConfig struct {
	// StreamPath is the HTTP path the carrier connects its media stream to.
	StreamPath string `yaml:"stream_path"`

	// MaxConnections caps concurrently admitted call sessions.
	MaxConnections int `yaml:"max_connections"`

	// PacketsPerWindow caps inbound media frames per session per PacketWindow.
	PacketsPerWindow int `yaml:"packets_per_window"`

	// PacketWindow is the fixed rate-limit window.
	PacketWindow time.Duration `yaml:"packet_window"`

	// MaxPayloadBytes is the ceiling for one decoded media payload.
	MaxPayloadBytes int `yaml:"max_payload_bytes"`

	// FlushInterval is how often buffered transcript records are committed.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// OfferTimeout is how long a transfer or collaboration offer stays open.
	OfferTimeout time.Duration `yaml:"offer_timeout"`

	// TransferDelay lets the agent finish its acknowledgement before the call
	// is redirected.
	TransferDelay time.Duration `yaml:"transfer_delay"`

	// SummaryTimeout bounds summary generation at call end.
	SummaryTimeout time.Duration `yaml:"summary_timeout"`
}

// TelephonyConfig holds the carrier call-control credentials.
type TelephonyConfig struct {
	// AccountSID identifies the carrier account.
	AccountSID string `yaml:"account_sid"`

	// AuthToken authenticates call-control requests.
	AuthToken string `yaml:"auth_token"`

	// BaseURL overrides the carrier REST endpoint.
	BaseURL string `yaml:"base_url"`

	// Timeout bounds a single call-control request.
	Timeout time.Duration `yaml:"timeout"`
}

// BillingConfig holds per-unit usage rates used to cost a finished call.
type BillingConfig struct {
	// STTWordRate is the price per recognised caller word.
	STTWordRate float64 `yaml:"stt_word_rate"`

	// TTSWordRate is the price per synthesised agent word.
	TTSWordRate float64 `yaml:"tts_word_rate"`

	// MinuteRate is the price per call minute.
	MinuteRate float64 `yaml:"minute_rate"`
}

// CollaborationConfig configures the expert-consultation flow.
type CollaborationConfig struct {
	// Experts are consulted in order. When empty a built-in panel is used.
	Experts []ExpertConfig `yaml:"experts"`
}

// ExpertConfig describes one consulted expert persona.
type ExpertConfig struct {
	// Name is the expert's display name (e.g., "Finance").
	Name string `yaml:"name"`

	// Focus is injected into the expert's system prompt.
	Focus string `yaml:"focus"`
}

// DatabaseConfig configures persistence.
type DatabaseConfig struct {
	// PostgresDSN is the PostgreSQL connection string.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ApplyDefaults fills zero-valued tunables with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	b := &c.Bridge
	if b.StreamPath == "" {
		b.StreamPath = DefaultStreamPath
	}
	if b.MaxConnections == 0 {
		b.MaxConnections = DefaultMaxConnections
	}
	if b.PacketsPerWindow == 0 {
		b.PacketsPerWindow = DefaultPacketsPerWindow
	}
	if b.PacketWindow == 0 {
		b.PacketWindow = DefaultPacketWindow
	}
	if b.MaxPayloadBytes == 0 {
		b.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if b.FlushInterval == 0 {
		b.FlushInterval = DefaultFlushInterval
	}
	if b.OfferTimeout == 0 {
		b.OfferTimeout = DefaultOfferTimeout
	}
	if b.TransferDelay == 0 {
		b.TransferDelay = DefaultTransferDelay
	}
	if b.SummaryTimeout == 0 {
		b.SummaryTimeout = DefaultSummaryTimeout
	}

	if c.Telephony.Timeout == 0 {
		c.Telephony.Timeout = DefaultTelephonyTimeout
	}
}
