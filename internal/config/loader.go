package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "openai-native", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"s2s": {"openai-realtime"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadBytes is LoadFromReader over an in-memory document.
func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("s2s", cfg.Providers.S2S.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	if len(cfg.Providers.LLMFallbacks) > 0 && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
	}

	if cfg.Providers.S2S.Name == "" {
		slog.Warn("providers.s2s is not configured; calls will run without AI responses")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; summaries fall back to templates and collaboration is disabled")
	}
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; the server will refuse to start")
	}

	// Bridge
	b := cfg.Bridge
	if b.StreamPath != "" && !strings.HasPrefix(b.StreamPath, "/") {
		errs = append(errs, fmt.Errorf("bridge.stream_path %q must start with /", b.StreamPath))
	}
	for _, f := range []struct {
		name string
		val  int64
	}{
		{"bridge.max_connections", int64(b.MaxConnections)},
		{"bridge.packets_per_window", int64(b.PacketsPerWindow)},
		{"bridge.packet_window", int64(b.PacketWindow)},
		{"bridge.max_payload_bytes", int64(b.MaxPayloadBytes)},
		{"bridge.flush_interval", int64(b.FlushInterval)},
		{"bridge.offer_timeout", int64(b.OfferTimeout)},
		{"bridge.transfer_delay", int64(b.TransferDelay)},
		{"bridge.summary_timeout", int64(b.SummaryTimeout)},
	} {
		if f.val < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", f.name))
		}
	}

	// Billing
	if cfg.Billing.STTWordRate < 0 || cfg.Billing.TTSWordRate < 0 || cfg.Billing.MinuteRate < 0 {
		errs = append(errs, errors.New("billing rates must not be negative"))
	}

	// Telephony
	if (cfg.Telephony.AccountSID == "") != (cfg.Telephony.AuthToken == "") {
		errs = append(errs, errors.New("telephony.account_sid and telephony.auth_token must be set together"))
	}

	// Collaboration
	for i, e := range cfg.Collaboration.Experts {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("collaboration.experts[%d].name is required", i))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
