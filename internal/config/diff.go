package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LimitsChanged is true when either admission limit changed.
	LimitsChanged    bool
	MaxConnections   int
	PacketsPerWindow int

	// RestartRequired lists changed settings that only take effect after a
	// restart (listen address, providers, database).
	RestartRequired []string
}

// Changed reports whether d carries anything that can be applied live.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.LimitsChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Admission limits
	if old.Bridge.MaxConnections != new.Bridge.MaxConnections ||
		old.Bridge.PacketsPerWindow != new.Bridge.PacketsPerWindow {
		d.LimitsChanged = true
		d.MaxConnections = new.Bridge.MaxConnections
		d.PacketsPerWindow = new.Bridge.PacketsPerWindow
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Bridge.StreamPath != new.Bridge.StreamPath {
		d.RestartRequired = append(d.RestartRequired, "bridge.stream_path")
	}
	if !sameEntry(old.Providers.S2S, new.Providers.S2S) {
		d.RestartRequired = append(d.RestartRequired, "providers.s2s")
	}
	if !sameEntry(old.Providers.LLM, new.Providers.LLM) {
		d.RestartRequired = append(d.RestartRequired, "providers.llm")
	}
	if old.Database.PostgresDSN != new.Database.PostgresDSN {
		d.RestartRequired = append(d.RestartRequired, "database.postgres_dsn")
	}

	return d
}

// sameEntry compares the scalar fields of two provider entries. Options are
// not compared.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
