package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
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

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Relay
	if !strings.HasPrefix(cfg.Relay.PathPrefix, "/") {
		errs = append(errs, fmt.Errorf("relay.path_prefix %q must start with /", cfg.Relay.PathPrefix))
	}
	if cfg.Relay.MaxSessionsPerTenant < 1 {
		errs = append(errs, fmt.Errorf("relay.max_sessions_per_tenant %d must be at least 1", cfg.Relay.MaxSessionsPerTenant))
	}
	if cfg.Relay.MaxSessionDurationMs < 1000 {
		errs = append(errs, fmt.Errorf("relay.max_session_duration_ms %d must be at least 1000", cfg.Relay.MaxSessionDurationMs))
	}
	if cfg.Relay.InactivityTimeoutMs < 1000 {
		errs = append(errs, fmt.Errorf("relay.inactivity_timeout_ms %d must be at least 1000", cfg.Relay.InactivityTimeoutMs))
	}
	if cfg.Relay.MaxAudioBufferBytes < 4096 {
		errs = append(errs, fmt.Errorf("relay.max_audio_buffer_bytes %d must be at least 4096", cfg.Relay.MaxAudioBufferBytes))
	}

	// Upstream
	if cfg.Upstream.WSBase == "" {
		errs = append(errs, errors.New("upstream.ws_base is required"))
	} else if !strings.HasPrefix(cfg.Upstream.WSBase, "ws://") && !strings.HasPrefix(cfg.Upstream.WSBase, "wss://") {
		errs = append(errs, fmt.Errorf("upstream.ws_base %q must be a ws:// or wss:// URL", cfg.Upstream.WSBase))
	}

	// Auth
	if cfg.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required"))
	}

	// Events
	switch cfg.Events.Sink {
	case "log", "file":
	default:
		errs = append(errs, fmt.Errorf("events.sink %q is invalid; valid values: log, file", cfg.Events.Sink))
	}
	if cfg.Events.Sink == "file" && cfg.Events.Path == "" {
		errs = append(errs, errors.New("events.path is required when events.sink is file"))
	}

	// Assess
	if cfg.Assess.Enabled && cfg.Assess.APIKey == "" {
		errs = append(errs, errors.New("assess.api_key is required when assess.enabled is true"))
	}
	if cfg.Assess.WordThreshold < 0 || cfg.Assess.WordThreshold > 1 {
		errs = append(errs, fmt.Errorf("assess.word_threshold %.2f is out of range [0, 1]", cfg.Assess.WordThreshold))
	}

	return errors.Join(errs...)
}
