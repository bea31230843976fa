package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/waypoint/internal/safety"
	"github.com/MrWong99/waypoint/internal/tool/builtin"
	"github.com/MrWong99/waypoint/internal/tool/mcptool"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":   {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"voice": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
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
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.Auth.JWTSecret == "" {
		slog.Warn("server.auth.jwt_secret is empty; caller identities are not authenticated")
	}

	// Providers
	if len(cfg.Providers.Reasoning) == 0 {
		errs = append(errs, errors.New("providers.reasoning must list at least one provider"))
	}
	for i, p := range cfg.Providers.Reasoning {
		prefix := fmt.Sprintf("providers.reasoning[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
		errs = appendNegative(errs, prefix+".timeout", p.Timeout)
		validateProviderName("llm", p.Name)
	}
	if c := cfg.Providers.Classifier; c.Configured() {
		if c.Model == "" {
			errs = append(errs, errors.New("providers.classifier.model is required"))
		}
		validateProviderName("llm", c.Name)
	}
	validateProviderName("voice", cfg.Providers.Voice.Name)

	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; expenses and events are kept in memory only")
	}

	// Safety
	errs = appendNegative(errs, "safety.classifier_timeout", cfg.Safety.ClassifierTimeout)
	errs = appendNegative(errs, "safety.breaker.reset_timeout", cfg.Safety.Breaker.ResetTimeout)
	if cfg.Safety.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("safety.breaker.max_failures %d must not be negative", cfg.Safety.Breaker.MaxFailures))
	}
	if cfg.Safety.Breaker.HalfOpenMax < 0 {
		errs = append(errs, fmt.Errorf("safety.breaker.half_open_max %d must not be negative", cfg.Safety.Breaker.HalfOpenMax))
	}
	if _, err := safety.CompilePatterns(cfg.Safety.Patterns); err != nil {
		errs = append(errs, fmt.Errorf("safety.patterns: %w", err))
	}

	// Dispatch
	errs = appendNegative(errs, "dispatch.timeout", cfg.Dispatch.Timeout)
	errs = appendNegative(errs, "dispatch.initial_backoff", cfg.Dispatch.InitialBackoff)
	if cfg.Dispatch.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("dispatch.max_attempts %d must not be negative", cfg.Dispatch.MaxAttempts))
	}
	if f := cfg.Dispatch.BackoffFactor; f != 0 && f < 1 {
		errs = append(errs, fmt.Errorf("dispatch.backoff_factor %.2f must be at least 1", f))
	}

	// Session
	if cfg.Session.HistoryWindow < 0 {
		errs = append(errs, fmt.Errorf("session.history_window %d must not be negative", cfg.Session.HistoryWindow))
	}
	if cfg.Session.MaxToolRounds < 0 {
		errs = append(errs, fmt.Errorf("session.max_tool_rounds %d must not be negative", cfg.Session.MaxToolRounds))
	}
	errs = appendNegative(errs, "session.idle_timeout", cfg.Session.IdleTimeout)
	errs = appendNegative(errs, "session.sweep_interval", cfg.Session.SweepInterval)
	errs = appendNegative(errs, "session.voice_idle_timeout", cfg.Session.VoiceIdleTimeout)

	// Tools
	for i, name := range cfg.Tools.Deferred {
		if !slices.Contains(builtin.Declared, name) {
			errs = append(errs, fmt.Errorf("tools.deferred[%d] %q is not a built-in tool", i, name))
		}
	}

	// MCP servers
	serversSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := serversSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			serversSeen[srv.Name] = i
		}
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcptool.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcptool.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
		if srv.Authorization != "" && !srv.Authorization.Valid() {
			errs = append(errs, fmt.Errorf("%s.authorization %q is invalid; valid values: self-only, admin-only, public-read", prefix, srv.Authorization))
		}
		errs = appendNegative(errs, prefix+".timeout", srv.Timeout)
	}

	return errors.Join(errs...)
}

func appendNegative(errs []error, field string, d Duration) []error {
	if d < 0 {
		return append(errs, fmt.Errorf("%s %s must not be negative", field, d.Std()))
	}
	return errs
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
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
