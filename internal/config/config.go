// Package config provides the configuration schema, loader, and provider registry
// for the Waypoint assistant core.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/waypoint/internal/tool"
	"github.com/MrWong99/waypoint/internal/tool/mcptool"
)

// LogLevel controls log verbosity for the Waypoint server.
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

// Slog maps l to a [slog.Level]. Unknown and empty levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration is a [time.Duration] written in YAML as a Go duration string
// ("250ms", "20s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for Waypoint.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Store     StoreConfig     `yaml:"store"`
	Safety    SafetyConfig    `yaml:"safety"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Session   SessionConfig   `yaml:"session"`
	Tools     ToolsConfig     `yaml:"tools"`
	MCP       MCPConfig       `yaml:"mcp"`
}

// ServerConfig holds network, logging and caller authentication settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	Auth AuthConfig `yaml:"auth"`

	// AllowedOrigins are the host patterns accepted for cross-origin voice
	// websocket upgrades. Same-origin requests are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AuthConfig configures bearer-token caller authentication.
type AuthConfig struct {
	// JWTSecret is the HMAC key for HS256 caller tokens. When empty the server
	// runs in development mode and trusts the userId in the request body.
	JWTSecret string `yaml:"jwt_secret"`
}

// ProvidersConfig declares the external model providers. Each entry selects a
// named provider registered in the [Registry].
type ProvidersConfig struct {
	// Reasoning is the ordered fallback chain of reasoning models. The first
	// entry is the primary.
	Reasoning []ProviderEntry `yaml:"reasoning"`

	// Classifier is the secondary safety classifier model. Optional.
	Classifier ProviderEntry `yaml:"classifier"`

	// Voice mints ephemeral realtime speech credentials. Optional; without it
	// the voice endpoint is disabled.
	Voice ProviderEntry `yaml:"voice"`
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

	// Model selects a specific model within the provider (e.g., "gpt-4o").
	Model string `yaml:"model"`

	// Timeout bounds a single request to this provider. For reasoning
	// providers this is the per-attempt timeout in the fallback chain.
	Timeout Duration `yaml:"timeout"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// Configured reports whether the entry names a provider.
func (e ProviderEntry) Configured() bool { return e.Name != "" }

// StoreConfig selects the datastore.
type StoreConfig struct {
	// PostgresDSN is the PostgreSQL connection string. When empty an
	// in-process store is used and data does not survive a restart.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// SafetyConfig tunes the content safety filter.
type SafetyConfig struct {
	// ClassifierTimeout bounds one classifier call. Default: 2s.
	ClassifierTimeout Duration `yaml:"classifier_timeout"`

	Breaker BreakerConfig `yaml:"breaker"`

	// Patterns are extra regular expressions that block text outright, in
	// addition to the built-in set.
	Patterns []string `yaml:"patterns"`
}

// BreakerConfig configures the circuit breaker in front of the classifier.
type BreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit. Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the circuit stays open. Default: 30s.
	ResetTimeout Duration `yaml:"reset_timeout"`

	// HalfOpenMax is the number of trial calls while half-open. Default: 1.
	HalfOpenMax int `yaml:"half_open_max"`
}

// DispatchConfig tunes tool execution.
type DispatchConfig struct {
	// Timeout bounds one handler attempt. Default: 10s.
	Timeout Duration `yaml:"timeout"`

	// MaxAttempts is the total attempt count for transient failures. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialBackoff is the delay before the first retry. Default: 200ms.
	InitialBackoff Duration `yaml:"initial_backoff"`

	// BackoffFactor multiplies the delay after each retry. Default: 4.
	BackoffFactor float64 `yaml:"backoff_factor"`
}

// SessionConfig tunes conversation sessions and voice bridges.
type SessionConfig struct {
	// HistoryWindow is the number of messages kept per session. Default: 20.
	HistoryWindow int `yaml:"history_window"`

	// MaxToolRounds caps tool rounds per turn. Default: 4.
	MaxToolRounds int `yaml:"max_tool_rounds"`

	// IdleTimeout evicts sessions without activity. Default: 30m.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// SweepInterval is how often idle sessions are evicted. Default: 1m.
	SweepInterval Duration `yaml:"sweep_interval"`

	// VoiceIdleTimeout closes voice bridges without delegations. Default: 5m.
	VoiceIdleTimeout Duration `yaml:"voice_idle_timeout"`

	// DefaultLocale is used when the client sends no locale (e.g., "en-US").
	DefaultLocale string `yaml:"default_locale"`

	// Instructions replaces the built-in reasoning system prompt preamble.
	Instructions string `yaml:"instructions"`

	Speech SpeechConfig `yaml:"speech"`
}

// SpeechConfig configures the realtime speech sessions minted for voice
// bridges.
type SpeechConfig struct {
	// Voice is the provider-specific voice identifier (e.g., "alloy").
	Voice string `yaml:"voice"`

	// Instructions is the speech model's system prompt.
	Instructions string `yaml:"instructions"`
}

// ToolsConfig adjusts the built-in tool manifest.
type ToolsConfig struct {
	// Deferred names built-in tools that stay declared but are not
	// registered, so the reasoning model is never offered them.
	Deferred []string `yaml:"deferred"`
}

// MCPConfig lists the MCP servers whose tools are imported at startup.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to one MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server.
	Name string `yaml:"name"`

	// Transport selects the connection mechanism: "stdio" or "streamable-http".
	Transport mcptool.Transport `yaml:"transport"`

	// Command is the executable (and optional arguments) to launch for stdio
	// transport.
	Command string `yaml:"command"`

	// URL is the server endpoint for streamable-http transport.
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the subprocess
	// when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`

	// Authorization is applied to every imported tool. Default: public-read.
	Authorization tool.Authorization `yaml:"authorization"`

	// Timeout overrides dispatch.timeout for this server's tools when set.
	Timeout Duration `yaml:"timeout"`
}

// Importer converts the entry to the importer's server description.
func (s MCPServerConfig) Importer() mcptool.ServerConfig {
	return mcptool.ServerConfig{
		Name:          s.Name,
		Transport:     s.Transport,
		Command:       s.Command,
		URL:           s.URL,
		Env:           s.Env,
		Authorization: s.Authorization,
		Timeout:       s.Timeout.Std(),
	}
}
