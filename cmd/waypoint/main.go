// Command waypoint is the main entry point for the Waypoint assistant server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/waypoint/internal/app"
	"github.com/MrWong99/waypoint/internal/config"
	"github.com/MrWong99/waypoint/internal/observe"
	"github.com/MrWong99/waypoint/pkg/provider/llm"
	"github.com/MrWong99/waypoint/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/waypoint/pkg/provider/llm/openai"
	"github.com/MrWong99/waypoint/pkg/provider/voice"
	oaivoice "github.com/MrWong99/waypoint/pkg/provider/voice/openai"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload log level and safety patterns when the config file changes")
	sampleRatio := flag.Float64("trace-sample-ratio", 1, "fraction of new traces to record, in (0, 1]")
	instanceID := flag.String("instance-id", os.Getenv("HOSTNAME"), "service instance id reported with telemetry")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "waypoint: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "waypoint: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("waypoint starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		InstanceID:     *instanceID,
		SampleRatio:    *sampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogLevel(&level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(_, _ *config.Config, d config.ConfigDiff) {
			application.ApplyConfig(d)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			w.Start(ctx)
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// openai uses the native adapter so per-request timeouts and the
	// organization header are honoured.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, oaillm.WithTimeout(entry.Timeout.Std()))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		if n, ok := entry.Options["max_retries"].(int); ok {
			opts = append(opts, oaillm.WithMaxRetries(n))
		}
		if v, ok := entry.Options["parallel_tool_calls"].(bool); ok {
			opts = append(opts, oaillm.WithParallelToolCalls(v))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile all
	// share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Voice ─────────────────────────────────────────────────────────────────

	reg.RegisterVoice("openai", func(entry config.ProviderEntry) (voice.Provider, error) {
		var opts []oaivoice.Option
		if entry.Model != "" {
			opts = append(opts, oaivoice.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oaivoice.WithBaseURL(entry.BaseURL))
		}
		if ep := optString(entry.Options, "endpoint"); ep != "" {
			opts = append(opts, oaivoice.WithEndpoint(ep))
		}
		return oaivoice.New(entry.APIKey, opts...)
	})

	slog.Debug("registered providers", "llm", reg.LLMNames())
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	for _, entry := range cfg.Providers.Reasoning {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create reasoning provider %q: %w", entry.Name, err)
		}
		ps.Reasoning = append(ps.Reasoning, app.Reasoner{Name: entry.Name, Provider: p, Timeout: entry.Timeout.Std()})
		slog.Info("provider created", "kind", "reasoning", "name", entry.Name, "model", entry.Model)
	}

	if entry := cfg.Providers.Classifier; entry.Configured() {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create classifier provider %q: %w", entry.Name, err)
		}
		ps.Classifier = p
		slog.Info("provider created", "kind", "classifier", "name", entry.Name, "model", entry.Model)
	}

	if entry := cfg.Providers.Voice; entry.Configured() {
		p, err := reg.CreateVoice(entry)
		if err != nil {
			return nil, fmt.Errorf("create voice provider %q: %w", entry.Name, err)
		}
		ps.Voice = p
		slog.Info("provider created", "kind", "voice", "name", entry.Name)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Waypoint startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	for i, r := range cfg.Providers.Reasoning {
		kind := "Reasoning"
		if i > 0 {
			kind = fmt.Sprintf("Fallback %d", i)
		}
		printProvider(kind, r.Name, r.Model)
	}
	printProvider("Classifier", cfg.Providers.Classifier.Name, cfg.Providers.Classifier.Model)
	printProvider("Voice", cfg.Providers.Voice.Name, cfg.Providers.Voice.Model)
	store := "memory"
	if cfg.Store.PostgresDSN != "" {
		store = "postgres"
	}
	fmt.Printf("║  Store           : %-19s ║\n", store)
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.MCP.Servers))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	v, ok := opts[key].(string)
	if !ok {
		return ""
	}
	return v
}
