// Command halcyon is the main entry point for the Halcyon clinical query
// orchestrator.
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

	"github.com/halcyon-health/halcyon/internal/app"
	"github.com/halcyon-health/halcyon/internal/config"
	"github.com/halcyon-health/halcyon/internal/observe"
	"github.com/halcyon-health/halcyon/pkg/provider/embeddings"
	ollamaembed "github.com/halcyon-health/halcyon/pkg/provider/embeddings/ollama"
	oaembed "github.com/halcyon-health/halcyon/pkg/provider/embeddings/openai"
	"github.com/halcyon-health/halcyon/pkg/provider/llm"
	"github.com/halcyon-health/halcyon/pkg/provider/llm/anyllm"
	oallm "github.com/halcyon-health/halcyon/pkg/provider/llm/openai"
	"github.com/halcyon-health/halcyon/pkg/provider/phi"
	phirules "github.com/halcyon-health/halcyon/pkg/provider/phi/rules"
	"github.com/halcyon-health/halcyon/pkg/provider/rerank"
	"github.com/halcyon-health/halcyon/pkg/provider/rerank/tei"
	"github.com/halcyon-health/halcyon/pkg/provider/stt"
	sttws "github.com/halcyon-health/halcyon/pkg/provider/stt/wsstream"
	"github.com/halcyon-health/halcyon/pkg/provider/tts"
	ttsws "github.com/halcyon-health/halcyon/pkg/provider/tts/wsstream"
	"github.com/halcyon-health/halcyon/pkg/provider/vad"
	"github.com/halcyon-health/halcyon/pkg/provider/vad/energy"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "halcyon: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "halcyon: %v\n", err)
		}
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(cfg.Server.LogLevel.SlogLevel())
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
	cfg.Warn(logger)

	slog.Info("halcyon starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"hipaa_mode", cfg.HIPAAMode,
		"router_mode", cfg.Router.Mode,
	)

	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(logLevel, old, new)
	})
	if err != nil {
		slog.Warn("config reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(observe.ProviderConfig{
		ServiceName: "halcyon",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyConfigChange applies the hot-reloadable parts of a config file change
// and names everything that needs a restart. Only the log level can change
// live; the rest of the config is baked into components at construction.
func applyConfigChange(level *slog.LevelVar, old, new *config.Config) {
	cs := config.Diff(old, new)
	if cs.LogLevelChanged {
		level.Set(cs.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", cs.NewLogLevel)
	}
	if cs.SearchChanged {
		slog.Warn("search settings changed; restart to apply")
	}
	for _, sd := range cs.SourceChanges {
		slog.Warn("knowledge source changed; restart to apply",
			"source", sd.Name, "added", sd.Added, "removed", sd.Removed, "modified", sd.Modified)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// openai goes through the native SDK; the other cloud backends share the
	// any-llm adapter with an optional APIKey + BaseURL.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		p, err := oallm.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
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
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.NewOllama(entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterSTT("wsstream", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []sttws.Option
		if entry.Model != "" {
			opts = append(opts, sttws.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, sttws.WithLanguage(lang))
		}
		p, err := sttws.New(entry.BaseURL, entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterTTS("wsstream", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []ttsws.Option
		if voicesURL := optString(entry.Options, "voices_url"); voicesURL != "" {
			opts = append(opts, ttsws.WithVoicesURL(voicesURL))
		}
		p, err := ttsws.New(entry.BaseURL, entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, oaembed.WithDimensions(dims))
		}
		p, err := oaembed.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dims))
		}
		p, err := ollamaembed.New(entry.BaseURL, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterPHI("rules", func(entry config.ProviderEntry) (phi.Detector, error) {
		mode := phi.ModeStrict
		if m := optString(entry.Options, "mode"); m != "" {
			mode = phi.Mode(m)
		}
		d, err := phirules.New(mode)
		if err != nil {
			return nil, err
		}
		return d, nil
	})

	reg.RegisterReranker("tei", func(entry config.ProviderEntry) (rerank.Scorer, error) {
		s, err := tei.New(entry.BaseURL, entry.Model)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	p := cfg.Providers

	if p.LocalLLM.Name != "" {
		v, err := reg.CreateLLM(p.LocalLLM)
		if err != nil {
			return nil, fmt.Errorf("create local llm %q: %w", p.LocalLLM.Name, err)
		}
		ps.LocalLLM = v
		slog.Info("provider created", "kind", "local_llm", "name", p.LocalLLM.Name, "model", p.LocalLLM.Model)
	}
	if p.CloudLLM.Name != "" {
		v, err := reg.CreateLLM(p.CloudLLM)
		if err != nil {
			return nil, fmt.Errorf("create cloud llm %q: %w", p.CloudLLM.Name, err)
		}
		ps.CloudLLM = v
		slog.Info("provider created", "kind", "cloud_llm", "name", p.CloudLLM.Name, "model", p.CloudLLM.Model)
	}
	if p.STT.Name != "" {
		v, err := reg.CreateSTT(p.STT)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", p.STT.Name, err)
		}
		ps.STT = v
		slog.Info("provider created", "kind", "stt", "name", p.STT.Name)
	}
	if p.TTS.Name != "" {
		v, err := reg.CreateTTS(p.TTS)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", p.TTS.Name, err)
		}
		ps.TTS = v
		slog.Info("provider created", "kind", "tts", "name", p.TTS.Name)
	}
	if p.VAD.Name != "" {
		v, err := reg.CreateVAD(p.VAD)
		if err != nil {
			return nil, fmt.Errorf("create vad engine %q: %w", p.VAD.Name, err)
		}
		ps.VAD = v
		slog.Info("provider created", "kind", "vad", "name", p.VAD.Name)
	}
	if p.Embeddings.Name != "" {
		v, err := reg.CreateEmbeddings(p.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", p.Embeddings.Name, err)
		}
		ps.Embeddings = v
		slog.Info("provider created", "kind", "embeddings", "name", p.Embeddings.Name, "model", p.Embeddings.Model)
	}
	if p.PHI.Name != "" {
		v, err := reg.CreatePHI(p.PHI)
		if err != nil {
			return nil, fmt.Errorf("create phi detector %q: %w", p.PHI.Name, err)
		}
		ps.PHI = v
		slog.Info("provider created", "kind", "phi", "name", p.PHI.Name)
	}
	if p.Reranker.Name != "" {
		v, err := reg.CreateReranker(p.Reranker)
		if err != nil {
			return nil, fmt.Errorf("create reranker %q: %w", p.Reranker.Name, err)
		}
		ps.Reranker = v
		slog.Info("provider created", "kind", "reranker", "name", p.Reranker.Name)
	}

	return ps, nil
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer from a provider Options map. YAML decodes
// numbers as int, so only that case is handled.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	n, _ := opts[key].(int)
	return n
}
