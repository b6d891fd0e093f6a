// Command relayd is the realtime voice-AI call relay server.
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

	"go.opentelemetry.io/otel"

	"github.com/jwillz7667/realtime-relay/internal/config"
	"github.com/jwillz7667/realtime-relay/internal/functions"
	"github.com/jwillz7667/realtime-relay/internal/health"
	"github.com/jwillz7667/realtime-relay/internal/observe"
	"github.com/jwillz7667/realtime-relay/internal/relay"
	"github.com/jwillz7667/realtime-relay/internal/server"
	"github.com/jwillz7667/realtime-relay/pkg/realtime"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ─────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("relayd starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"model", cfg.OpenAI.Model,
		"voice", cfg.Session.Voice,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "realtime-relay",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Function registry and session defaults ────────────────────────────────
	registry := functions.NewRegistry(functions.Builtins()...)
	defaults := cfg.SessionDefaults()
	defaults["tools"] = mergeTools(registry, cfg.Session.Tools)

	// ── Session manager ───────────────────────────────────────────────────────
	manager := relay.NewManager(relay.ManagerParams{
		Dialer: relay.NewModelDialer(realtime.Config{
			BaseURL:    cfg.OpenAI.BaseURL,
			APIKey:     cfg.OpenAI.APIKey,
			BetaHeader: cfg.OpenAI.BetaHeader,
		}),
		Defaults: defaults,
		Model:    cfg.OpenAI.Model,
		Registry: registry,
		Metrics:  metrics,
	})

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := server.New(server.Params{
		ListenAddr: cfg.Server.ListenAddr,
		Manager:    manager,
		Checkers: []health.Checker{
			{
				Name: "api_key",
				Check: func(context.Context) error {
					if cfg.OpenAI.APIKey == "" {
						return errors.New("OPENAI_API_KEY not configured")
					}
					return nil
				},
			},
		},
	})

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// mergeTools layers config-provided tool definitions over the registry's
// built-ins; names already present in the registry win.
func mergeTools(reg *functions.Registry, extra []map[string]any) []any {
	tools := reg.Tools()
	seen := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		if name, _ := t["name"].(string); name != "" {
			seen[name] = struct{}{}
		}
	}

	out := make([]any, 0, len(tools)+len(extra))
	for _, t := range tools {
		out = append(out, t)
	}
	for _, t := range extra {
		name, _ := t["name"].(string)
		if _, dup := seen[name]; dup {
			continue
		}
		out = append(out, t)
	}
	return out
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
