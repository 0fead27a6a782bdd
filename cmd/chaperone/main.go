// Command chaperone runs the chat-fronted sandbox task orchestrator: it
// accepts work requests over a chat platform, executes each inside a fresh
// sandbox container, relays progress and human-in-the-loop questions back
// into chat, and posts the final result.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/chaperone/internal/audit"
	"github.com/basket/chaperone/internal/channels"
	"github.com/basket/chaperone/internal/concurrency"
	"github.com/basket/chaperone/internal/config"
	"github.com/basket/chaperone/internal/cron"
	"github.com/basket/chaperone/internal/hitl"
	"github.com/basket/chaperone/internal/intake"
	otelPkg "github.com/basket/chaperone/internal/otel"
	"github.com/basket/chaperone/internal/orchestrator"
	"github.com/basket/chaperone/internal/progress"
	"github.com/basket/chaperone/internal/pubsub"
	"github.com/basket/chaperone/internal/sandbox"
	"github.com/basket/chaperone/internal/task"
	"github.com/basket/chaperone/internal/telemetry"
	"log/slog"
)

// repoHost is the forge host intake requires repository URLs to come from.
// A single-tenant daemon targeting one forge does not need this configurable
// beyond an env override.
const defaultRepoHost = "github.com"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.QuietMode)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	settings, err := config.LoadSettings()
	if err != nil {
		fatalStartup(logger, "E_SETTINGS_LOAD", err)
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  os.Getenv("CHAPERONE_OTEL_ENABLED") == "1",
		Exporter: envOr("CHAPERONE_OTEL_EXPORTER", "none"),
		Endpoint: os.Getenv("CHAPERONE_OTEL_ENDPOINT"),
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS_INIT", err)
	}

	bus, err := pubsub.New(settings.PubSubURL, logger)
	if err != nil {
		fatalStartup(logger, "E_PUBSUB_NEW", err)
	}
	bus.SetMetrics(metrics.PubSubReconnects)
	if err := bus.Connect(ctx); err != nil {
		fatalStartup(logger, "E_PUBSUB_CONNECT", err)
	}
	defer bus.Disconnect()
	logger.Info("startup phase", "phase", "pubsub_connected")

	sandboxes, err := sandbox.New(logger, "", settings.ContainerSubID, settings.ContainerGroup)
	if err != nil {
		fatalStartup(logger, "E_SANDBOX_INIT", err)
	}
	defer sandboxes.Close()

	controller := concurrency.New[task.Task](settings.MaxConcurrent, logger)
	tasks := task.New(bus, controller, logger)
	tasks.SetMetrics(metrics.TaskSubmissions, metrics.ConcurrencyQueueDepth, metrics.ConcurrencyRunning)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start, hot-reload disabled", "error", err)
	}
	go watchConfigReloads(ctx, watcher, logger)

	// The chat channel needs an Intake, and the Question Handler needs the
	// channel as its messenger: construct Intake first without a Question
	// Handler, build the channel against it, then wire the Question Handler
	// (which depends on the channel) back into Intake.
	repoHost := envOr("CHAPERONE_REPO_HOST", defaultRepoHost)
	in := intake.New(tasks, nil, repoHost, logger)
	telegram := channels.NewTelegramChannel(settings.ChatBotToken, nil, in, logger)
	_ = settings.ChatAppToken // reserved for a future Slack-style Channel implementation behind the same interface

	questionHandler := hitl.New(tasks, bus, bus, telegram, 0, logger)
	questionHandler.SetMetrics(metrics.HITLWaitDuration)
	in.SetQuestionHandler(questionHandler)

	notifier := progress.New(bus, bus, telegram, logger)

	runner := orchestrator.New(sandboxes, tasks, questionHandler, notifier, telegram, settings.RepoCredential, logger)
	runner.SetMetrics(metrics.SandboxCreateDuration, metrics.SandboxDestroyDuration, metrics.TaskDuration)
	in.SetLauncher(runner)

	sweeper := cron.NewScheduler(cron.Config{
		Logger:   logger,
		Interval: time.Duration(cfg.HeartbeatIntervalMinutes) * time.Minute,
		Sweep:    retentionSweep(bus, cfg),
	})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	healthSrv := startHealthServer(cfg.BindAddr, logger)
	go reportOutboxSize(ctx, bus, metrics)

	channelErr := make(chan error, 1)
	go func() {
		channelErr <- telegram.Start(ctx)
	}()
	logger.Info("chaperone started", "channel", telegram.Name(), "max_concurrent", settings.MaxConcurrent)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-channelErr:
		if err != nil {
			logger.Error("channel exited with error", "error", err)
		}
	}

	drain, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeoutSeconds)*time.Second)
	defer cancel()
	if err := healthSrv.Shutdown(drain); err != nil {
		logger.Warn("health server shutdown incomplete", "error", err)
	}
	logger.Info("chaperone stopped")
}

// watchConfigReloads applies hot-reloadable config changes as they arrive.
// Only the outer Config layer is re-read; Settings stays fixed for the
// process lifetime.
func watchConfigReloads(ctx context.Context, w *config.Watcher, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config reload failed, keeping previous values", "path", ev.Path, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", ev.Path, "fingerprint", newCfg.Fingerprint())
		}
	}
}

// retentionSweep closes over the pub/sub client and config to build the
// cron package's injected sweep callback, keeping both free of a direct
// dependency on each other.
func retentionSweep(bus *pubsub.Client, cfg config.Config) cron.SweepFunc {
	return func(ctx context.Context) (cron.Sweep, error) {
		var result cron.Sweep

		if cfg.RetentionIdempotencyHours > 0 {
			keys, err := bus.Scan(ctx, "idempotency:*")
			if err != nil {
				return result, fmt.Errorf("retention sweep: scan idempotency keys: %w", err)
			}
			maxAge := time.Duration(cfg.RetentionIdempotencyHours) * time.Hour
			for _, key := range keys {
				ttl, err := bus.TTL(ctx, key)
				if err != nil {
					continue
				}
				// A key with no TTL (-1) predates TTL enforcement; treat it as
				// expired once it is older than the retention window allows.
				if ttl < 0 || ttl > maxAge {
					if err := bus.Del(ctx, key); err == nil {
						result.ExpiredIdempotencyKeys++
					}
				}
			}
		}

		if cfg.RetentionAuditLogDays > 0 {
			cutoff := time.Now().AddDate(0, 0, -cfg.RetentionAuditLogDays)
			dropped, err := audit.Purge(cfg.HomeDir, cutoff)
			if err != nil {
				return result, fmt.Errorf("retention sweep: purge audit log: %w", err)
			}
			result.PurgedAuditEntries = dropped
		}

		return result, nil
	}
}

// startHealthServer exposes a minimal liveness endpoint on cfg.BindAddr, the
// same convention the teacher's gateway uses for its own health check.
func startHealthServer(bindAddr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: bindAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server failed", "error", err)
		}
	}()
	logger.Info("health server listening", "addr", bindAddr)
	return srv
}

// reportOutboxSize samples the pub/sub client's buffered-while-disconnected
// outbox on a fixed interval, since OutboxSize has no change notification of
// its own to drive the gauge from.
func reportOutboxSize(ctx context.Context, bus *pubsub.Client, metrics *otelPkg.Metrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	last := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			size := bus.OutboxSize()
			if delta := size - last; delta != 0 {
				metrics.PubSubOutboxSize.Add(ctx, int64(delta))
				last = size
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode+": "+message, "")

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	os.Exit(1)
}
