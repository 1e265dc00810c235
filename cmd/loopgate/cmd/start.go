package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/spf13/cobra"

	"github.com/loopgate/loopgate/internal/adapter/inbound/ops"
	"github.com/loopgate/loopgate/internal/adapter/inbound/tcp"
	sqliteaudit "github.com/loopgate/loopgate/internal/adapter/outbound/audit"
	"github.com/loopgate/loopgate/internal/config"
	"github.com/loopgate/loopgate/internal/domain/rpc"
	"github.com/loopgate/loopgate/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the bridge server",
	Long: `Start the LoopGate bridge server.

The server binds 127.0.0.1 on a fixed port (server.port) or negotiates
one from [server.min_port, server.max_port]. The chosen port is printed
to stdout as the first line so wrapping tooling can parse it.

Examples:
  # Start with config file settings
  loopgate start

  # Start on a fixed port
  LOOPGATE_SERVER_PORT=42100 loopgate start

  # Start with a specific config file
  loopgate --config /path/to/config.yaml start`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	// Logger goes to stderr; stdout is reserved for the port announcement.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))

	if configFile := config.FileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	return run(ctx, cfg, logger)
}

// run wires all components together and blocks until shutdown.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()

	// Audit trail is optional: no path, no store.
	var auditSvc *service.AuditService
	if cfg.Audit.Path != "" {
		store, err := sqliteaudit.NewSQLiteStore(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}

		dropCounter := promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: "loopgate",
			Name:      "audit_drops_total",
			Help:      "Total audit records dropped due to backpressure",
		})

		auditSvc = service.NewAuditService(store, logger,
			service.WithChannelSize(cfg.Audit.ChannelSize),
			service.WithFlushInterval(cfg.Audit.FlushInterval),
			service.WithDropCounter(dropCounter),
		)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := auditSvc.Stop(stopCtx); err != nil {
				logger.Warn("audit service shutdown", "error", err)
			}
		}()
		logger.Info("audit trail enabled", "path", cfg.Audit.Path)
	}

	handlers := rpc.NewRegistry()
	registerBuiltinHandlers(handlers)

	capabilities := map[string]interface{}{
		"transport":             "sse",
		"heartbeat_interval_ms": cfg.SSE.HeartbeatInterval.Milliseconds(),
		"methods":               handlers.Methods(),
	}

	serverOpts := []tcp.Option{
		tcp.WithSSEEnabled(cfg.SSE.Enabled),
		tcp.WithSSEPath(cfg.SSE.Path),
		tcp.WithHeartbeatInterval(cfg.SSE.HeartbeatInterval),
		tcp.WithCapabilities(capabilities),
		tcp.WithLogger(logger),
		tcp.WithMetricsRegistry(registry),
	}
	if cfg.Server.Port != 0 {
		serverOpts = append(serverOpts, tcp.WithPort(cfg.Server.Port))
	} else {
		serverOpts = append(serverOpts, tcp.WithPortRange(cfg.Server.MinPort, cfg.Server.MaxPort))
	}
	if auditSvc != nil {
		serverOpts = append(serverOpts, tcp.WithAuditSink(auditSvc))
	}

	server := tcp.NewServer(handlers, serverOpts...)

	// Ops sidecar runs on its own listener so scraping never competes
	// with the single-subscriber transport port.
	opsErrCh := make(chan error, 1)
	if cfg.Ops.Addr != "" {
		opsServer := ops.NewServer(cfg.Ops.Addr, registry,
			ops.WithLogger(logger),
			ops.WithVersion(Version),
		)
		go func() {
			if err := opsServer.Start(ctx); err != nil {
				opsErrCh <- err
			}
			close(opsErrCh)
		}()
	}

	// Announce the negotiated port on stdout once the listener is bound.
	go func() {
		select {
		case <-server.Ready():
			fmt.Printf("PORT=%d\n", server.Port())
		case <-ctx.Done():
		}
	}()

	logger.Info("loopgate starting",
		"version", Version,
		"sse_enabled", cfg.SSE.Enabled,
		"sse_path", cfg.SSE.Path,
		"heartbeat_interval", cfg.SSE.HeartbeatInterval,
		"audit", cfg.Audit.Path != "",
		"ops_addr", cfg.Ops.Addr,
	)

	if err := server.Start(ctx); err != nil {
		return err
	}

	// Surface a sidecar failure that happened while we were running.
	select {
	case err, ok := <-opsErrCh:
		if ok && err != nil {
			logger.Warn("ops server exited with error", "error", err)
		}
	default:
	}

	logger.Info("loopgate stopped")
	return nil
}

// registerBuiltinHandlers installs the methods every deployment serves.
func registerBuiltinHandlers(handlers *rpc.Registry) {
	handlers.RegisterFunc("ping", func(client rpc.Client, params json.RawMessage) (*rpc.Result, error) {
		return &rpc.Result{Value: map[string]string{"status": "ok"}}, nil
	})
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
