// Command swarmlink runs the agent-to-agent coordination daemon. It hosts
// the durable job store, concurrency gate, orchestrator, notification queue,
// and maintenance reaper; actual peer transports register their exchange
// flow against the engine. The built-in loopback flow exists so the daemon
// can be exercised end to end without a transport.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/swarmlink/internal/config"
	"github.com/basket/swarmlink/internal/engine"
	"github.com/basket/swarmlink/internal/shared"
	"github.com/basket/swarmlink/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

func main() {
	var (
		versionFlag = flag.Bool("version", false, "print version and exit")
		smokeFlag   = flag.Bool("smoke", false, "run a loopback exchange end-to-end, then exit")
		loopback    = flag.Bool("loopback", false, "register the built-in loopback flow and log deliverer")
		quiet       = flag.Bool("quiet", false, "log to file only, not stdout")
	)
	flag.Parse()

	if *versionFlag {
		fmt.Println("swarmlink", Version)
		return
	}

	if flag.Arg(0) == "doctor" {
		if err := runDoctor(); err != nil {
			fmt.Fprintln(os.Stderr, "swarmlink:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*smokeFlag, *loopback, *quiet); err != nil {
		fmt.Fprintln(os.Stderr, "swarmlink:", err)
		os.Exit(1)
	}
}

func run(smoke, loopback, quiet bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	logger.Info("swarmlink starting", "version", Version, "home", cfg.HomeDir, "trace_id", traceID)

	rt, err := engine.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if smoke || loopback {
		rt.RegisterFlow(loopbackFlow(logger, rt.Tracer()))
		rt.RegisterDeliverer(logDeliverer(logger))
	}

	if err := rt.Start(ctx); err != nil {
		return err
	}

	watchConfig(ctx, cfg, logger)

	if smoke {
		err := runSmoke(ctx, rt, logger)
		shutdown(rt, logger)
		return err
	}

	<-ctx.Done()
	logger.Info("swarmlink shutting down")
	shutdown(rt, logger)
	return nil
}

func shutdown(rt *engine.Runtime, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt.Stop(ctx)
	logger.Info("swarmlink stopped")
}

// watchConfig reloads config.yaml on change and logs whether the change
// needs a restart. Components take fixed settings at construction, so a
// fingerprint change cannot be applied live.
func watchConfig(ctx context.Context, active config.Config, logger *slog.Logger) {
	w := config.NewWatcher(active.HomeDir, logger)
	if err := w.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
		return
	}
	go func() {
		fingerprint := active.Fingerprint()
		for range w.Events() {
			reloaded, err := config.Load()
			if err != nil {
				logger.Error("config reload failed, keeping active config", "error", err)
				continue
			}
			if reloaded.Fingerprint() == fingerprint {
				logger.Info("config change is cosmetic, nothing to do")
				continue
			}
			logger.Warn("config change requires restart to take effect",
				"old", fingerprint, "new", reloaded.Fingerprint())
		}
	}()
}
