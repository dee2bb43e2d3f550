// Command hostemu runs unmodified kernel logic against sandboxed
// application processes, emulating the device's userspace/kernel boundary
// over per-process sockets.
//
// Each positional argument is an application executable; one slot is
// spawned per path, in order. Applications are run directly, no on-device
// binary format is parsed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hostemu/hostemu/internal/infrastructure/config"
	"github.com/hostemu/hostemu/internal/infrastructure/logging"
	"github.com/hostemu/hostemu/internal/infrastructure/monitoring"
	"github.com/hostemu/hostemu/internal/kernel"
	"github.com/hostemu/hostemu/internal/supervisor"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	cfg := config.LoadOrDefault()

	cmd := &cobra.Command{
		Use:          "hostemu APP [APP...]",
		Short:        "Host-side emulator for the userspace/kernel syscall boundary",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Supervisor.SocketDir, "socket-dir", cfg.Supervisor.SocketDir,
		"directory for per-process syscall sockets (default: run-scoped temp dir)")
	flags.DurationVar(&cfg.Supervisor.SpawnTimeout, "spawn-timeout", cfg.Supervisor.SpawnTimeout,
		"how long a spawned app gets to connect to its socket")
	flags.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level,
		"log level (debug, info, warn, error)")
	flags.BoolVar(&cfg.Logging.Development, "log-dev", cfg.Logging.Development,
		"human-readable console logging")
	flags.StringVar(&cfg.Metrics.Addr, "metrics-addr", cfg.Metrics.Addr,
		"listen address for Prometheus /metrics (empty disables)")

	return cmd
}

func run(cfg *config.Config, paths []string) error {
	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	metrics := monitoring.New()
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := monitoring.Serve(cfg.Metrics.Addr); err != nil {
				log.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	// The stand-in board: a dispatcher with the console driver wired to
	// the emulator's stdout. Platform-specific peripherals are out of
	// scope; anything else an app touches gets a no-device failure.
	dispatcher := kernel.NewDispatcher(log.Logger)
	dispatcher.Register(kernel.ConsoleDriverNum, kernel.NewConsole(os.Stdout, dispatcher))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(cfg.Supervisor, dispatcher, log.Logger, metrics)
	if err := sup.Run(ctx, paths); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	return nil
}
