package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nupi-ai/voiced/internal/config"
	"github.com/nupi-ai/voiced/internal/logging"
	"github.com/nupi-ai/voiced/internal/runtime"
	"github.com/nupi-ai/voiced/internal/version"
)

const shutdownTimeout = 15 * time.Second

func newRunCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the voice runtime until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}
}

func runDaemon(ctx context.Context, opts *globalOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	path := config.ResolvePath(opts.configPath)
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return err
	}

	paths := config.DefaultPaths()
	if err := paths.EnsureDirs(); err != nil {
		return fmt.Errorf("prepare %s: %w", paths.Home, err)
	}

	logger, flush, err := logging.New(logging.Options{
		Level:       cfg.Runtime.LogLevel,
		File:        cfg.Runtime.LogFile,
		Development: opts.dev,
	})
	if err != nil {
		return err
	}
	defer flush()

	pidFile := cfg.Runtime.PIDFile
	if pidFile == "" {
		pidFile = paths.PID
	}
	if err := runtime.WritePIDFile(pidFile, os.Getpid()); err != nil {
		return err
	}
	defer runtime.RemovePIDFile(pidFile)

	a, err := newApp(cfg, path, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("voiced starting",
		zap.String("version", version.Display()),
		zap.String("config", path),
		zap.Strings("components", a.supervisor.Components()))

	stop := a.supervisor.SetupSignalHandlers(ctx)
	defer stop()

	if err := a.supervisor.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("startup interrupted")
			return nil
		}
		return err
	}

	select {
	case <-a.supervisor.Done():
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.supervisor.Stop(stopCtx); err != nil {
			logger.Error("shutdown finished with errors", zap.Error(err))
		}
	}

	logger.Info("voiced stopped")
	return nil
}
