package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/nupi-ai/voiced/internal/config"
	"github.com/nupi-ai/voiced/internal/narration"
)

func newCheckConfigCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			path := config.ResolvePath(opts.configPath)

			if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintf(out, "%s does not exist, using defaults\n", path)
			}
			cfg, err := config.LoadOrDefault(path)
			if err != nil {
				var verr *config.ValidationError
				if errors.As(err, &verr) {
					for _, p := range verr.Problems {
						fmt.Fprintf(out, "  - %s\n", p)
					}
					return fmt.Errorf("%s: %d problem(s)", path, len(verr.Problems))
				}
				return err
			}

			fmt.Fprintf(out, "configuration OK: %s\n", path)
			fmt.Fprintf(out, "  event bus:  capacity %d, %s\n", cfg.EventBus.Capacity, cfg.EventBus.Backpressure)
			fmt.Fprintf(out, "  output:     engine %s (available: %v)\n", cfg.Output.Engine, narration.Engines())
			fmt.Fprintf(out, "  context:    capacity %d, lookback %d\n", cfg.Context.Capacity, cfg.Context.Lookback)
			if cfg.Metrics.ExporterAddr != "" {
				fmt.Fprintf(out, "  exporter:   %s\n", cfg.Metrics.ExporterAddr)
				for _, origin := range cfg.Metrics.AllowedOrigins {
					fmt.Fprintf(out, "  origin:     %s\n", origin)
				}
			}
			if cfg.Journal.Path != "" {
				fmt.Fprintf(out, "  journal:    %s\n", cfg.Journal.Path)
			}
			return nil
		},
	}
}
