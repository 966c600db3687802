package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nupi-ai/voiced/internal/config"
	"github.com/nupi-ai/voiced/internal/version"
)

type globalOptions struct {
	configPath string
	envFiles   []string
	logLevel   string
	dev        bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:           "voiced",
		Short:         "Voice assistant runtime - event bus, narration and context",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadEnv(opts.envFiles...); err != nil {
				return fmt.Errorf("load env: %w", err)
			}
			if opts.logLevel != "" {
				return os.Setenv(config.EnvLogLevel, opts.logLevel)
			}
			return nil
		},
	}
	rootCmd.Version = version.Display()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "configuration file (default $"+config.EnvConfig+" or ~/.voiced/config.yaml)")
	flags.StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files loaded before the configuration (default .env)")
	flags.StringVar(&opts.logLevel, "log-level", "", "override runtime.log_level")
	flags.BoolVar(&opts.dev, "dev", false, "human-readable development logging")

	rootCmd.AddCommand(
		newRunCommand(opts),
		newCheckConfigCommand(opts),
		newSayCommand(opts),
		newVersionCommand(),
	)
	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			v := version.String()
			if version.Release(v) {
				fmt.Fprintln(out, version.Format(v))
				return
			}
			fmt.Fprintf(out, "%s (development build)\n", version.Format(v))
		},
	}
}
