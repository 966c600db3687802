package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nupi-ai/voiced/internal/config"
	"github.com/nupi-ai/voiced/internal/eventbus"
	"github.com/nupi-ai/voiced/internal/logging"
	"github.com/nupi-ai/voiced/internal/narration"
)

type sayOptions struct {
	kind    string
	markup  bool
	timeout time.Duration
}

func newSayCommand(opts *globalOptions) *cobra.Command {
	sayOpts := &sayOptions{}
	cmd := &cobra.Command{
		Use:   "say <text>",
		Short: "Speak text through the configured engine and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := narration.ParseKind(sayOpts.kind)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, cancel := context.WithTimeout(ctx, sayOpts.timeout)
			defer cancel()
			return say(ctx, opts, narration.Message{
				Kind:     kind,
				Text:     strings.Join(args, " "),
				IsMarkup: sayOpts.markup,
			})
		},
	}
	cmd.Flags().StringVarP(&sayOpts.kind, "kind", "k", string(narration.KindInfo), "message kind (critical, error, prompt, confirmation, reading, info, background)")
	cmd.Flags().BoolVar(&sayOpts.markup, "markup", false, "treat text as speech markup")
	cmd.Flags().DurationVar(&sayOpts.timeout, "timeout", 30*time.Second, "give up after this long")
	return cmd
}

// say runs a minimal pipeline: a bus and the narration service, nothing else.
func say(ctx context.Context, opts *globalOptions, msg narration.Message) error {
	cfg, err := config.LoadOrDefault(config.ResolvePath(opts.configPath))
	if err != nil {
		return err
	}
	logger, flush, err := logging.New(logging.Options{Level: cfg.Runtime.LogLevel, Development: opts.dev})
	if err != nil {
		return err
	}
	defer flush()

	bus := eventbus.New(append(cfg.BusOptions(), eventbus.WithLogger(logger))...)
	if err := bus.Start(ctx); err != nil {
		return err
	}
	defer bus.Close()

	synth, err := narration.NewEngine(cfg.Output.Engine, narration.EngineOptions{Logger: logger, Config: cfg.Output.EngineOptions})
	if err != nil {
		return err
	}
	svc := narration.New(synth, narration.WithLogger(logger), narration.WithBus(bus), narration.WithSettings(cfg.NarrationSettings()))

	finished := make(chan eventbus.Envelope, 16)
	bus.Subscribe([]eventbus.EventType{eventbus.TypeNarrationCompleted, eventbus.TypeNarrationInterrupted},
		func(_ context.Context, env eventbus.Envelope) {
			select {
			case finished <- env:
			default:
			}
		}, eventbus.WithName("cli.say"))

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop(context.WithoutCancel(ctx))

	handle := svc.Enqueue(msg)
	for {
		select {
		case env := <-finished:
			switch ev := env.Event.(type) {
			case eventbus.NarrationCompleted:
				if ev.ID != handle.ID() {
					continue
				}
				if !ev.Success {
					return fmt.Errorf("speech failed: %s", ev.Err)
				}
				return nil
			case eventbus.NarrationInterrupted:
				if ev.ID == handle.ID() {
					return fmt.Errorf("speech interrupted: %s", ev.Reason)
				}
			}
		case <-ctx.Done():
			handle.Cancel()
			return fmt.Errorf("say: %w", ctx.Err())
		}
	}
}
