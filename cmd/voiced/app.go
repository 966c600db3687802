package main

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"go.uber.org/zap"

	"github.com/nupi-ai/voiced/internal/config"
	"github.com/nupi-ai/voiced/internal/conversation"
	"github.com/nupi-ai/voiced/internal/eventbus"
	"github.com/nupi-ai/voiced/internal/journal"
	"github.com/nupi-ai/voiced/internal/metrics"
	"github.com/nupi-ai/voiced/internal/narration"
	"github.com/nupi-ai/voiced/internal/runtime"
	"github.com/nupi-ai/voiced/internal/server"
)

// app holds the wired runtime. Components are registered with the
// supervisor in dependency order: the bus first so every later component can
// publish during its own start.
type app struct {
	cfg        config.Config
	logger     *zap.Logger
	bus        *eventbus.Bus
	supervisor *runtime.Supervisor
	narration  *narration.Service
	store      *conversation.Store
	collector  *metrics.Collector
	journal    *journal.Journal
	server     *server.Server
}

func newApp(cfg config.Config, configPath string, logger *zap.Logger) (*app, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &app{cfg: cfg, logger: logger}

	a.bus = eventbus.New(append(cfg.BusOptions(), eventbus.WithLogger(logger))...)
	a.supervisor = runtime.NewSupervisor(runtime.WithLogger(logger), runtime.WithPublisher(a.bus))

	synth, err := narration.NewEngine(cfg.Output.Engine, narration.EngineOptions{
		Logger: logger,
		Config: cfg.Output.EngineOptions,
	})
	if err != nil {
		return nil, err
	}
	a.narration = narration.New(synth,
		narration.WithLogger(logger),
		narration.WithBus(a.bus),
		narration.WithSettings(cfg.NarrationSettings()))

	a.store = conversation.NewStore(
		conversation.WithCapacity(cfg.Context.Capacity),
		conversation.WithLookback(cfg.Context.Lookback),
		conversation.WithPublisher(a.bus),
		conversation.WithLogger(logger))
	contextRecorder := conversation.NewRecorder(a.store, a.bus,
		conversation.WithSavePath(cfg.Context.SavePath),
		conversation.WithRecorderLogger(logger))

	a.collector = metrics.NewCollector()
	counter := metrics.NewEventCounter()
	metricsRecorder := metrics.NewRecorder(a.collector, a.bus,
		metrics.WithLogger(logger),
		metrics.WithEventCounter(counter),
		metrics.WithSnapshotInterval(cfg.Metrics.SnapshotInterval))

	components := []runtime.Component{a.bus, a.narration, contextRecorder, metricsRecorder}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		a.journal = j
		components = append(components, journal.NewRecorder(j, a.bus,
			journal.WithLogger(logger),
			journal.WithRetention(cfg.Journal.Retention)))
	}

	if cfg.Metrics.ExporterAddr != "" {
		registry := metrics.NewRegistry(metrics.NewPrometheusCollector(a.collector, counter, a.bus, a.narration))
		a.server = server.New(cfg.Metrics.ExporterAddr,
			server.WithLogger(logger),
			server.WithGatherer(registry),
			server.WithHealth(a.supervisor),
			server.WithEventBus(a.bus),
			server.WithAllowedOrigins(cfg.Metrics.AllowedOrigins...))
		components = append(components, a.server)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			components = append(components, config.NewWatcher(configPath, a.applyConfig,
				config.WithLogger(logger),
				config.WithPublisher(a.bus)))
		}
	}

	for _, c := range components {
		if err := a.supervisor.Register(c); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// applyConfig re-applies the parts of a reloaded document that can change at
// runtime. Everything else needs a restart.
func (a *app) applyConfig(cfg config.Config) {
	a.narration.ApplyConfig(cfg.NarrationSettings())
	if cfg.Output.Engine != a.cfg.Output.Engine {
		a.logger.Warn("output engine change requires a restart",
			zap.String("running", a.cfg.Output.Engine), zap.String("configured", cfg.Output.Engine))
	}
	if cfg.Metrics.ExporterAddr != a.cfg.Metrics.ExporterAddr ||
		!slices.Equal(cfg.Metrics.AllowedOrigins, a.cfg.Metrics.AllowedOrigins) ||
		cfg.Journal != a.cfg.Journal {
		a.logger.Warn("metrics and journal changes require a restart")
	}
}

// Close releases resources owned outside the supervisor.
func (a *app) Close() error {
	var errs []error
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	a.bus.Close()
	return errors.Join(errs...)
}
