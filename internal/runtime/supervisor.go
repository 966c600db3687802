package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nupi-ai/voiced/internal/eventbus"
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// current supervisor state.
	ErrInvalidState = errors.New("runtime: invalid supervisor state")
	// ErrAlreadyRegistered is returned when a component name is reused.
	ErrAlreadyRegistered = errors.New("runtime: component already registered")
)

// StartError reports the component whose Start aborted the startup sequence.
type StartError struct {
	Component string
	Err       error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("runtime: start component %q: %v", e.Component, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// HealthReport is the probe result of a single component.
type HealthReport struct {
	Component string
	Healthy   bool
	Err       error
}

const (
	defaultSlowStopWarning = time.Second
	maxConcurrentProbes    = 8
)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger.Named("supervisor")
		}
	}
}

// WithPublisher makes the supervisor publish state transitions and health
// issues.
func WithPublisher(p eventbus.Publisher) Option {
	return func(s *Supervisor) {
		s.publisher = p
	}
}

// WithSlowStopWarning sets the duration after which a component stop is
// logged as slow.
func WithSlowStopWarning(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.slowStop = d
		}
	}
}

// Supervisor starts registered components in order, rolls back on failure and
// stops them in reverse order.
type Supervisor struct {
	logger    *zap.Logger
	publisher eventbus.Publisher
	slowStop  time.Duration

	// opMu serialises Start and Stop.
	opMu sync.Mutex

	mu         sync.Mutex
	state      State
	components []Component
	names      map[string]struct{}
	started    []Component
	lifecycle  *Lifecycle
	done       chan struct{}
	// abortStart cancels the Start in progress, if any.
	abortStart context.CancelFunc
}

// NewSupervisor returns a stopped supervisor with no components.
func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:    zap.NewNop(),
		slowStop:  defaultSlowStopWarning,
		names:     make(map[string]struct{}),
		lifecycle: NewLifecycle(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register appends c to the startup order.
func (s *Supervisor) Register(c Component) error {
	if c == nil {
		return fmt.Errorf("runtime: nil component")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStopped {
		return fmt.Errorf("%w: cannot register %q while %s", ErrInvalidState, c.Name(), s.state)
	}
	if _, exists := s.names[c.Name()]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, c.Name())
	}
	s.names[c.Name()] = struct{}{}
	s.components = append(s.components, c)
	return nil
}

// Components returns the registered component names in startup order.
func (s *Supervisor) Components() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.components))
	for i, c := range s.components {
		out[i] = c.Name()
	}
	return out
}

// State returns the current supervisor state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ShutdownSignal fires once when a stop of the current run is initiated.
func (s *Supervisor) ShutdownSignal() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle.Done()
}

// Done is closed when the current run has fully stopped, either through Stop
// or a rolled back Start.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Start starts every component in registration order. On the first failure
// the already started components are stopped in reverse order and a
// *StartError is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != StateStopped && s.state != StateError {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: start while %s", ErrInvalidState, state)
	}
	from := s.state
	s.state = StateStarting
	s.lifecycle = NewLifecycle()
	s.done = make(chan struct{})
	s.started = nil
	components := append([]Component(nil), s.components...)
	ctx, cancel := context.WithCancel(ctx)
	s.abortStart = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.abortStart = nil
		s.mu.Unlock()
		cancel()
	}()
	s.announce(ctx, from, StateStarting)

	for _, c := range components {
		err := ctx.Err()
		if err == nil {
			s.logger.Info("starting component", zap.String("component", c.Name()))
			err = c.Start(ctx)
		}
		if err != nil {
			s.logger.Error("component failed to start", zap.String("component", c.Name()), zap.Error(err))
			s.setState(ctx, StateError)
			s.rollback(context.WithoutCancel(ctx))
			s.finish(ctx)
			return &StartError{Component: c.Name(), Err: err}
		}
		s.mu.Lock()
		s.started = append(s.started, c)
		s.mu.Unlock()
	}

	s.setState(ctx, StateRunning)
	s.logger.Info("supervisor running", zap.Int("components", len(components)))
	return nil
}

// cancelStart aborts a Start in progress; it rolls back as if a component
// had failed.
func (s *Supervisor) cancelStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abortStart != nil {
		s.abortStart()
	}
}

// Stop initiates shutdown: the shutdown signal fires, then started components
// are stopped in reverse order. Failures are logged and joined into the
// returned error; they never interrupt the sequence. Stop is a no-op unless
// the supervisor is running.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	s.lifecycle.Shutdown()
	s.mu.Unlock()
	s.announce(ctx, StateRunning, StateStopping)

	err := s.stopStarted(ctx)
	s.finish(ctx)
	return err
}

func (s *Supervisor) rollback(ctx context.Context) {
	if err := s.stopStarted(ctx); err != nil {
		s.logger.Warn("rollback finished with errors", zap.Error(err))
	}
}

func (s *Supervisor) stopStarted(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = nil
	s.mu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		c := started[i]
		begin := time.Now()
		err := c.Stop(ctx)
		elapsed := time.Since(begin)
		if elapsed > s.slowStop {
			s.logger.Warn("slow component stop",
				zap.String("component", c.Name()),
				zap.Duration("elapsed", elapsed))
		}
		if err != nil {
			s.logger.Error("component failed to stop", zap.String("component", c.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("runtime: stop component %q: %w", c.Name(), err))
			continue
		}
		s.logger.Info("component stopped", zap.String("component", c.Name()), zap.Duration("elapsed", elapsed))
	}
	return errors.Join(errs...)
}

// finish moves to Stopped and releases Done waiters.
func (s *Supervisor) finish(ctx context.Context) {
	s.mu.Lock()
	s.lifecycle.Shutdown()
	done := s.done
	s.mu.Unlock()
	s.setState(ctx, StateStopped)
	close(done)
}

func (s *Supervisor) setState(ctx context.Context, to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	s.announce(ctx, from, to)
}

func (s *Supervisor) announce(ctx context.Context, from, to State) {
	s.logger.Debug("state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	eventbus.Emit(context.WithoutCancel(ctx), s.publisher, eventbus.StateChanged{
		Component: "supervisor",
		From:      from.String(),
		To:        to.String(),
	})
}

// HealthCheck probes every registered component concurrently. The result is
// the AND of the individual probes; unhealthy components are reported on the
// bus but never restarted.
func (s *Supervisor) HealthCheck(ctx context.Context) (bool, []HealthReport) {
	s.mu.Lock()
	components := append([]Component(nil), s.components...)
	s.mu.Unlock()

	reports := make([]HealthReport, len(components))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for i, c := range components {
		g.Go(func() error {
			// Probes still waiting for a slot are skipped once the caller
			// gives up.
			if err := gctx.Err(); err != nil {
				reports[i] = HealthReport{Component: c.Name(), Err: fmt.Errorf("probe skipped: %w", err)}
				return err
			}
			err := c.HealthCheck(gctx)
			reports[i] = HealthReport{Component: c.Name(), Healthy: err == nil, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("health check cut short", zap.Error(err))
	}

	healthy := true
	for _, r := range reports {
		if r.Healthy {
			continue
		}
		healthy = false
		s.logger.Warn("component unhealthy", zap.String("component", r.Component), zap.Error(r.Err))
		eventbus.Emit(ctx, s.publisher, eventbus.HealthIssueDetected{Component: r.Component, Issue: r.Err.Error()})
	}
	return healthy, reports
}
