package runtime

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// SetupSignalHandlers stops the supervisor when SIGINT or SIGTERM arrives.
// A signal during Start aborts it and rolls back the components already
// started. The watcher runs until ctx is done or the returned function is
// called.
func (s *Supervisor) SetupSignalHandlers(ctx context.Context) (stop func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case sig := <-sigChan:
				s.logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
				s.cancelStart()
				if err := s.Stop(context.WithoutCancel(ctx)); err != nil {
					s.logger.Error("shutdown finished with errors", zap.Error(err))
				}
			case <-ctx.Done():
				return
			case <-quit:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigChan)
			close(quit)
			wg.Wait()
		})
	}
}
