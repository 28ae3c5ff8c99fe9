package steve

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// registerSignalHandler installs the graceful shutdown hook: on SIGTERM
// or SIGINT the manager stops, waiting for in-flight handlers. The hook
// is registered at most once per Manager and released on Stop, so
// multiple managers in one process do not pile up stale handlers. The
// library never calls os.Exit.
func (m *Manager) registerSignalHandler() {
	m.signalOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGTERM, os.Interrupt)

		go func() {
			defer signal.Stop(ch)
			select {
			case sig := <-ch:
				m.logger.Info("termination signal received, stopping",
					slog.String("signal", sig.String()),
				)
				if err := m.Stop(context.Background()); err != nil {
					m.logger.Error("stop after termination signal failed",
						slog.String("error", err.Error()),
					)
				}
			case <-m.signalDone:
			}
		}()
	})
}
