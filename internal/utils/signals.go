package utils

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/naotama2002/spotify-auth-go/internal/logging"
)

// ShutdownContext returns a context that is cancelled on SIGINT or SIGTERM.
// cleanup, when non-nil, runs once before the cancellation.
func ShutdownContext(parent context.Context, cleanup func() error) (context.Context, context.CancelFunc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := watchSignals(parent, c, cleanup)
	return ctx, func() {
		signal.Stop(c)
		cancel()
	}
}

func watchSignals(parent context.Context, signals <-chan os.Signal, cleanup func() error) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		select {
		case sig := <-signals:
			logging.Info("CLI", "received signal %v, shutting down", sig)
			if cleanup != nil {
				if err := cleanup(); err != nil {
					logging.Error("CLI", err, "cleanup failed")
				}
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
