package main

import (
	"os"
	"os/signal"
	"syscall"

	"marketsim/internal/bootstrap"
)

func main() {
	container := bootstrap.NewContainer()
	container.MustInit()

	if err := container.Start(); err != nil {
		container.Log.Errorw("Startup failed", "error", err)
		container.Shutdown()
		os.Exit(1)
	}

	waitForShutdown(container)
}

// waitForShutdown blocks until SIGINT/SIGTERM or a fatal component error,
// then tears everything down
func waitForShutdown(container *bootstrap.Container) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		container.Log.Infow("Shutdown signal received", "signal", sig.String())
	case <-container.Context.Done():
		container.Log.Warn("Application context cancelled, shutting down")
	}

	container.Shutdown()
}
