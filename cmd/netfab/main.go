package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/opennetfab/opennetfab/cmd/netfab/commands"
	"github.com/opennetfab/opennetfab/pkg/worker"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Cancelling the root context is the graceful shutdown path: the
	// worker stops dequeuing, the in-flight job drains, and commands
	// return nil.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		if errors.Is(err, worker.ErrQueueCorrupted) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
