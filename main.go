package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/lockplane/ratchet/cmd"
)

func main() {
	// Cancellation reaches Apply, which records the attempt as failed and
	// releases the lock before exiting.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cmd.Execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
