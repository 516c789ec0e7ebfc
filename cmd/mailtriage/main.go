// Command mailtriage files Gmail messages using an LLM classifier.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/wesm/mailtriage/cmd/mailtriage/cmd"
)

const (
	exitFailure     = 1
	exitInterrupted = 130
)

func main() {
	// SIGTERM is how hosted deployments stop the worker.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := exitCode(ctx, cmd.ExecuteContext(ctx))
	stop()
	os.Exit(code)
}

func exitCode(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return exitInterrupted
	default:
		return exitFailure
	}
}
