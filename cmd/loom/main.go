package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aristath/loom/internal/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	if err == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	var ee *cmd.ExitError
	if errors.As(err, &ee) {
		os.Exit(ee.Code)
	}
	// Anything unwrapped came from argument or flag parsing.
	os.Exit(2)
}
