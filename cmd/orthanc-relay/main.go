package main

// ============================================================================
// orthanc-relay entry point
// 1. Cancel the root context on SIGINT or SIGTERM
// 2. Run the CLI, all logic lives in internal/cli
// 3. Recover from panics with a non-zero exit
// ============================================================================

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ChuLiYu/orthanc-relay/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx)
	stop()
	os.Exit(code)
}
