// Maestro - concurrent orchestration of TCP and UDP network services.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"maestro/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "maestro: %v\n", err)
		os.Exit(1)
	}
}
