// Tentacle - the intruder-facing front end of a shell honeypot.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tentacle/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "tentacle: %v\n", err)
		os.Exit(1)
	}
}
