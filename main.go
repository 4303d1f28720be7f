// dbtunnel - expose a database endpoint behind an SSH bastion on a
// local loopback port.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dbtunnel/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "dbtunnel: %v\n", err)
		os.Exit(1)
	}
}
