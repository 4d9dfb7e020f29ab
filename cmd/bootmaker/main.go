// Package main is the unprivileged bootmaker command line client.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"bootmaker/internal/cli"
	"bootmaker/internal/logging"
)

func main() {
	// Client diagnostics stay quiet unless asked for; stdout carries the events.
	if err := logging.SetLevel(envOr("BOOTMAKER_LOG_LEVEL", "warn")); err != nil {
		logging.Warnf("Ignoring log level: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Args[1:], cli.ConnectController, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
