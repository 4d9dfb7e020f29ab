// Package main is the entry point for the privileged bootmaker endpoint.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"bootmaker/internal/config"
	"bootmaker/internal/logging"
	"bootmaker/internal/server"
	"bootmaker/internal/telemetry"
	"bootmaker/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && os.Getenv("BOOTMAKER_DEBUG") == "true" {
		logging.Debugf("No .env file loaded: %v", err)
	}

	flags := flag.NewFlagSet("bootmakerd", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "path to the TOML configuration file")
	showVersion := flags.Bool("version", false, "print version information and exit")
	hashToken := flags.Bool("hash-token", false, "read a token on stdin and print its bcrypt hash")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintf(stdout, "bootmakerd %s\n", version.Get())
		return 0
	}

	if *hashToken {
		if err := printTokenHash(stdin, stdout); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	if flags.Arg(0) == "setup-dirs" {
		if err := setupDirs(cfg, stdout); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	if err := serve(cfg); err != nil {
		logging.Errorf("bootmakerd stopped: %v", err)
		return 1
	}
	return 0
}

func serve(cfg *config.Config) error {
	if err := logging.Initialize(cfg.LogDir, cfg.LogLevel); err != nil {
		// Console logging still works without the file.
		logging.Warnf("Failed to initialize file logging: %v", err)
	} else {
		defer logging.Close() //nolint:errcheck // process is exiting
	}
	logger := logging.Component("main")

	rotation, err := logging.ScheduleRotation(cfg.LogRotateSchedule)
	if err != nil {
		return err
	}
	defer rotation.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	info := version.Get()
	shutdownTelemetry, err := telemetry.Initialize(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "bootmakerd",
		ServiceVersion: info.Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Headers:        cfg.Telemetry.Headers,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to initialize telemetry")
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	logger.Info().Str("version", info.Version).Str("config", cfg.String()).Msg("Starting bootmakerd")

	srv := server.New(cfg)
	if err := srv.Start(); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown requested")
	case serveErr = <-srv.Err():
		logger.Error().Err(serveErr).Msg("Endpoint failed")
	}

	// Room for the running workflow to be interrupted and its teardown to finish.
	timeout := 2*cfg.GracePeriod.Duration + server.ShutdownMargin
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err = errors.Join(serveErr, srv.Shutdown(shutdownCtx))
	if tErr := shutdownTelemetry(shutdownCtx); tErr != nil {
		logger.Warn().Err(tErr).Msg("Error shutting down telemetry")
	}
	return err
}

// printTokenHash reads a token from the first line of r and writes its bcrypt hash, for
// the auth_token_hash setting.
func printTokenHash(r io.Reader, w io.Writer) error {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read token: %w", err)
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return errors.New("empty token")
	}
	hash, err := server.HashToken(token)
	if err != nil {
		return fmt.Errorf("failed to hash token: %w", err)
	}
	_, err = fmt.Fprintln(w, hash)
	return err
}

// setupDirs creates the directories the endpoint writes to and checks they are writable.
func setupDirs(cfg *config.Config, w io.Writer) error {
	dirs := []struct {
		path string
		mode os.FileMode
	}{
		{cfg.MountRoot, 0o755},
		{cfg.LogDir, 0o750},
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir.path, dir.mode); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir.path, err)
		}

		probe := filepath.Join(dir.path, ".test_write")
		if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
			return fmt.Errorf("failed to verify write permissions in %s: %w", dir.path, err)
		}
		if err := os.Remove(probe); err != nil {
			logging.Warnf("Failed to remove %s: %v", probe, err)
		}
		fmt.Fprintf(w, "✓ %s\n", dir.path)
	}
	return nil
}
