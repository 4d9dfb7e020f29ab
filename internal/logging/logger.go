// Package logging provides unified logging infrastructure for bootmaker
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// FileName is the name of the active log file inside the log directory.
const FileName = "bootmakerd.log"

// output fans every record out to the console and, once initialized, the log file. All
// loggers write through it so rotation and late initialization reach loggers created
// earlier.
type output struct {
	mu      sync.Mutex
	console io.Writer
	file    *os.File
	logDir  string
}

func (o *output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.console != nil {
		if _, err := o.console.Write(p); err != nil {
			return 0, err
		}
	}
	if o.file != nil {
		return o.file.Write(p)
	}
	return len(p), nil
}

var (
	out = &output{
		console: zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
	}
	base = zerolog.New(out).With().Timestamp().Logger()
)

// Initialize sets up the logging system with file output in logDir and the given level
// ("debug", "info", "warn", "error"). It may be called again to move the log file.
func Initialize(logDir, level string) error {
	if err := SetLevel(level); err != nil {
		return err
	}

	// Create logs directory
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logPath := filepath.Join(logDir, FileName)
	file, err := openLogFile(logPath)
	if err != nil {
		return err
	}

	out.mu.Lock()
	previous := out.file
	out.file = file
	out.logDir = logDir
	out.mu.Unlock()

	if previous != nil {
		_ = previous.Close() //nolint:errcheck // replaced
	}

	Infof("Logging initialized: %s", logPath)
	return nil
}

// SetLevel changes the global level. An empty level means info.
func SetLevel(level string) error {
	if level == "" {
		level = "info"
	}
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(parsed)
	return nil
}

// SetConsole replaces the console writer. Tests use it to capture output; nil silences
// the console.
func SetConsole(w io.Writer) {
	out.mu.Lock()
	defer out.mu.Unlock()
	out.console = w
}

// Close closes the log file
func Close() error {
	out.mu.Lock()
	defer out.mu.Unlock()

	if out.file == nil {
		return nil
	}
	err := out.file.Close()
	out.file = nil
	return err
}

// Logger returns the root structured logger.
func Logger() *zerolog.Logger {
	return &base
}

// Component returns a logger tagged with the component name
func Component(name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// Errorf logs an error message
func Errorf(format string, v ...any) {
	base.Error().Msgf(format, v...)
}

// Warnf logs a warning message
func Warnf(format string, v ...any) {
	base.Warn().Msgf(format, v...)
}

// Infof logs an info message
func Infof(format string, v ...any) {
	base.Info().Msgf(format, v...)
}

// Debugf logs a debug message
func Debugf(format string, v ...any) {
	base.Debug().Msgf(format, v...)
}

// RotateLogs renames the current log file with a timestamp and starts a new one
func RotateLogs() error {
	out.mu.Lock()
	defer out.mu.Unlock()

	if out.file == nil {
		return fmt.Errorf("logger not initialized")
	}

	// Close current file
	if err := out.file.Close(); err != nil {
		return fmt.Errorf("failed to close current log file: %w", err)
	}

	// Rename current log file with timestamp
	oldPath := filepath.Join(out.logDir, FileName)
	newPath := filepath.Join(out.logDir, fmt.Sprintf("bootmakerd-%s.log", time.Now().Format("20060102-150405")))
	if err := os.Rename(oldPath, newPath); err != nil {
		// If rename fails, try to reopen the original file
		out.file, _ = openLogFile(oldPath) //nolint:errcheck // best effort
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	// Open new log file
	file, err := openLogFile(oldPath)
	if err != nil {
		out.file = nil
		return err
	}
	out.file = file
	return nil
}

// ScheduleRotation rotates the log file on a cron schedule such as "@daily". Stop the
// returned scheduler on shutdown.
func ScheduleRotation(schedule string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if err := RotateLogs(); err != nil {
			Errorf("Log rotation failed: %v", err)
			return
		}
		Infof("Log rotation completed")
	}); err != nil {
		return nil, fmt.Errorf("invalid log rotation schedule %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}

func openLogFile(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // log file path is from config
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}
