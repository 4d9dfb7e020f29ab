// Package runner supervises the external process behind one stage: it launches the tool
// in a pinned environment, turns its output into progress events and terminates it on
// cancellation.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"bootmaker/internal/planner"
	"bootmaker/internal/progress"
	"bootmaker/internal/protocol"
)

// DefaultGracePeriod is how long a terminated tool gets to exit before it is killed.
const DefaultGracePeriod = 5 * time.Second

const maxLineSize = 1024 * 1024

// baseEnv replaces the inherited environment so tool output is stable to parse.
var baseEnv = []string{
	"PATH=/usr/bin:/bin:/usr/sbin:/sbin",
	"LANG=C",
	"LC_ALL=C",
}

// ReportFunc receives every progress event a stage produces.
type ReportFunc func(protocol.ProgressEvent)

// AuditLog records launched commands and raw tool output.
type AuditLog interface {
	LogCommand(stageKey string, command string)
	LogOutput(stageKey string, line string)
}

type execCommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

func defaultExecCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...) //nolint:gosec // commands come from the planner
}

// Runner runs the stages of one workflow. It is not safe for concurrent Run calls; stages
// run one at a time.
type Runner struct {
	workflowID  string
	tracker     *progress.Tracker
	report      ReportFunc
	audit       AuditLog
	execCommand execCommandFunc
	gracePeriod time.Duration
	env         []string
	now         func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithGracePeriod sets how long a tool may take to exit after SIGTERM.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.gracePeriod = d
		}
	}
}

// WithEnv appends KEY=VALUE entries to the pinned environment.
func WithEnv(extra ...string) Option {
	return func(r *Runner) {
		r.env = append(r.env, extra...)
	}
}

// WithAuditLog sets where commands and raw output lines are recorded.
func WithAuditLog(audit AuditLog) Option {
	return func(r *Runner) {
		r.audit = audit
	}
}

// WithExec replaces process construction. Tests use it to stand in shell scripts for tools.
func WithExec(fn func(ctx context.Context, name string, args ...string) *exec.Cmd) Option {
	return func(r *Runner) {
		r.execCommand = fn
	}
}

// New creates a runner that reports events for workflowID and advances tracker.
func New(workflowID string, tracker *progress.Tracker, report ReportFunc, opts ...Option) *Runner {
	r := &Runner{
		workflowID:  workflowID,
		tracker:     tracker,
		report:      report,
		audit:       nopAudit{},
		execCommand: defaultExecCommand,
		gracePeriod: DefaultGracePeriod,
		env:         append([]string(nil), baseEnv...),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.report == nil {
		r.report = func(protocol.ProgressEvent) {}
	}
	return r
}

// Run executes stage and blocks until its process exits. It returns ErrCancelled when ctx
// ends first and a *StageError when the tool fails.
func (r *Runner) Run(ctx context.Context, stage planner.Stage) error {
	if stage.NoOp() {
		return nil
	}
	if ctx.Err() != nil {
		return ErrCancelled
	}

	cmd := r.command(ctx, stage.Command)
	r.audit.LogCommand(stage.Key, stage.Command.String())

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close() //nolint:errcheck,gosec // nothing was written
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return &StageError{StageKey: stage.Key, ExitCode: -1, Description: err.Error()}
	}

	var (
		g         errgroup.Group
		waitErr   error
		lastError string
	)
	g.Go(func() error {
		waitErr = cmd.Wait()
		return pw.Close()
	})
	g.Go(func() error {
		lastError = r.drain(stage, pr)
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("stage %s: closing output: %w", stage.Key, err)
	}

	if ctx.Err() != nil {
		killProcessGroup(cmd)
		return ErrCancelled
	}
	if waitErr == nil {
		return nil
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	description := lastError
	if description == "" {
		description = waitErr.Error()
	}
	return &StageError{StageKey: stage.Key, ExitCode: exitCode, Description: description}
}

// RunCommand runs a command outside the percent-tracked stage list, such as teardown.
// Output is only recorded in the audit log.
func (r *Runner) RunCommand(ctx context.Context, command planner.Command) error {
	cmd := r.command(ctx, command)
	r.audit.LogCommand("teardown", command.String())

	output, err := cmd.CombinedOutput()
	for _, line := range strings.FieldsFunc(string(output), isLineBreak) {
		if line = strings.TrimSpace(line); line != "" {
			r.audit.LogOutput("teardown", line)
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", command.Path, err)
	}
	return nil
}

func (r *Runner) command(ctx context.Context, command planner.Command) *exec.Cmd {
	cmd := r.execCommand(ctx, command.Path, command.Args...)
	cmd.Env = r.env
	cmd.WaitDelay = r.gracePeriod
	configureProcess(cmd)
	return cmd
}

// drain turns each output line into a progress event and returns the last line that looked
// like an error. It always consumes the reader to EOF so the process never blocks on a
// full pipe.
func (r *Runner) drain(stage planner.Stage, output io.Reader) string {
	scanner := bufio.NewScanner(output)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	scanner.Split(scanLines)

	var lastError string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		r.audit.LogOutput(stage.Key, line)

		if progress.IsErrorLine(line) {
			lastError = line
		}

		percent := r.tracker.Current()
		if stage.ParsesProgress {
			if value, ok := progress.Parse(stage.Parser, line); ok {
				percent = r.tracker.Advance(progress.Scale(stage.StartPercent, stage.EndPercent, value))
			}
		}

		status := progress.StatusText(stage.Parser, line)
		r.tracker.SetMessage(status)
		r.report(protocol.ProgressEvent{
			WorkflowID: r.workflowID,
			StageKey:   stage.Key,
			StageTitle: stage.Title,
			Percent:    percent,
			StatusText: status,
			LogLine:    line,
			Timestamp:  r.now(),
		})
	}

	// Oversized line: keep reading so the tool can finish.
	if scanner.Err() != nil {
		_, _ = io.Copy(io.Discard, output) //nolint:errcheck // best effort
	}
	return lastError
}

func isLineBreak(r rune) bool {
	return r == '\n' || r == '\r'
}

// scanLines splits on \n or \r. Tools redraw their progress meters with bare carriage
// returns, which bufio.ScanLines would hold back until the next newline.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

type nopAudit struct{}

func (nopAudit) LogCommand(string, string) {}
func (nopAudit) LogOutput(string, string)  {}
