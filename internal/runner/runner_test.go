package runner

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bootmaker/internal/planner"
	"bootmaker/internal/progress"
	"bootmaker/internal/protocol"
)

type recorder struct {
	mu     sync.Mutex
	events []protocol.ProgressEvent
	onLine func(protocol.ProgressEvent)
}

func (r *recorder) report(ev protocol.ProgressEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	onLine := r.onLine
	r.mu.Unlock()
	if onLine != nil {
		onLine(ev)
	}
}

func (r *recorder) snapshot() []protocol.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.ProgressEvent(nil), r.events...)
}

type memAudit struct {
	mu       sync.Mutex
	commands []string
	lines    []string
}

func (a *memAudit) LogCommand(_ string, command string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands = append(a.commands, command)
}

func (a *memAudit) LogOutput(_ string, line string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lines = append(a.lines, line)
}

// shell stands a /bin/sh script in for whatever tool the stage names.
func shell(script string) func(ctx context.Context, name string, args ...string) *exec.Cmd {
	return func(ctx context.Context, _ string, _ ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "/bin/sh", "-c", script)
	}
}

func cimStage() planner.Stage {
	return planner.Stage{
		Key:            planner.KeyCreateInstallMedia,
		Title:          "Creating installer media",
		StartPercent:   30,
		EndPercent:     98,
		Command:        planner.Command{Path: "/Applications/Install.app/Contents/Resources/createinstallmedia"},
		ParsesProgress: true,
		Parser:         progress.KindPercent,
	}
}

func TestRun_ScalesPercentIntoStageWindow(t *testing.T) {
	rec := &recorder{}
	tracker := progress.NewTracker()
	tracker.Advance(30)

	r := New("wf-1", tracker, rec.report, WithExec(shell(`echo "Copying to disk: 45%"`)))
	require.NoError(t, r.Run(context.Background(), cimStage()))

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "wf-1", events[0].WorkflowID)
	assert.Equal(t, planner.KeyCreateInstallMedia, events[0].StageKey)
	assert.InDelta(t, 60.6, events[0].Percent, 1e-9)
	assert.Equal(t, "Copying to disk: 45%", events[0].LogLine)
	assert.Equal(t, "Copying to disk: 45%", events[0].StatusText)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestRun_SplitsCarriageReturns(t *testing.T) {
	rec := &recorder{}
	r := New("wf-1", progress.NewTracker(), rec.report, WithExec(shell(`printf '10%%\r20%%\r30%%\n'`)))
	require.NoError(t, r.Run(context.Background(), cimStage()))

	events := rec.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, "10%", events[0].LogLine)
	assert.Equal(t, "30%", events[2].LogLine)
}

func TestRun_PercentNeverDecreases(t *testing.T) {
	rec := &recorder{}
	r := New("wf-1", progress.NewTracker(), rec.report, WithExec(shell(`
echo "50%"
echo "20%"
echo "no percent here"
echo "70%"
echo "0%"`)))
	require.NoError(t, r.Run(context.Background(), cimStage()))

	events := rec.snapshot()
	require.Len(t, events, 5)
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Percent, events[i-1].Percent, "event %d regressed", i)
	}
	assert.InDelta(t, progress.Scale(30, 98, 70), events[4].Percent, 1e-9)
}

func TestRun_UnparsedStageKeepsCurrentPercent(t *testing.T) {
	rec := &recorder{}
	tracker := progress.NewTracker()
	tracker.Advance(92)

	stage := planner.Stage{
		Key:          planner.KeyCopyBundle,
		StartPercent: 92,
		EndPercent:   97,
		Command:      planner.Command{Path: "/bin/cp"},
	}
	r := New("wf-1", tracker, rec.report, WithExec(shell(`echo "copied 100%"`)))
	require.NoError(t, r.Run(context.Background(), stage))

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, 92.0, events[0].Percent)
}

func TestRun_NonZeroExitIsStageError(t *testing.T) {
	rec := &recorder{}
	r := New("wf-1", progress.NewTracker(), rec.report, WithExec(shell(`
echo "Erasing disk: 0%"
echo "Error: -69877: Couldn't open device" >&2
exit 3`)))

	err := r.Run(context.Background(), cimStage())
	require.Error(t, err)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, planner.KeyCreateInstallMedia, stageErr.StageKey)
	assert.Equal(t, 3, stageErr.ExitCode)
	assert.Equal(t, "Error: -69877: Couldn't open device", stageErr.Description)
	assert.False(t, errors.Is(err, ErrCancelled))

	// stderr shares the output stream.
	assert.Len(t, rec.snapshot(), 2)
}

func TestRun_NonZeroExitWithoutErrorLine(t *testing.T) {
	r := New("wf-1", progress.NewTracker(), nil, WithExec(shell(`exit 1`)))

	var stageErr *StageError
	require.True(t, errors.As(r.Run(context.Background(), cimStage()), &stageErr))
	assert.Equal(t, 1, stageErr.ExitCode)
	assert.Contains(t, stageErr.Description, "exit status 1")
}

func TestRun_MissingToolIsStageError(t *testing.T) {
	stage := cimStage()
	stage.Command.Path = "/nonexistent/createinstallmedia"

	r := New("wf-1", progress.NewTracker(), nil)
	var stageErr *StageError
	require.True(t, errors.As(r.Run(context.Background(), stage), &stageErr))
	assert.Equal(t, -1, stageErr.ExitCode)
}

func TestRun_CancelMidStage(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"exits on TERM", `echo started; sleep 30`},
		{"ignores TERM", `trap '' TERM; echo started; sleep 30; echo finished`},
		{"exits zero on TERM", `trap 'exit 0' TERM; echo started; while :; do sleep 0.1; done`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			rec := &recorder{onLine: func(ev protocol.ProgressEvent) {
				if ev.LogLine == "started" {
					cancel()
				}
			}}
			r := New("wf-1", progress.NewTracker(), rec.report,
				WithExec(shell(tt.script)),
				WithGracePeriod(200*time.Millisecond))

			started := time.Now()
			err := r.Run(ctx, cimStage())
			assert.ErrorIs(t, err, ErrCancelled)
			assert.Less(t, time.Since(started), 10*time.Second)

			for _, ev := range rec.snapshot() {
				assert.NotEqual(t, "finished", ev.LogLine)
			}
		})
	}
}

func TestRun_AlreadyCancelledLaunchesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	launched := false
	r := New("wf-1", progress.NewTracker(), nil, WithExec(func(ctx context.Context, name string, args ...string) *exec.Cmd {
		launched = true
		return exec.CommandContext(ctx, "/bin/true")
	}))

	assert.ErrorIs(t, r.Run(ctx, cimStage()), ErrCancelled)
	assert.False(t, launched)
}

func TestRun_NoOpStage(t *testing.T) {
	rec := &recorder{}
	r := New("wf-1", progress.NewTracker(), rec.report, WithExec(func(context.Context, string, ...string) *exec.Cmd {
		t.Error("no-op stage must not launch a process")
		return nil
	}))

	require.NoError(t, r.Run(context.Background(), planner.Stage{Key: planner.KeyFinalize, StartPercent: 99, EndPercent: 100}))
	assert.Empty(t, rec.snapshot())
}

func TestRun_PinnedEnvironment(t *testing.T) {
	rec := &recorder{}
	t.Setenv("LANG", "de_DE.UTF-8")
	t.Setenv("SECRET_TOKEN", "leak")

	r := New("wf-1", progress.NewTracker(), rec.report,
		WithExec(shell(`echo "$LANG|$LC_ALL|$PATH|$SECRET_TOKEN|$HOME"`)),
		WithEnv("HOME=/var/root"))
	require.NoError(t, r.Run(context.Background(), cimStage()))

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "C|C|/usr/bin:/bin:/usr/sbin:/sbin||/var/root", events[0].LogLine)
}

func TestRun_AuditLogGetsCommandAndRawLines(t *testing.T) {
	audit := &memAudit{}
	stage := planner.Stage{
		Key:            planner.KeyRestore,
		StartPercent:   40,
		EndPercent:     98,
		Command:        planner.Command{Path: "/usr/sbin/asr", Args: []string{"restore", "--puppetstrings"}},
		ParsesProgress: true,
		Parser:         progress.KindASR,
	}
	rec := &recorder{}
	r := New("wf-1", progress.NewTracker(), rec.report,
		WithExec(shell(`echo PSTRT; echo "PINF 50"; echo PSTOP`)),
		WithAuditLog(audit))
	require.NoError(t, r.Run(context.Background(), stage))

	assert.Equal(t, []string{"/usr/sbin/asr restore --puppetstrings"}, audit.commands)
	assert.Equal(t, []string{"PSTRT", "PINF 50", "PSTOP"}, audit.lines)

	events := rec.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, "Starting restore", events[0].StatusText)
	assert.Equal(t, "Restoring 50%", events[1].StatusText)
	assert.Equal(t, 69.0, events[1].Percent)
	assert.Equal(t, 98.0, events[2].Percent)
}

func TestRunCommand(t *testing.T) {
	audit := &memAudit{}
	r := New("wf-1", progress.NewTracker(), nil,
		WithExec(shell(`echo "\"/tmp/mp\" ejected."`)),
		WithAuditLog(audit))

	require.NoError(t, r.RunCommand(context.Background(), planner.Command{Path: "/usr/bin/hdiutil", Args: []string{"detach", "/tmp/mp", "-force"}}))
	assert.Equal(t, []string{"/usr/bin/hdiutil detach /tmp/mp -force"}, audit.commands)
	assert.Equal(t, []string{`"/tmp/mp" ejected.`}, audit.lines)

	failing := New("wf-1", progress.NewTracker(), nil, WithExec(shell(`exit 1`)))
	assert.Error(t, failing.RunCommand(context.Background(), planner.Command{Path: "/usr/bin/hdiutil"}))
}

func TestScanLines(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"newlines", "a\nb\n", []string{"a", "b"}},
		{"carriage returns", "a\rb\rc", []string{"a", "b", "c"}},
		{"crlf", "a\r\nb", []string{"a", "", "b"}},
		{"no terminator", "tail", []string{"tail"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			data := []byte(tt.input)
			for len(data) > 0 {
				advance, token, err := scanLines(data, true)
				require.NoError(t, err)
				got = append(got, string(token))
				data = data[advance:]
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStageError_Message(t *testing.T) {
	err := &StageError{StageKey: "restore", ExitCode: 2, Description: "asr: could not validate source"}
	assert.True(t, strings.Contains(err.Error(), "restore"))
	assert.True(t, strings.Contains(err.Error(), "exit 2"))
}
