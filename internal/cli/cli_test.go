package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bootmaker/internal/protocol"
)

type fakeManager struct {
	startEvents  []Event
	startFn      func(ctx context.Context) <-chan Event
	cancelStatus protocol.CancelStatus
	cancelErr    error
	health       *protocol.Health
	healthErr    error

	request   protocol.Request
	cancelled string
	timeout   time.Duration
	closed    bool
}

func (f *fakeManager) Start(ctx context.Context, request protocol.Request) <-chan Event {
	f.request = request
	if f.startFn != nil {
		return f.startFn(ctx)
	}
	return eventsToChan(f.startEvents)
}

func (f *fakeManager) Cancel(_ context.Context, workflowID string) (protocol.CancelStatus, error) {
	f.cancelled = workflowID
	return f.cancelStatus, f.cancelErr
}

func (f *fakeManager) Health(_ context.Context, timeout time.Duration) (*protocol.Health, error) {
	f.timeout = timeout
	return f.health, f.healthErr
}

func (f *fakeManager) Close() {
	f.closed = true
}

func (f *fakeManager) connector(t *testing.T, wantSocket string) Connector {
	return func(socket, _ string) Manager {
		if wantSocket != "" && socket != wantSocket {
			t.Errorf("expected socket %q, got %q", wantSocket, socket)
		}
		return f
	}
}

func eventsToChan(events []Event) <-chan Event {
	ch := make(chan Event, len(events))
	for _, event := range events {
		ch <- event
	}
	close(ch)
	return ch
}

func runCLI(t *testing.T, args []string, manager *fakeManager) (int, string, string) {
	t.Helper()
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	exitCode := Execute(context.Background(), args, manager.connector(t, ""), &stdout, &stderr)
	return exitCode, stdout.String(), stderr.String()
}

func decodeJSONLines(t *testing.T, output string) []Event {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(output), "\n")
	events := make([]Event, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			t.Fatalf("failed to decode JSON line %q: %v", line, err)
		}
		events = append(events, event)
	}
	return events
}

var startArgs = []string{
	"start", "--json",
	"--kind", "standard",
	"--source", "/Applications/Install macOS Big Sur.app",
	"--device", "disk4",
	"--label", "USB",
	"--preformat",
}

func TestStartMissingRequiredFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no kind", []string{"start", "--source", "/a.app", "--device", "disk4"}},
		{"unknown kind", []string{"start", "--kind", "floppy", "--source", "/a.app", "--device", "disk4"}},
		{"no source", []string{"start", "--kind", "standard", "--device", "disk4"}},
		{"no device", []string{"start", "--kind", "standard", "--source", "/a.app"}},
		{"positional", []string{"start", "extra", "--kind", "standard", "--source", "/a.app", "--device", "disk4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := &fakeManager{}
			exitCode, _, _ := runCLI(t, tt.args, manager)
			if exitCode != ExitInvalidUsage {
				t.Fatalf("expected exit code %d, got %d", ExitInvalidUsage, exitCode)
			}
			if manager.request.Kind != "" {
				t.Fatalf("workflow should not start, got %+v", manager.request)
			}
		})
	}
}

func TestStartJSONOutput(t *testing.T) {
	manager := &fakeManager{
		startEvents: []Event{
			{Type: EventStarted, WorkflowID: "wf-1", Message: "workflow wf-1 started"},
			{Type: EventProgress, WorkflowID: "wf-1", Stage: "preformat", Percent: 10, Message: "Formatting"},
			{Type: EventLog, WorkflowID: "wf-1", Message: "Erasing 10%"},
			{Type: EventSuccess, WorkflowID: "wf-1", Percent: 100, Message: "workflow complete"},
		},
	}
	exitCode, stdout, _ := runCLI(t, startArgs, manager)
	if exitCode != ExitSuccess {
		t.Fatalf("expected exit code %d, got %d", ExitSuccess, exitCode)
	}
	events := decodeJSONLines(t, stdout)
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[1].Percent != 10 || events[1].Stage != "preformat" {
		t.Fatalf("unexpected progress event: %+v", events[1])
	}
	if events[3].Type != EventSuccess {
		t.Fatalf("expected success last, got %+v", events[3])
	}
	if !manager.request.NeedsPreformat || manager.request.TargetLabel != "USB" {
		t.Fatalf("flags not applied to request: %+v", manager.request)
	}
	if !manager.closed {
		t.Fatal("manager was not closed")
	}
}

func TestStartExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		events   []Event
		wantCode int
	}{
		{
			name:     "stage failure",
			events:   []Event{{Type: EventError, Stage: "preformat", Message: "diskutil failed", Code: "stage:1"}},
			wantCode: ExitRuntimeError,
		},
		{
			name:     "cancelled",
			events:   []Event{{Type: EventCancelled, Message: "workflow cancelled"}},
			wantCode: ExitCancelled,
		},
		{
			name:     "stream ends without result",
			events:   []Event{{Type: EventProgress, Percent: 10}},
			wantCode: ExitRuntimeError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exitCode, _, _ := runCLI(t, startArgs, &fakeManager{startEvents: tt.events})
			if exitCode != tt.wantCode {
				t.Fatalf("expected exit code %d, got %d", tt.wantCode, exitCode)
			}
		})
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestStartWriteFailureCancelsWorkflow(t *testing.T) {
	finished := make(chan struct{})
	manager := &fakeManager{
		startFn: func(ctx context.Context) <-chan Event {
			// Unbuffered, like a producer that blocks until the command reads.
			ch := make(chan Event)
			go func() {
				defer close(finished)
				defer close(ch)
				ch <- Event{Type: EventStarted, WorkflowID: "wf-1"}
				for {
					select {
					case ch <- Event{Type: EventProgress, WorkflowID: "wf-1", Percent: 10}:
					case <-ctx.Done():
						ch <- Event{Type: EventCancelled, WorkflowID: "wf-1"}
						return
					}
				}
			}()
			return ch
		},
	}

	var stderr bytes.Buffer
	exitCode := Execute(context.Background(), startArgs, manager.connector(t, ""), failingWriter{}, &stderr)
	if exitCode != ExitRuntimeError {
		t.Fatalf("expected exit code %d, got %d", ExitRuntimeError, exitCode)
	}

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("workflow was not cancelled after the write failure")
	}
	if !manager.closed {
		t.Error("manager was not closed")
	}
}

func TestStartTextOutput(t *testing.T) {
	manager := &fakeManager{
		startEvents: []Event{
			{Type: EventProgress, Percent: 42, Message: "Writing installer"},
			{Type: EventError, Stage: "createinstallmedia", Message: "exit status 1"},
		},
	}
	args := append([]string{}, startArgs[:1]...)
	args = append(args, startArgs[2:]...)
	exitCode, stdout, stderr := runCLI(t, args, manager)
	if exitCode != ExitRuntimeError {
		t.Fatalf("expected exit code %d, got %d", ExitRuntimeError, exitCode)
	}
	if strings.TrimSpace(stdout) != "[ 42%] Writing installer" {
		t.Fatalf("unexpected stdout %q", stdout)
	}
	if !strings.Contains(stderr, "error in createinstallmedia: exit status 1") {
		t.Fatalf("unexpected stderr %q", stderr)
	}
}

func TestStartFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "request.json")
	body := `{"workflowKind":"legacyRestore","sourcePath":"/images/Lion.dmg","targetDeviceID":"disk2","targetLabel":"Lion","requesterIdentity":"ci"}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	manager := &fakeManager{startEvents: []Event{{Type: EventSuccess}}}
	exitCode, _, _ := runCLI(t, []string{"start", "--file", path, "--device", "disk6"}, manager)
	if exitCode != ExitSuccess {
		t.Fatalf("expected exit code %d, got %d", ExitSuccess, exitCode)
	}
	req := manager.request
	if req.Kind != protocol.KindLegacyRestore || req.SourcePath != "/images/Lion.dmg" || req.TargetLabel != "Lion" {
		t.Fatalf("file fields lost: %+v", req)
	}
	if req.TargetDeviceID != "disk6" {
		t.Fatalf("expected --device to override the file, got %q", req.TargetDeviceID)
	}
	if req.RequesterIdentity != "ci" {
		t.Fatalf("expected requester from file, got %q", req.RequesterIdentity)
	}
}

func TestCancel(t *testing.T) {
	t.Run("missing id", func(t *testing.T) {
		exitCode, _, _ := runCLI(t, []string{"cancel"}, &fakeManager{})
		if exitCode != ExitInvalidUsage {
			t.Fatalf("expected exit code %d, got %d", ExitInvalidUsage, exitCode)
		}
	})

	t.Run("not found is not an error", func(t *testing.T) {
		manager := &fakeManager{cancelStatus: protocol.CancelNotFound}
		exitCode, stdout, _ := runCLI(t, []string{"cancel", "wf-9", "--json"}, manager)
		if exitCode != ExitSuccess {
			t.Fatalf("expected exit code %d, got %d", ExitSuccess, exitCode)
		}
		if manager.cancelled != "wf-9" {
			t.Fatalf("expected cancel of wf-9, got %q", manager.cancelled)
		}
		events := decodeJSONLines(t, stdout)
		data, ok := events[0].Data.(map[string]any)
		if !ok {
			t.Fatalf("expected data map, got %T", events[0].Data)
		}
		if data["status"] != string(protocol.CancelNotFound) {
			t.Fatalf("expected notFound, got %v", data["status"])
		}
	})

	t.Run("endpoint error", func(t *testing.T) {
		manager := &fakeManager{cancelErr: errors.New("unreachable")}
		exitCode, stdout, _ := runCLI(t, []string{"cancel", "wf-1", "--json"}, manager)
		if exitCode != ExitRuntimeError {
			t.Fatalf("expected exit code %d, got %d", ExitRuntimeError, exitCode)
		}
		events := decodeJSONLines(t, stdout)
		if len(events) != 1 || events[0].Type != EventError {
			t.Fatalf("unexpected events: %+v", events)
		}
	})
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		health   *protocol.Health
		err      error
		wantCode int
	}{
		{"ready", &protocol.Health{OK: true, Ready: true, Version: "1.0.0"}, nil, ExitSuccess},
		{"not ready", &protocol.Health{OK: true, Checks: []protocol.Check{{Name: "Privileges", Message: "not root"}}}, nil, ExitRuntimeError},
		{"unreachable", nil, errors.New("dial unix: no such file"), ExitRuntimeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := &fakeManager{health: tt.health, healthErr: tt.err}
			exitCode, _, _ := runCLI(t, []string{"health", "--timeout", "2s"}, manager)
			if exitCode != tt.wantCode {
				t.Fatalf("expected exit code %d, got %d", tt.wantCode, exitCode)
			}
			if manager.timeout != 2*time.Second {
				t.Fatalf("expected 2s timeout, got %v", manager.timeout)
			}
		})
	}
}

func TestSocketFlagReachesConnector(t *testing.T) {
	manager := &fakeManager{health: &protocol.Health{OK: true, Ready: true}}
	var stdout, stderr bytes.Buffer
	exitCode := Execute(context.Background(), []string{"health", "--socket", "/tmp/test.sock"},
		manager.connector(t, "/tmp/test.sock"), &stdout, &stderr)
	if exitCode != ExitSuccess {
		t.Fatalf("expected exit code %d, got %d", ExitSuccess, exitCode)
	}
}

func TestPlanJSON(t *testing.T) {
	args := append([]string{"plan"}, startArgs[1:]...)
	exitCode, stdout, _ := runCLI(t, args, &fakeManager{})
	if exitCode != ExitSuccess {
		t.Fatalf("expected exit code %d, got %d", ExitSuccess, exitCode)
	}
	events := decodeJSONLines(t, stdout)
	steps, ok := events[0].Data.([]any)
	if !ok {
		t.Fatalf("expected step list, got %T", events[0].Data)
	}
	var got []string
	for _, step := range steps {
		got = append(got, step.(map[string]any)["key"].(string))
	}
	if strings.Join(got, ",") != "preformat,createinstallmedia,finalize" {
		t.Fatalf("unexpected stages %v", got)
	}
}

func TestPlanInvalidRequest(t *testing.T) {
	exitCode, _, _ := runCLI(t, []string{"plan", "--kind", "standard", "--source", "relative.app", "--device", "disk4"}, &fakeManager{})
	if exitCode != ExitInvalidUsage {
		t.Fatalf("expected exit code %d, got %d", ExitInvalidUsage, exitCode)
	}
}

func TestUnknownCommandAndFlag(t *testing.T) {
	for _, args := range [][]string{{"format"}, {"health", "--bogus"}} {
		exitCode, _, _ := runCLI(t, args, &fakeManager{})
		if exitCode != ExitInvalidUsage {
			t.Fatalf("%v: expected exit code %d, got %d", args, ExitInvalidUsage, exitCode)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	exitCode, stdout, _ := runCLI(t, []string{"version"}, &fakeManager{})
	if exitCode != ExitSuccess {
		t.Fatalf("expected exit code %d, got %d", ExitSuccess, exitCode)
	}
	if !strings.HasPrefix(stdout, "bootmaker dev ") {
		t.Fatalf("unexpected output %q", stdout)
	}
}
