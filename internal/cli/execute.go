package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/user"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"bootmaker/internal/config"
	"bootmaker/internal/planner"
	"bootmaker/internal/protocol"
	"bootmaker/internal/version"
)

// DefaultHealthTimeout bounds the health probe when --timeout is not given.
const DefaultHealthTimeout = 5 * time.Second

// Execute runs the CLI with the provided args. connect is called once per command that
// needs the endpoint.
func Execute(ctx context.Context, args []string, connect Connector, out, errOut io.Writer) int {
	cmd := NewRootCommand(connect, out, errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	var usageErr *usageError
	var cancelledErr *cancelledError
	switch {
	case errors.As(err, &usageErr), strings.HasPrefix(err.Error(), "unknown command"):
		fmt.Fprintln(errOut, "Error:", err)
		return ExitInvalidUsage
	case errors.As(err, &cancelledErr):
		return ExitCancelled
	}
	return ExitRuntimeError
}

// NewRootCommand builds the root CLI command tree.
func NewRootCommand(connect Connector, out, errOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "bootmaker",
		Short:         "create bootable installer media through bootmakerd",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	root.PersistentFlags().Bool("json", false, "output JSONL")
	root.PersistentFlags().String("socket", config.DefaultSocketPath, "endpoint socket path or URL")
	root.PersistentFlags().String("token", "", "bearer token for the endpoint")

	root.AddCommand(newStartCommand(connect))
	root.AddCommand(newCancelCommand(connect))
	root.AddCommand(newHealthCommand(connect))
	root.AddCommand(newPlanCommand())
	root.AddCommand(newVersionCommand())

	return root
}

type usageError struct {
	err error
}

func (u *usageError) Error() string {
	if u.err == nil {
		return "invalid usage"
	}
	return u.err.Error()
}

func (u *usageError) Unwrap() error {
	return u.err
}

type runtimeError struct {
	err error
}

func (r *runtimeError) Error() string {
	if r.err == nil {
		return "runtime error"
	}
	return r.err.Error()
}

func (r *runtimeError) Unwrap() error {
	return r.err
}

type cancelledError struct{}

func (*cancelledError) Error() string {
	return "workflow cancelled"
}

func requireArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return &usageError{err: fmt.Errorf("requires %d argument(s)", n)}
		}
		return nil
	}
}

func connectFromFlags(cmd *cobra.Command, connect Connector) Manager {
	socket, _ := cmd.Flags().GetString("socket")
	token, _ := cmd.Flags().GetString("token")
	return connect(socket, token)
}

func addRequestFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("file", "", "request file (.json, .yaml, .yml or .plist)")
	flags.String("kind", "", "workflow kind: standard, legacyRestore, mavericks or ppc")
	flags.String("system", "", "system name shown in progress")
	flags.String("source", "", "installer app, image or source volume")
	flags.String("device", "", "target device id, e.g. disk4s2")
	flags.String("label", "", "label for the formatted target")
	flags.String("volume", "", "mounted target volume under /Volumes")
	flags.Bool("preformat", false, "erase the target before writing")
	flags.Bool("catalina-finalize", false, "replace the installer bundle after writing")
	flags.Bool("app-path-arg", false, "pass --applicationpath to createinstallmedia")
	flags.String("finalize-source", "", "corrected installer bundle copied during finalize")
	flags.String("requester", "", "identity recorded with the request")
}

// requestFromFlags starts from --file when given and lets explicitly set flags override it.
func requestFromFlags(cmd *cobra.Command) (protocol.Request, error) {
	flags := cmd.Flags()

	var req protocol.Request
	if path, _ := flags.GetString("file"); path != "" {
		loaded, err := LoadRequest(path)
		if err != nil {
			return req, err
		}
		req = loaded
	}

	str := func(name string, field *string) {
		if flags.Changed(name) {
			*field, _ = flags.GetString(name)
		}
	}
	boolean := func(name string, field *bool) {
		if flags.Changed(name) {
			*field, _ = flags.GetBool(name)
		}
	}

	var kind string
	str("kind", &kind)
	if kind != "" {
		req.Kind = protocol.WorkflowKind(kind)
	}
	str("system", &req.SystemName)
	str("source", &req.SourcePath)
	str("device", &req.TargetDeviceID)
	str("label", &req.TargetLabel)
	str("volume", &req.TargetVolumePath)
	boolean("preformat", &req.NeedsPreformat)
	boolean("catalina-finalize", &req.IsCatalinaFinalize)
	boolean("app-path-arg", &req.RequiresApplicationPathArg)
	str("finalize-source", &req.PostInstallSourcePath)
	str("requester", &req.RequesterIdentity)

	switch {
	case req.Kind == "":
		return req, &usageError{err: errors.New("--kind is required")}
	case !req.Kind.Valid():
		return req, &usageError{err: fmt.Errorf("unknown workflow kind %q", req.Kind)}
	case req.SourcePath == "":
		return req, &usageError{err: errors.New("--source is required")}
	case req.TargetDeviceID == "":
		return req, &usageError{err: errors.New("--device is required")}
	}

	if req.RequesterIdentity == "" {
		if u, err := user.Current(); err == nil {
			req.RequesterIdentity = u.Username
		}
	}
	return req, nil
}

func newStartCommand(connect Connector) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start a workflow and follow it to its result",
		Args:  requireArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := requestFromFlags(cmd)
			if err != nil {
				return err
			}
			manager := connectFromFlags(cmd, connect)
			defer manager.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			return streamEvents(cmd, manager.Start(ctx, req), cancel)
		},
	}
	addRequestFlags(cmd)
	return cmd
}

func newCancelCommand(connect Connector) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "cancel a running workflow",
		Args:  requireArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager := connectFromFlags(cmd, connect)
			defer manager.Close()

			status, err := manager.Cancel(cmd.Context(), args[0])
			if err != nil {
				return writeError(cmd, err)
			}
			message := "cancel acknowledged"
			if status == protocol.CancelNotFound {
				message = "no such workflow"
			}
			return writeEvent(cmd, Event{
				Type:       EventResult,
				WorkflowID: args[0],
				Message:    message,
				Data:       protocol.CancelResponse{Status: status},
			})
		},
	}
}

func newHealthCommand(connect Connector) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "probe the endpoint",
		Args:  requireArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			if timeout <= 0 {
				return &usageError{err: errors.New("--timeout must be positive")}
			}
			manager := connectFromFlags(cmd, connect)
			defer manager.Close()

			health, err := manager.Health(cmd.Context(), timeout)
			if err != nil {
				return writeError(cmd, err)
			}
			if err := writeEvent(cmd, Event{Type: EventResult, Message: healthSummary(health), Data: health}); err != nil {
				return err
			}
			if !health.OK || !health.Ready {
				return &runtimeError{err: errors.New("endpoint not ready")}
			}
			return nil
		},
	}
	cmd.Flags().Duration("timeout", DefaultHealthTimeout, "timeout for the probe")
	return cmd
}

func healthSummary(h *protocol.Health) string {
	state := "ready"
	if !h.Ready {
		state = "not ready"
	}
	summary := fmt.Sprintf("bootmakerd %s %s, up %s", h.Version, state, h.Uptime)
	if h.Active != nil {
		summary += fmt.Sprintf("; %s %s at %.0f%%", h.Active.WorkflowID, h.Active.StageKey, h.Active.Percent)
	}
	for _, check := range h.Checks {
		if !check.OK {
			summary += fmt.Sprintf("\n  %s: %s", check.Name, check.Message)
		}
	}
	return summary
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the client version",
		Args:  requireArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			return writeEvent(cmd, Event{Type: EventResult, Message: "bootmaker " + info.String(), Data: info})
		},
	}
}

// planStep is the printable form of a planned stage.
type planStep struct {
	Key     string  `json:"key"`
	Title   string  `json:"title"`
	Start   float64 `json:"startPercent"`
	End     float64 `json:"endPercent"`
	Command string  `json:"command,omitempty"`
	Undo    string  `json:"undo,omitempty"`
}

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "print the stages a request would run without contacting the endpoint",
		Args:  requireArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := requestFromFlags(cmd)
			if err != nil {
				return err
			}
			stages, err := planner.Plan(req)
			if err != nil {
				return &usageError{err: err}
			}

			steps := make([]planStep, 0, len(stages))
			lines := make([]string, 0, len(stages))
			for _, stage := range stages {
				step := planStep{
					Key:     stage.Key,
					Title:   stage.Title,
					Start:   stage.StartPercent,
					End:     stage.EndPercent,
					Command: stage.Command.String(),
				}
				if stage.Undo != nil {
					step.Undo = stage.Undo.String()
				}
				steps = append(steps, step)
				lines = append(lines, fmt.Sprintf("%3.0f-%3.0f%%  %-16s %s", step.Start, step.End, step.Key, step.Command))
			}
			return writeEvent(cmd, Event{Type: EventResult, Message: strings.Join(lines, "\n"), Data: steps})
		},
	}
	addRequestFlags(cmd)
	return cmd
}

// streamEvents writes events until the terminal one and maps it to the command's error.
// It keeps reading after the context ends so an interrupted run still reports its result.
// When output can no longer be written the workflow is cancelled through stop and the
// rest of the stream is drained.
func streamEvents(cmd *cobra.Command, events <-chan Event, stop context.CancelFunc) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	var last Event
	for event := range events {
		if err := writeEventTo(cmd, event, jsonOutput); err != nil {
			stop()
			for range events {
			}
			return &runtimeError{err: fmt.Errorf("failed to write output: %w", err)}
		}
		last = event
	}

	switch last.Type {
	case EventSuccess:
		return nil
	case EventCancelled:
		return &cancelledError{}
	case EventError:
		return &runtimeError{err: errors.New(last.Message)}
	}
	return &runtimeError{err: errors.New("event stream ended without a result")}
}

func writeError(cmd *cobra.Command, err error) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if jsonOutput {
		_ = writeEventTo(cmd, Event{Type: EventError, Message: err.Error()}, true)
	} else {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
	}
	return &runtimeError{err: err}
}

func writeEvent(cmd *cobra.Command, event Event) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	return writeEventTo(cmd, event, jsonOutput)
}

func writeEventTo(cmd *cobra.Command, event Event, jsonOutput bool) error {
	if jsonOutput {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(event)
	}

	var line string
	switch event.Type {
	case EventProgress:
		line = fmt.Sprintf("[%3.0f%%] %s", event.Percent, event.Message)
	case EventError:
		line = "error: " + event.Message
		if event.Stage != "" {
			line = fmt.Sprintf("error in %s: %s", event.Stage, event.Message)
		}
		_, err := fmt.Fprintln(cmd.ErrOrStderr(), line)
		return err
	default:
		line = event.Message
	}
	if line == "" {
		return nil
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), line)
	return err
}
