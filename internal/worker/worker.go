package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bootmaker/internal/planner"
	"bootmaker/internal/progress"
	"bootmaker/internal/protocol"
	"bootmaker/internal/runner"
	"bootmaker/internal/telemetry"
)

// DefaultTeardownTimeout bounds the best-effort undo commands run after a workflow.
const DefaultTeardownTimeout = 30 * time.Second

// State is the executor's position in its lifecycle.
type State string

const (
	StatePlanning  State = "planning"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Executor runs one workflow request from planning to its terminal result. Run is called
// once; Cancel, State and Snapshot may be called from any goroutine.
type Executor struct {
	id              string
	request         protocol.Request
	planner         *planner.Planner
	emit            runner.ReportFunc
	runnerOpts      []runner.Option
	teardownTimeout time.Duration
	tracker         *progress.Tracker
	logger          *OperationLogger

	mu          sync.Mutex
	state       State
	cancelled   bool
	stopStage   context.CancelFunc
	stagesRun   int
	currentStep string
}

// Option configures an Executor.
type Option func(*Executor)

// WithPlanner sets the planner used to expand the request.
func WithPlanner(p *planner.Planner) Option {
	return func(e *Executor) {
		e.planner = p
	}
}

// WithRunnerOptions passes options to the stage runner.
func WithRunnerOptions(opts ...runner.Option) Option {
	return func(e *Executor) {
		e.runnerOpts = append(e.runnerOpts, opts...)
	}
}

// WithTeardownTimeout bounds teardown.
func WithTeardownTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.teardownTimeout = d
		}
	}
}

// New creates an executor for request. emit receives every progress event in order.
func New(id string, request protocol.Request, emit runner.ReportFunc, opts ...Option) *Executor {
	e := &Executor{
		id:              id,
		request:         request,
		emit:            emit,
		teardownTimeout: DefaultTeardownTimeout,
		tracker:         progress.NewTracker(),
		logger:          NewOperationLogger(id),
		state:           StatePlanning,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.planner == nil {
		e.planner = planner.New()
	}
	if e.emit == nil {
		e.emit = func(protocol.ProgressEvent) {}
	}
	return e
}

// ID returns the workflow id.
func (e *Executor) ID() string {
	return e.id
}

// Cancel requests cancellation. It is idempotent. A running stage is terminated; a
// workflow that has not started a stage launches nothing.
func (e *Executor) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelled || e.state.Terminal() {
		return
	}
	e.cancelled = true
	e.logger.LogWarning("Cancellation requested", map[string]any{"stage": e.currentStep})
	if e.stopStage != nil {
		e.stopStage()
	}
}

// State returns the current lifecycle state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// StagesRun returns how many stages were started.
func (e *Executor) StagesRun() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stagesRun
}

// Snapshot describes the workflow for health reports.
func (e *Executor) Snapshot() protocol.WorkflowSnapshot {
	snap := e.tracker.Snapshot()
	return protocol.WorkflowSnapshot{
		WorkflowID:             e.id,
		Kind:                   e.request.Kind,
		State:                  string(e.State()),
		StageKey:               snap.StageKey,
		StageTitle:             snap.StageTitle,
		Percent:                snap.Percent,
		EstimatedTimeRemaining: snap.EstimatedTimeRemaining,
	}
}

// Run plans and executes the workflow and returns its terminal result. It blocks until
// the last stage and any teardown have finished.
func (e *Executor) Run(ctx context.Context) protocol.Result {
	ctx, span := telemetry.StartSpan(ctx, "workflow",
		telemetry.WorkflowIDKey.String(e.id),
		telemetry.WorkflowKindKey.String(string(e.request.Kind)),
	)

	e.logger.LogInfo("Workflow started", map[string]any{
		"kind":      e.request.Kind,
		"system":    e.request.SystemName,
		"target":    e.request.TargetDeviceID,
		"requester": e.request.RequesterIdentity,
	})

	result := e.run(ctx)
	result.WorkflowID = e.id

	final := StateSucceeded
	switch {
	case result.IsUserCancelled || result.Category == protocol.CategoryCancelled:
		final = StateCancelled
	case !result.Success:
		final = StateFailed
	}
	e.mu.Lock()
	e.state = final
	e.mu.Unlock()

	span.SetAttributes(telemetry.OutcomeKey.String(result.Outcome()))
	var spanErr error
	if !result.Success {
		spanErr = errors.New(result.ErrorMessage)
	}
	telemetry.EndSpan(span, spanErr)

	e.logger.LogInfo("Workflow finished", map[string]any{
		"outcome":      result.Outcome(),
		"failed_stage": result.FailedStageKey,
		"error_code":   result.ErrorCode,
		"error":        result.ErrorMessage,
		"output_lines": e.logger.OutputLines(),
	})
	return result
}

type pendingUndo struct {
	stageKey string
	command  planner.Command
}

func (e *Executor) run(ctx context.Context) protocol.Result {
	if e.isCancelled() {
		return cancelledResult()
	}

	stages, err := e.planner.Plan(e.request)
	if err != nil {
		e.logger.LogError("Request rejected", map[string]any{"error": err.Error()})
		return protocol.Result{
			FailedStageKey: protocol.RequestStageKey,
			ErrorCode:      protocol.CodeInvalidRequest,
			ErrorMessage:   err.Error(),
			Category:       protocol.CategoryRequest,
		}
	}

	stageRunner := runner.New(e.id, e.tracker, e.emit,
		append([]runner.Option{runner.WithAuditLog(e.logger)}, e.runnerOpts...)...)

	var undo []pendingUndo
	defer func() {
		e.teardown(stageRunner, undo)
	}()

	for _, stage := range stages {
		stageCtx, ok := e.enter(ctx, stage)
		if !ok {
			if e.isCancelled() {
				return cancelledResult()
			}
			return shutdownResult(stage.Key)
		}

		if stage.Undo != nil {
			undo = append(undo, pendingUndo{stageKey: stage.Key, command: *stage.Undo})
		}
		e.boundary(stage, stage.StartPercent, stage.Title)

		stageCtx, span := telemetry.StartSpan(stageCtx, "stage", telemetry.StageKey.String(stage.Key))
		err := stageRunner.Run(stageCtx, stage)
		telemetry.EndSpan(span, err)
		e.leave()

		if err != nil {
			return e.failure(ctx, stage, err)
		}

		if stage.Releases != "" {
			undo = release(undo, stage.Releases)
		}
		e.boundary(stage, stage.EndPercent, stage.Title+" complete")
	}

	// A cancel that lands after the last stage finished does not undo success.
	return protocol.Result{Success: true}
}

// enter marks stage as running and returns the context it runs under, or false when the
// workflow was cancelled before the stage could start.
func (e *Executor) enter(ctx context.Context, stage planner.Stage) (context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelled || ctx.Err() != nil {
		return nil, false
	}
	stageCtx, stop := context.WithCancel(ctx)
	e.stopStage = stop
	e.state = StateRunning
	e.currentStep = stage.Key
	e.stagesRun++
	e.tracker.SetStage(stage.Key, stage.Title)
	return stageCtx, true
}

func (e *Executor) leave() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopStage != nil {
		e.stopStage()
		e.stopStage = nil
	}
}

func (e *Executor) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// boundary emits the event that enters or leaves a stage so the bar moves even when the
// tool prints nothing parseable.
func (e *Executor) boundary(stage planner.Stage, percent float64, status string) {
	visible := e.tracker.Advance(percent)
	e.tracker.SetMessage(status)
	e.logger.LogProgress(stage.Key, status, visible)
	e.emit(protocol.ProgressEvent{
		WorkflowID: e.id,
		StageKey:   stage.Key,
		StageTitle: stage.Title,
		Percent:    visible,
		StatusText: status,
		Timestamp:  time.Now(),
	})
}

func (e *Executor) failure(ctx context.Context, stage planner.Stage, err error) protocol.Result {
	// A tool dying from our SIGTERM is a cancellation, whatever its exit status.
	if e.isCancelled() {
		return cancelledResult()
	}

	if errors.Is(err, runner.ErrCancelled) || ctx.Err() != nil {
		return shutdownResult(stage.Key)
	}

	e.logger.LogError("Stage failed", map[string]any{"stage": stage.Key, "error": err.Error()})

	result := protocol.Result{
		FailedStageKey: stage.Key,
		ErrorMessage:   err.Error(),
		Category:       protocol.CategoryStage,
	}
	var stageErr *runner.StageError
	if errors.As(err, &stageErr) {
		result.ErrorCode = stageErr.ExitCode
		result.ErrorMessage = fmt.Sprintf("%s: %s", stage.Title, stageErr.Description)
	}
	return result
}

// teardown runs undo commands that no later stage performed, newest first. Failures are
// logged and never change the result.
func (e *Executor) teardown(r *runner.Runner, undo []pendingUndo) {
	if len(undo) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.teardownTimeout)
	defer cancel()

	for i := len(undo) - 1; i >= 0; i-- {
		u := undo[i]
		e.logger.LogWarning("Running teardown", map[string]any{
			"stage":   u.stageKey,
			"command": u.command.String(),
		})
		if err := r.RunCommand(ctx, u.command); err != nil {
			e.logger.LogError("Teardown failed", map[string]any{
				"stage": u.stageKey,
				"error": err.Error(),
			})
		}
	}
}

func release(undo []pendingUndo, stageKey string) []pendingUndo {
	kept := undo[:0]
	for _, u := range undo {
		if u.stageKey != stageKey {
			kept = append(kept, u)
		}
	}
	return kept
}

// shutdownResult reports a workflow interrupted by the endpoint stopping, which is not a
// user cancellation.
func shutdownResult(stageKey string) protocol.Result {
	return protocol.Result{
		FailedStageKey: stageKey,
		ErrorCode:      protocol.CodeShutdown,
		ErrorMessage:   "endpoint shutting down",
		Category:       protocol.CategoryCancelled,
	}
}

func cancelledResult() protocol.Result {
	return protocol.Result{
		IsUserCancelled: true,
		ErrorMessage:    "cancelled by user",
		Category:        protocol.CategoryCancelled,
	}
}
