package cli

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"bootmaker/internal/client"
	"bootmaker/internal/protocol"
)

// cancelTimeout bounds the cancel call sent when the CLI is interrupted.
const cancelTimeout = 5 * time.Second

// NewControllerAdapter wraps a client.Controller for CLI usage.
func NewControllerAdapter(controller *client.Controller) Manager {
	return &controllerAdapter{controller: controller}
}

// ConnectController is the Connector used by the bootmaker binary.
func ConnectController(socket, token string) Manager {
	return NewControllerAdapter(client.New(socket, client.WithToken(token)))
}

type controllerAdapter struct {
	controller *client.Controller
}

func (m *controllerAdapter) Start(ctx context.Context, request protocol.Request) <-chan Event {
	out := make(chan Event, 64)
	finished := make(chan struct{})
	var once sync.Once
	finish := func(ev Event) {
		once.Do(func() {
			out <- ev
			close(out)
			close(finished)
		})
	}

	started := make(chan string, 1)
	go func() {
		id, err := m.controller.StartWorkflow(context.WithoutCancel(ctx), request, client.Handlers{
			OnStarted: func(id string) {
				out <- Event{Type: EventStarted, WorkflowID: id, Message: "workflow " + id + " started"}
			},
			OnEvent: func(ev protocol.ProgressEvent) {
				out <- convertProgress(ev)
			},
			OnCompletion: func(result protocol.Result) {
				finish(convertResult(result))
			},
			OnStartError: func(err error) {
				ev := Event{Type: EventError, Message: err.Error()}
				var startErr *client.StartError
				if errors.As(err, &startErr) {
					ev.Code = string(startErr.Category)
				}
				finish(ev)
			},
		})
		if err == nil {
			started <- id
		}
	}()

	// Interrupting the CLI cancels the workflow; the stream still runs to its result.
	go func() {
		var id string
		select {
		case id = <-started:
		case <-finished:
			return
		}
		select {
		case <-ctx.Done():
		case <-finished:
			return
		}
		cancelCtx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		m.controller.CancelWorkflow(cancelCtx, id, func(protocol.CancelStatus, error) {
			cancel()
		})
	}()
	return out
}

func (m *controllerAdapter) Cancel(ctx context.Context, workflowID string) (protocol.CancelStatus, error) {
	type reply struct {
		status protocol.CancelStatus
		err    error
	}
	done := make(chan reply, 1)
	m.controller.CancelWorkflow(ctx, workflowID, func(status protocol.CancelStatus, err error) {
		done <- reply{status, err}
	})
	r := <-done
	return r.status, r.err
}

func (m *controllerAdapter) Health(ctx context.Context, timeout time.Duration) (*protocol.Health, error) {
	type reply struct {
		health *protocol.Health
		err    error
	}
	done := make(chan reply, 1)
	m.controller.QueryHealth(ctx, timeout, func(_ bool, health *protocol.Health, err error) {
		done <- reply{health, err}
	})
	r := <-done
	return r.health, r.err
}

func (m *controllerAdapter) Close() {
	m.controller.Close()
}

func convertProgress(ev protocol.ProgressEvent) Event {
	out := Event{
		Type:       EventProgress,
		WorkflowID: ev.WorkflowID,
		Stage:      ev.StageKey,
		Percent:    ev.Percent,
		Message:    ev.StatusText,
	}
	if ev.LogLine != "" {
		out.Type = EventLog
		out.Message = ev.LogLine
	}
	return out
}

func convertResult(result protocol.Result) Event {
	switch {
	case result.Success:
		return Event{Type: EventSuccess, WorkflowID: result.WorkflowID, Percent: 100, Message: "workflow complete"}
	case result.IsUserCancelled:
		return Event{Type: EventCancelled, WorkflowID: result.WorkflowID, Message: "workflow cancelled"}
	}

	code := string(result.Category)
	if result.ErrorCode != 0 {
		code = code + ":" + strconv.Itoa(result.ErrorCode)
	}
	return Event{
		Type:       EventError,
		WorkflowID: result.WorkflowID,
		Stage:      result.FailedStageKey,
		Message:    result.ErrorMessage,
		Code:       code,
	}
}
