package cli

import (
	"context"
	"time"

	"bootmaker/internal/protocol"
)

// Exit codes returned by Execute.
const (
	ExitSuccess      = 0
	ExitRuntimeError = 1
	ExitInvalidUsage = 2
	ExitCancelled    = 3
)

// Event is one line of CLI output. With --json every event is written as a JSON line.
type Event struct {
	Type       string  `json:"type"`
	WorkflowID string  `json:"workflowID,omitempty"`
	Stage      string  `json:"stage,omitempty"`
	Percent    float64 `json:"percent,omitempty"`
	Message    string  `json:"message,omitempty"`
	Code       string  `json:"code,omitempty"`
	Data       any     `json:"data,omitempty"`
}

// Event types.
const (
	EventStarted   = "started"
	EventProgress  = "progress"
	EventLog       = "log"
	EventSuccess   = "success"
	EventCancelled = "cancelled"
	EventError     = "error"
	EventResult    = "result"
)

// Manager abstracts the endpoint operations for the CLI.
type Manager interface {
	// Start runs request and streams its events. The channel closes after a success,
	// cancelled or error event. Cancelling ctx cancels the workflow.
	Start(ctx context.Context, request protocol.Request) <-chan Event
	Cancel(ctx context.Context, workflowID string) (protocol.CancelStatus, error)
	Health(ctx context.Context, timeout time.Duration) (*protocol.Health, error)
	Close()
}

// Connector builds a Manager for the endpoint selected by the global flags.
type Connector func(socket, token string) Manager
