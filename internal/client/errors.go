package client

import (
	"errors"
	"fmt"

	"bootmaker/internal/protocol"
)

var (
	// ErrConnectionLost reports that the event stream went away while workflows were
	// outstanding.
	ErrConnectionLost = errors.New("connection to endpoint lost")

	// ErrUnreachable reports that the endpoint could not be reached or did not become
	// ready in time.
	ErrUnreachable = errors.New("endpoint unreachable")

	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("controller closed")
)

// StartError is delivered when a workflow could not be started. Category tells busy,
// request and transport failures apart.
type StartError struct {
	Category protocol.ErrorCategory
	Err      error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start workflow (%s): %v", e.Category, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

func connectionLostResult(workflowID string) protocol.Result {
	return protocol.Result{
		WorkflowID:   workflowID,
		ErrorCode:    protocol.CodeConnectionLost,
		ErrorMessage: protocol.ConnectionLostMessage,
		Category:     protocol.CategoryTransport,
	}
}
