// Package protocol defines the records exchanged between the privileged endpoint and its
// clients: workflow requests, progress events, terminal results and the push envelope.
//
// Decoding is tolerant of version skew: unknown fields are ignored on either side.
package protocol

import "time"

// WorkflowKind selects which stage templates are legal for a request.
type WorkflowKind string

const (
	KindStandard      WorkflowKind = "standard"
	KindLegacyRestore WorkflowKind = "legacyRestore"
	KindMavericks     WorkflowKind = "mavericks"
	KindPPC           WorkflowKind = "ppc"
)

// Valid reports whether k is one of the known workflow kinds.
func (k WorkflowKind) Valid() bool {
	switch k {
	case KindStandard, KindLegacyRestore, KindMavericks, KindPPC:
		return true
	}
	return false
}

// Request is the immutable description of one unit of work as it travels over the wire.
// It is resolved into a kind-specific variant before planning; flags that do not belong
// to the request's kind are ignored.
type Request struct {
	Kind                       WorkflowKind `json:"workflowKind" yaml:"workflowKind" plist:"workflowKind"`
	SystemName                 string       `json:"systemName" yaml:"systemName" plist:"systemName"`
	SourcePath                 string       `json:"sourcePath" yaml:"sourcePath" plist:"sourcePath"`
	TargetVolumePath           string       `json:"targetVolumePath,omitempty" yaml:"targetVolumePath" plist:"targetVolumePath"`
	TargetDeviceID             string       `json:"targetDeviceID" yaml:"targetDeviceID" plist:"targetDeviceID"`
	TargetLabel                string       `json:"targetLabel,omitempty" yaml:"targetLabel" plist:"targetLabel"`
	NeedsPreformat             bool         `json:"needsPreformat" yaml:"needsPreformat" plist:"needsPreformat"`
	IsCatalinaFinalize         bool         `json:"isCatalinaFinalize,omitempty" yaml:"isCatalinaFinalize" plist:"isCatalinaFinalize"`
	RequiresApplicationPathArg bool         `json:"requiresApplicationPathArg,omitempty" yaml:"requiresApplicationPathArg" plist:"requiresApplicationPathArg"`
	PostInstallSourcePath      string       `json:"postInstallSourcePath,omitempty" yaml:"postInstallSourcePath" plist:"postInstallSourcePath"`
	RequesterIdentity          string       `json:"requesterIdentity,omitempty" yaml:"requesterIdentity" plist:"requesterIdentity"`
}

// ProgressEvent is one observable step of a running workflow. Percent never decreases
// within a workflow.
type ProgressEvent struct {
	WorkflowID string    `json:"workflowID"`
	StageKey   string    `json:"stageKey"`
	StageTitle string    `json:"stageTitle"`
	Percent    float64   `json:"percent"`
	StatusText string    `json:"statusText"`
	LogLine    string    `json:"logLine,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorCategory tags why a workflow or call did not succeed, so callers never have to
// infer intent from message text.
type ErrorCategory string

const (
	CategoryNone      ErrorCategory = ""
	CategoryRequest   ErrorCategory = "request"
	CategoryStage     ErrorCategory = "stage"
	CategoryCancelled ErrorCategory = "cancelled"
	CategoryTransport ErrorCategory = "transport"
	CategoryBusy      ErrorCategory = "busy"
)

// RequestStageKey is the failed stage key reported for planning-time validation errors.
const RequestStageKey = "request"

// Error codes carried in Result.ErrorCode when no process exit status applies.
const (
	CodeInvalidRequest = 1001
	CodeConnectionLost = 1002
	CodeShutdown       = 1003
)

// ConnectionLostMessage is the error message of the synthetic result delivered when the
// connection to the endpoint goes away mid-workflow.
const ConnectionLostMessage = "connection lost"

// Result is the terminal record of a workflow. Exactly one is produced per workflow and
// the workflow id is retired afterwards.
type Result struct {
	WorkflowID      string        `json:"workflowID"`
	Success         bool          `json:"success"`
	FailedStageKey  string        `json:"failedStageKey,omitempty"`
	ErrorCode       int           `json:"errorCode,omitempty"`
	ErrorMessage    string        `json:"errorMessage,omitempty"`
	IsUserCancelled bool          `json:"isUserCancelled"`
	Category        ErrorCategory `json:"errorCategory,omitempty"`
}

// Outcome condenses a result into one of the three terminal shapes.
func (r Result) Outcome() string {
	switch {
	case r.Success:
		return "success"
	case r.IsUserCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// StartResponse acknowledges a started workflow.
type StartResponse struct {
	WorkflowID string `json:"workflowID"`
}

// CancelStatus is the reply to a cancel call. Cancelling an unknown or finished workflow
// is not an error.
type CancelStatus string

const (
	CancelAcknowledged CancelStatus = "acknowledged"
	CancelNotFound     CancelStatus = "notFound"
)

// CancelResponse is the body returned by the cancel call.
type CancelResponse struct {
	Status CancelStatus `json:"status"`
}

// ErrorResponse is the body of any non-2xx reply from the endpoint.
type ErrorResponse struct {
	Error    string        `json:"error"`
	Category ErrorCategory `json:"category,omitempty"`
}
