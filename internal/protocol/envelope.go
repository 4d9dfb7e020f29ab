package protocol

import "time"

// EventType names the kind of record carried by an Envelope.
type EventType string

const (
	EventHello     EventType = "hello"
	EventProgress  EventType = "progress"
	EventResult    EventType = "result"
	EventHeartbeat EventType = "heartbeat"
)

// Envelope is the unit pushed from the endpoint to its connected client.
// Seq increases strictly across everything one endpoint pushes.
type Envelope struct {
	Type     EventType      `json:"type"`
	Seq      uint64         `json:"seq"`
	Hello    *Hello         `json:"hello,omitempty"`
	Progress *ProgressEvent `json:"progress,omitempty"`
	Result   *Result        `json:"result,omitempty"`
}

// WorkflowID returns the workflow the envelope refers to, or "" for connection-level records.
func (e Envelope) WorkflowID() string {
	switch {
	case e.Progress != nil:
		return e.Progress.WorkflowID
	case e.Result != nil:
		return e.Result.WorkflowID
	}
	return ""
}

// Hello is the first record on every event stream.
type Hello struct {
	SubscriberID        string `json:"subscriberID"`
	Version             string `json:"version"`
	HeartbeatIntervalMS int64  `json:"heartbeatIntervalMs,omitempty"`
}

// HeartbeatInterval returns the announced heartbeat period, or zero if the endpoint did
// not announce one.
func (h Hello) HeartbeatInterval() time.Duration {
	return time.Duration(h.HeartbeatIntervalMS) * time.Millisecond
}

// Health is the reply to the liveness probe. OK means the endpoint answered; Ready means
// every readiness check passed as well.
type Health struct {
	OK        bool              `json:"ok"`
	Ready     bool              `json:"ready"`
	Version   string            `json:"version"`
	StartedAt time.Time         `json:"startedAt"`
	Uptime    string            `json:"uptime"`
	Active    *WorkflowSnapshot `json:"active,omitempty"`
	Checks    []Check           `json:"checks,omitempty"`
	Vitals    *Vitals           `json:"vitals,omitempty"`
}

// WorkflowSnapshot describes the workflow currently occupying the endpoint.
type WorkflowSnapshot struct {
	WorkflowID             string       `json:"workflowID"`
	Kind                   WorkflowKind `json:"workflowKind"`
	State                  string       `json:"state"`
	StageKey               string       `json:"stageKey,omitempty"`
	StageTitle             string       `json:"stageTitle,omitempty"`
	Percent                float64      `json:"percent"`
	EstimatedTimeRemaining string       `json:"estimatedTimeRemaining,omitempty"`
}

// Check is one readiness check reported by the health probe.
type Check struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Vitals is a coarse view of host resources.
type Vitals struct {
	CPUPercent  float64 `json:"cpuPercent"`
	MemPercent  float64 `json:"memPercent"`
	DiskPercent float64 `json:"diskPercent"`
	HostUptime  uint64  `json:"hostUptimeSeconds"`
}
