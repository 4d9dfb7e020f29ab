// Package worker runs one workflow: it plans the stages, drives them through the stage
// runner, tracks cancellation and turns the outcome into a single terminal result.
package worker

import (
	"sync"

	"github.com/rs/zerolog"

	"bootmaker/internal/logging"
)

// OperationLogger writes the audit trail of one workflow. Every line carries the
// workflow id so a run can be reassembled from the daemon log.
type OperationLogger struct {
	logger     zerolog.Logger
	workflowID string
	mu         sync.Mutex
	lines      int
}

// NewOperationLogger creates a new logger for a specific workflow
func NewOperationLogger(workflowID string) *OperationLogger {
	return &OperationLogger{
		logger:     logging.Component("executor").With().Str("workflow_id", workflowID).Logger(),
		workflowID: workflowID,
	}
}

// LogInfo logs an info message
func (ol *OperationLogger) LogInfo(message string, details ...map[string]any) {
	ol.log(zerolog.InfoLevel, message, details...)
}

// LogWarning logs a warning message
func (ol *OperationLogger) LogWarning(message string, details ...map[string]any) {
	ol.log(zerolog.WarnLevel, message, details...)
}

// LogError logs an error message
func (ol *OperationLogger) LogError(message string, details ...map[string]any) {
	ol.log(zerolog.ErrorLevel, message, details...)
}

// LogCommand logs a command about to be executed
func (ol *OperationLogger) LogCommand(stageKey, command string) {
	ol.LogInfo("Executing command", map[string]any{
		"stage":   stageKey,
		"command": command,
	})
}

// LogOutput records one raw line of tool output.
func (ol *OperationLogger) LogOutput(stageKey, line string) {
	ol.mu.Lock()
	ol.lines++
	ol.mu.Unlock()

	ol.logger.Debug().Str("stage", stageKey).Str("type", "output").Msg(line)
}

// LogProgress logs a stage boundary with the visible percent
func (ol *OperationLogger) LogProgress(stageKey, message string, percent float64) {
	ol.LogInfo(message, map[string]any{
		"stage":   stageKey,
		"percent": percent,
		"type":    "progress",
	})
}

// OutputLines returns how many raw tool lines were recorded.
func (ol *OperationLogger) OutputLines() int {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	return ol.lines
}

func (ol *OperationLogger) log(level zerolog.Level, message string, details ...map[string]any) {
	event := ol.logger.WithLevel(level)
	if len(details) > 0 && details[0] != nil {
		event = event.Fields(details[0])
	}
	event.Msg(message)
}
