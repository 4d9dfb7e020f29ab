package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowKind_Valid(t *testing.T) {
	tests := []struct {
		kind  WorkflowKind
		valid bool
	}{
		{KindStandard, true},
		{KindLegacyRestore, true},
		{KindMavericks, true},
		{KindPPC, true},
		{"", false},
		{"Standard", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.kind.Valid())
		})
	}
}

func TestRequest_IgnoresUnknownFields(t *testing.T) {
	raw := `{
		"workflowKind": "standard",
		"systemName": "macOS Catalina",
		"sourcePath": "/Applications/Install macOS Catalina.app",
		"targetDeviceID": "disk4",
		"targetLabel": "USB",
		"needsPreformat": true,
		"someFutureFlag": {"nested": [1, 2, 3]}
	}`

	var req Request
	require.NoError(t, json.Unmarshal([]byte(raw), &req))
	assert.Equal(t, KindStandard, req.Kind)
	assert.Equal(t, "disk4", req.TargetDeviceID)
	assert.True(t, req.NeedsPreformat)
	assert.Empty(t, req.PostInstallSourcePath)
}

func TestResult_Outcome(t *testing.T) {
	assert.Equal(t, "success", Result{Success: true}.Outcome())
	assert.Equal(t, "cancelled", Result{IsUserCancelled: true, Category: CategoryCancelled}.Outcome())
	assert.Equal(t, "failed", Result{FailedStageKey: "restore", ErrorCode: 1}.Outcome())
}

func TestEnvelope_WorkflowID(t *testing.T) {
	assert.Equal(t, "wf-1", Envelope{Type: EventProgress, Progress: &ProgressEvent{WorkflowID: "wf-1"}}.WorkflowID())
	assert.Equal(t, "wf-2", Envelope{Type: EventResult, Result: &Result{WorkflowID: "wf-2"}}.WorkflowID())
	assert.Empty(t, Envelope{Type: EventHeartbeat}.WorkflowID())
}

func TestEnvelope_OmitsEmptyPayloads(t *testing.T) {
	data, err := json.Marshal(Envelope{Type: EventHeartbeat, Seq: 7})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"heartbeat","seq":7}`, string(data))
}
