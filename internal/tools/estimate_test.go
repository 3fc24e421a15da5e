package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimpilot/claimpilot/internal/model"
)

func appendToolOutput(t *testing.T, rc *RunContext, tool string, output any) {
	t.Helper()
	raw, err := json.Marshal(output)
	require.NoError(t, err)
	rc.Results.Append(model.ToolResult{
		ID:        "tr-" + tool,
		RunID:     rc.RunID,
		Tool:      tool,
		Output:    raw,
		Status:    model.ToolStatusOK,
		Timestamp: time.Now().UTC(),
	})
}

func TestEstimateRepairIsDeterministic(t *testing.T) {
	r := NewRegistry(testDeps(t))
	rc := testRunContext()
	args := json.RawMessage(`{"severity":"moderate","affected_parts":["bumper","tail light"]}`)

	first := r.Invoke(context.Background(), rc, ToolEstimateRepair, args)
	second := r.Invoke(context.Background(), rc, ToolEstimateRepair, args)
	require.True(t, first.OK(), first.Error)

	var a, b CostEstimate
	require.True(t, first.Decode(&a))
	require.True(t, second.Decode(&b))
	assert.Equal(t, a, b)
	assert.InDelta(t, 2500+2*350, a.EstimatedCost, 1e-9)
	assert.Less(t, a.Low, a.EstimatedCost)
	assert.Greater(t, a.High, a.EstimatedCost)
}

func TestEstimateRepairDefaultsFromDamageAssessment(t *testing.T) {
	r := NewRegistry(testDeps(t))
	rc := testRunContext()
	appendToolOutput(t, rc, ToolExtractImage, DamageAssessment{
		Severity:      "severe",
		AffectedParts: []string{"frame"},
	})

	result := r.Invoke(context.Background(), rc, ToolEstimateRepair, nil)
	require.True(t, result.OK(), result.Error)

	var est CostEstimate
	require.True(t, result.Decode(&est))
	assert.Equal(t, "severe", est.Severity)
	assert.InDelta(t, 8000+350, est.EstimatedCost, 1e-9)
}

func TestEstimateRepairUnknownSeverity(t *testing.T) {
	r := NewRegistry(testDeps(t))
	rc := testRunContext()

	result := r.Invoke(context.Background(), rc, ToolEstimateRepair, json.RawMessage(`{"severity":"apocalyptic"}`))
	assert.False(t, result.OK())
	assert.Contains(t, result.Error, "unknown severity")
}

func TestCrossCheckMatch(t *testing.T) {
	r := NewRegistry(testDeps(t))
	rc := testRunContext() // claimed 3000
	args := json.RawMessage(`{"document_total":2980,"estimated_cost":3100}`)

	result := r.Invoke(context.Background(), rc, ToolCrossCheck, args)
	require.True(t, result.OK(), result.Error)

	var cc CrossCheck
	require.True(t, result.Decode(&cc))
	assert.True(t, cc.Match)
	assert.Len(t, cc.Compared, 2)
	assert.LessOrEqual(t, cc.MaxDiffPct, 10.0)
}

func TestCrossCheckMismatch(t *testing.T) {
	r := NewRegistry(testDeps(t))
	rc := testRunContext()
	args := json.RawMessage(`{"document_total":1500}`)

	result := r.Invoke(context.Background(), rc, ToolCrossCheck, args)
	require.True(t, result.OK(), result.Error)

	var cc CrossCheck
	require.True(t, result.Decode(&cc))
	assert.False(t, cc.Match)
	assert.InDelta(t, 50.0, cc.MaxDiffPct, 0.01)
}

func TestCrossCheckDefaultsFromPriorLayers(t *testing.T) {
	r := NewRegistry(testDeps(t))
	rc := testRunContext()
	appendToolOutput(t, rc, ToolExtractDocument, DocumentExtraction{TotalAmount: 2950})
	appendToolOutput(t, rc, ToolEstimateRepair, CostEstimate{EstimatedCost: 3050})

	result := r.Invoke(context.Background(), rc, ToolCrossCheck, nil)
	require.True(t, result.OK(), result.Error)

	var cc CrossCheck
	require.True(t, result.Decode(&cc))
	assert.True(t, cc.Match)
	assert.Len(t, cc.Compared, 2)
}

func TestCrossCheckNothingToCompare(t *testing.T) {
	r := NewRegistry(testDeps(t))
	rc := testRunContext()

	result := r.Invoke(context.Background(), rc, ToolCrossCheck, nil)
	assert.False(t, result.OK())
	assert.Contains(t, result.Error, "nothing to cross-check")
}
