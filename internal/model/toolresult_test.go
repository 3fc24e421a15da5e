package model

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResultLog_AppendAndSnapshot(t *testing.T) {
	log := NewResultLog()
	log.Append(ToolResult{Tool: "verify_fraud", Status: ToolStatusOK, Cost: 0.10})
	log.Append(ToolResult{Tool: "extract_document_data", Status: ToolStatusFailed, Error: "timeout"})

	all := log.All()
	assert.Len(t, all, 2)
	assert.Equal(t, "verify_fraud", all[0].Tool)

	// Snapshot is a copy; mutating it must not affect the log.
	all[0].Tool = "mutated"
	assert.Equal(t, "verify_fraud", log.All()[0].Tool)
}

func TestResultLog_LatestSkipsFailures(t *testing.T) {
	log := NewResultLog()
	log.Append(ToolResult{Tool: "cross_check_amounts", Status: ToolStatusOK, Output: json.RawMessage(`{"match":true}`)})
	log.Append(ToolResult{Tool: "cross_check_amounts", Status: ToolStatusFailed})

	r, ok := log.Latest("cross_check_amounts")
	assert.True(t, ok)
	assert.True(t, r.OK())

	_, ok = log.Latest("verify_fraud")
	assert.False(t, ok)
}

func TestResultLog_InvokedByEvidence(t *testing.T) {
	log := NewResultLog()
	log.Append(ToolResult{Tool: "extract_document_data", EvidenceID: "ev-1", Status: ToolStatusFailed})

	assert.True(t, log.Invoked("extract_document_data", ""))
	assert.True(t, log.Invoked("extract_document_data", "ev-1"))
	assert.False(t, log.Invoked("extract_document_data", "ev-2"))
	assert.False(t, log.Invoked("verify_document", ""))
}

func TestResultLog_TotalCostIncludesFailures(t *testing.T) {
	log := NewResultLog()
	log.Append(ToolResult{Tool: "verify_document", Status: ToolStatusOK, Cost: 0.05})
	log.Append(ToolResult{Tool: "verify_image", Status: ToolStatusFailed, Cost: 0.07}) // payment consumed
	log.Append(ToolResult{Tool: "validate_claim_data", Status: ToolStatusOK})

	assert.InDelta(t, 0.12, log.TotalCost(), 1e-9)
}

func TestResultLog_ConcurrentAppend(t *testing.T) {
	log := NewResultLog()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Append(ToolResult{Tool: "verify_fraud", Status: ToolStatusOK, Timestamp: time.Now()})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, log.Len())
}

func TestToolResult_Decode(t *testing.T) {
	r := ToolResult{Status: ToolStatusOK, Output: json.RawMessage(`{"risk_score":0.2}`)}
	var out struct {
		RiskScore float64 `json:"risk_score"`
	}
	assert.True(t, r.Decode(&out))
	assert.InDelta(t, 0.2, out.RiskScore, 1e-9)

	failed := ToolResult{Status: ToolStatusFailed, Output: json.RawMessage(`{"risk_score":0.9}`)}
	assert.False(t, failed.Decode(&out))
}

func TestDecision_ClaimStatus(t *testing.T) {
	cases := map[Decision]ClaimStatus{
		DecisionAutoApproved:       ClaimStatusApproved,
		DecisionApprovedWithReview: ClaimStatusApproved,
		DecisionNeedsReview:        ClaimStatusNeedsReview,
		DecisionNeedsMoreData:      ClaimStatusAwaitingData,
		DecisionInsufficientData:   ClaimStatusNeedsReview,
		DecisionFraudDetected:      ClaimStatusRejected,
	}
	for d, want := range cases {
		assert.Equal(t, want, d.ClaimStatus(), string(d))
	}
}

func TestClaimStatus_ReEvaluable(t *testing.T) {
	assert.True(t, ClaimStatusSubmitted.ReEvaluable())
	assert.True(t, ClaimStatusNeedsReview.ReEvaluable())
	assert.True(t, ClaimStatusAwaitingData.ReEvaluable())
	assert.False(t, ClaimStatusEvaluating.ReEvaluable())
	assert.False(t, ClaimStatusSettled.ReEvaluable())
	assert.False(t, ClaimStatusRejected.ReEvaluable())
}
