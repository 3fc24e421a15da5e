package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimpilot/claimpilot/internal/model"
)

func TestValidateProceed(t *testing.T) {
	r := NewRegistry(testDeps(t))
	rc := testRunContext()
	rc.Evidence = []model.Evidence{{ID: "ev-doc", Kind: model.EvidenceKindDocument}}
	rc.Results.Append(model.ToolResult{
		Tool: ToolExtractDocument, EvidenceID: "ev-doc", Status: model.ToolStatusOK,
	})
	appendToolOutput(t, rc, ToolExtractDocument, DocumentExtraction{TotalAmount: 2980, Dates: []string{"2026-08-12"}})
	appendToolOutput(t, rc, ToolCrossCheck, CrossCheck{Match: true, MaxDiffPct: 0.7})

	result := r.Invoke(context.Background(), rc, ToolValidateClaim, nil)
	require.True(t, result.OK(), result.Error)

	var v Validation
	require.True(t, result.Decode(&v))
	assert.Equal(t, RecommendProceed, v.Recommendation)
	assert.Empty(t, v.Anomalies)
}

func TestValidateReviewOnUnextractedEvidence(t *testing.T) {
	r := NewRegistry(testDeps(t))
	rc := testRunContext()
	rc.Evidence = []model.Evidence{{ID: "ev-doc", Kind: model.EvidenceKindDocument}}

	result := r.Invoke(context.Background(), rc, ToolValidateClaim, nil)
	require.True(t, result.OK(), result.Error)

	var v Validation
	require.True(t, result.Decode(&v))
	assert.Equal(t, RecommendReview, v.Recommendation)
	assert.Contains(t, v.Anomalies[0], "never extracted")
}

func TestValidateReviewOnCrossCheckMismatch(t *testing.T) {
	r := NewRegistry(testDeps(t))
	rc := testRunContext()
	rc.Evidence = []model.Evidence{{ID: "ev-doc", Kind: model.EvidenceKindDocument}}
	rc.Results.Append(model.ToolResult{Tool: ToolExtractDocument, EvidenceID: "ev-doc", Status: model.ToolStatusOK})
	appendToolOutput(t, rc, ToolCrossCheck, CrossCheck{Match: false, MaxDiffPct: 22.5})

	result := r.Invoke(context.Background(), rc, ToolValidateClaim, nil)
	var v Validation
	require.True(t, result.Decode(&v))
	assert.Equal(t, RecommendReview, v.Recommendation)
}

func TestValidateRejectOnLargeDivergence(t *testing.T) {
	r := NewRegistry(testDeps(t))
	rc := testRunContext() // claimed 3000
	rc.Evidence = []model.Evidence{{ID: "ev-doc", Kind: model.EvidenceKindDocument}}
	rc.Results.Append(model.ToolResult{Tool: ToolExtractDocument, EvidenceID: "ev-doc", Status: model.ToolStatusOK})
	appendToolOutput(t, rc, ToolExtractDocument, DocumentExtraction{TotalAmount: 900})

	result := r.Invoke(context.Background(), rc, ToolValidateClaim, nil)
	var v Validation
	require.True(t, result.Decode(&v))
	assert.Equal(t, RecommendReject, v.Recommendation)
}

func TestValidateRejectOnNonPositiveAmount(t *testing.T) {
	r := NewRegistry(testDeps(t))
	rc := testRunContext()
	rc.Claim.Amount = 0

	result := r.Invoke(context.Background(), rc, ToolValidateClaim, nil)
	var v Validation
	require.True(t, result.Decode(&v))
	assert.Equal(t, RecommendReject, v.Recommendation)
}

func TestValidateFlagsFutureDate(t *testing.T) {
	r := NewRegistry(testDeps(t))
	rc := testRunContext()
	rc.Evidence = []model.Evidence{{ID: "ev-doc", Kind: model.EvidenceKindDocument}}
	rc.Results.Append(model.ToolResult{Tool: ToolExtractDocument, EvidenceID: "ev-doc", Status: model.ToolStatusOK})
	appendToolOutput(t, rc, ToolExtractDocument, DocumentExtraction{TotalAmount: 3000, Dates: []string{"2099-01-01"}})

	result := r.Invoke(context.Background(), rc, ToolValidateClaim, nil)
	var v Validation
	require.True(t, result.Decode(&v))
	assert.Equal(t, RecommendReview, v.Recommendation)
	assert.Contains(t, v.Anomalies[len(v.Anomalies)-1], "future")
}
