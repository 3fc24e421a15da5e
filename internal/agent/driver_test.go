package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimpilot/claimpilot/internal/cost"
	"github.com/claimpilot/claimpilot/internal/model"
	"github.com/claimpilot/claimpilot/internal/settlement"
	"github.com/claimpilot/claimpilot/internal/tools"
	"github.com/claimpilot/claimpilot/internal/verify"
	"github.com/claimpilot/claimpilot/pkg/anthropic"
)

// scriptedAI replays canned responses in order. Extraction calls (no tool
// schemas attached) are answered separately so forced coverage works.
type scriptedAI struct {
	mu       sync.Mutex
	script   []*anthropic.MessageResponse
	extract  string
	requests []anthropic.MessageRequest
}

func (s *scriptedAI) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(req.Tools) == 0 && s.extract != "" && req.Model == "claude-haiku-4-5-20251001" {
		return textResponse(s.extract), nil
	}
	if len(s.script) == 0 {
		return textResponse("{}"), nil
	}
	resp := s.script[0]
	s.script = s.script[1:]
	return resp, nil
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content:    []anthropic.ContentBlock{{Type: "text", Text: text}},
		StopReason: "end_turn",
		Usage:      anthropic.TokenUsage{InputTokens: 800, OutputTokens: 150},
	}
}

func toolUseResponse(id, name string, args string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{
			{Type: "text", Text: "Extracting first."},
			{Type: "tool_use", ID: id, Name: name, Input: json.RawMessage(args)},
		},
		StopReason: "tool_use",
		Usage:      anthropic.TokenUsage{InputTokens: 900, OutputTokens: 80},
	}
}

type stubVerifier struct{}

func (stubVerifier) Document(context.Context, verify.DocumentRequest) (*verify.DocumentResult, float64, error) {
	return &verify.DocumentResult{Authentic: true, Confidence: 0.9}, 0.10, nil
}

func (stubVerifier) Image(context.Context, verify.ImageRequest) (*verify.ImageResult, float64, error) {
	return &verify.ImageResult{Authentic: true, Confidence: 0.9}, 0.15, nil
}

func (stubVerifier) Fraud(context.Context, verify.FraudRequest) (*verify.FraudResult, float64, error) {
	return &verify.FraudResult{RiskScore: 0.1}, 0.25, nil
}

type stubSettler struct{}

func (stubSettler) ApproveClaim(context.Context, settlement.Request) (*settlement.Result, error) {
	return &settlement.Result{TxRef: "0x1"}, nil
}

const finalProposal = `{"decision":"APPROVED_WITH_REVIEW","confidence":0.88,"fraud_risk":0.1,"reasoning":"amounts consistent","human_review_required":false}`

const documentExtraction = `{"document_type":"invoice","total_amount":2980,"dates":["2026-08-12"],"vendor":"Apex Auto Body"}`

func newDriver(t *testing.T, ai anthropic.Client, cfg Config) (*Driver, *tools.Registry) {
	t.Helper()
	registry := tools.NewRegistry(tools.Deps{
		AI:           ai,
		ExtractModel: "claude-haiku-4-5-20251001",
		Calc:         cost.NewCalculator(cost.DefaultRates()),
		Verifier:     stubVerifier{},
		Settler:      stubSettler{},
		MismatchPct:  10,
		Timeout:      5 * time.Second,
	})
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5-20250929"
	}
	return New(ai, registry, cfg), registry
}

func newRunContext(t *testing.T, evidence ...model.Evidence) *tools.RunContext {
	t.Helper()
	return &tools.RunContext{
		RunID: "run-1",
		Claim: model.Claim{
			ID:          "clm-1",
			Amount:      3000,
			Description: "rear bumper collision",
			Claimant:    "0xabc",
			Status:      model.ClaimStatusEvaluating,
			CreatedAt:   time.Now().UTC(),
		},
		Evidence: evidence,
		Results:  model.NewResultLog(),
	}
}

func docEvidence(t *testing.T) model.Evidence {
	t.Helper()
	path := filepath.Join(t.TempDir(), "invoice.txt")
	require.NoError(t, os.WriteFile(path, []byte("Total: $2,980.00"), 0o644))
	return model.Evidence{ID: "ev-doc", ClaimID: "clm-1", Kind: model.EvidenceKindDocument, Locator: path}
}

func TestEvaluateToolLoopThenFinal(t *testing.T) {
	ai := &scriptedAI{
		extract: documentExtraction,
		script: []*anthropic.MessageResponse{
			toolUseResponse("tu-1", tools.ToolExtractDocument, `{"evidence_id":"ev-doc"}`),
			toolUseResponse("tu-2", tools.ToolCrossCheck, `{"document_total":2980}`),
			toolUseResponse("tu-3", tools.ToolValidateClaim, `{}`),
			toolUseResponse("tu-4", tools.ToolVerifyDocument, `{"evidence_id":"ev-doc"}`),
			toolUseResponse("tu-5", tools.ToolVerifyFraud, `{}`),
			textResponse(finalProposal),
		},
	}
	driver, _ := newDriver(t, ai, Config{MaxIterations: 8, ParseRetries: 1})
	rc := newRunContext(t, docEvidence(t))

	outcome, err := driver.Evaluate(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionApprovedWithReview, outcome.Proposal.Decision)
	assert.InDelta(t, 0.88, outcome.Proposal.Confidence, 1e-9)
	assert.Equal(t, 6, outcome.Iterations)
	assert.Empty(t, outcome.ForcedCalls, "model covered everything itself")
	assert.Empty(t, outcome.CoverageGaps)
	assert.True(t, rc.Results.Invoked(tools.ToolExtractDocument, "ev-doc"))
	assert.True(t, rc.Results.Invoked(tools.ToolCrossCheck, ""))
}

func TestEvaluateTranscriptCarriesToolResults(t *testing.T) {
	ai := &scriptedAI{
		extract: documentExtraction,
		script: []*anthropic.MessageResponse{
			toolUseResponse("tu-1", tools.ToolExtractDocument, `{"evidence_id":"ev-doc"}`),
			textResponse(finalProposal),
		},
	}
	driver, _ := newDriver(t, ai, Config{MaxIterations: 4})
	rc := newRunContext(t, docEvidence(t))

	_, err := driver.Evaluate(context.Background(), rc)
	require.NoError(t, err)

	// Second reasoning request replays the assistant tool_use turn and the
	// tool_result answer.
	var second anthropic.MessageRequest
	for _, req := range ai.requests {
		if len(req.Tools) > 0 && len(req.Messages) > 1 {
			second = req
			break
		}
	}
	require.NotEmpty(t, second.Messages)
	assistant := second.Messages[1]
	assert.Equal(t, "assistant", assistant.Role)
	toolResult := second.Messages[2]
	require.Len(t, toolResult.Blocks, 1)
	assert.Equal(t, anthropic.BlockTypeToolResult, toolResult.Blocks[0].Type)
	assert.Equal(t, "tu-1", toolResult.Blocks[0].ToolUseID)
	assert.False(t, toolResult.Blocks[0].IsError)
}

func TestEvaluateForcesSkippedCoverage(t *testing.T) {
	// The model jumps straight to a decision without touching a single tool.
	ai := &scriptedAI{
		extract: documentExtraction,
		script:  []*anthropic.MessageResponse{textResponse(finalProposal)},
	}
	driver, _ := newDriver(t, ai, Config{MaxIterations: 4})
	rc := newRunContext(t, docEvidence(t))

	outcome, err := driver.Evaluate(context.Background(), rc)
	require.NoError(t, err)
	assert.NotEmpty(t, outcome.ForcedCalls)
	assert.True(t, rc.Results.Invoked(tools.ToolExtractDocument, "ev-doc"), "extraction was forced")
	assert.True(t, rc.Results.Invoked(tools.ToolVerifyDocument, "ev-doc"), "verification was forced")
	assert.True(t, rc.Results.Invoked(tools.ToolVerifyFraud, ""), "fraud check was forced")
	assert.True(t, rc.Results.Invoked(tools.ToolCrossCheck, ""))
	assert.True(t, rc.Results.Invoked(tools.ToolValidateClaim, ""))
	assert.Empty(t, outcome.CoverageGaps, "forced calls succeeded")
}

func TestEvaluateReportsGapsWhenForcedCallsFail(t *testing.T) {
	ai := &scriptedAI{
		// Extraction calls return prose, which fails to parse.
		extract: "unreadable document",
		script:  []*anthropic.MessageResponse{textResponse(finalProposal)},
	}
	driver, _ := newDriver(t, ai, Config{MaxIterations: 4})
	rc := newRunContext(t, docEvidence(t))

	outcome, err := driver.Evaluate(context.Background(), rc)
	require.NoError(t, err)
	assert.Contains(t, outcome.CoverageGaps[0], tools.ToolExtractDocument)
}

func TestEvaluateReparsesMalformedFinal(t *testing.T) {
	ai := &scriptedAI{
		script: []*anthropic.MessageResponse{
			textResponse("I approve this claim, looks fine to me."),
			textResponse(finalProposal),
		},
	}
	driver, _ := newDriver(t, ai, Config{MaxIterations: 4, ParseRetries: 2})
	rc := newRunContext(t)

	outcome, err := driver.Evaluate(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionApprovedWithReview, outcome.Proposal.Decision)
}

func TestEvaluateRejectsInvalidDecisionValue(t *testing.T) {
	ai := &scriptedAI{
		script: []*anthropic.MessageResponse{
			textResponse(`{"decision":"MAYBE","confidence":0.9,"fraud_risk":0.1}`),
		},
	}
	driver, _ := newDriver(t, ai, Config{MaxIterations: 4, ParseRetries: 0})
	rc := newRunContext(t)

	_, err := driver.Evaluate(context.Background(), rc)
	assert.ErrorIs(t, err, ErrUnparseable)
}

func TestEvaluateIterationBudget(t *testing.T) {
	// The model asks for validation forever.
	script := make([]*anthropic.MessageResponse, 3)
	for i := range script {
		script[i] = toolUseResponse("tu", tools.ToolValidateClaim, `{}`)
	}
	ai := &scriptedAI{script: script}
	driver, _ := newDriver(t, ai, Config{MaxIterations: 3})
	rc := newRunContext(t)

	_, err := driver.Evaluate(context.Background(), rc)
	assert.ErrorIs(t, err, ErrIterationsExhausted)
}

func TestEvaluateCancelledBeforeNextIteration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ai := &scriptedAI{script: []*anthropic.MessageResponse{textResponse(finalProposal)}}
	driver, _ := newDriver(t, ai, Config{MaxIterations: 4})

	_, err := driver.Evaluate(ctx, newRunContext(t))
	assert.ErrorIs(t, err, context.Canceled)
}

// cancellingAI cancels the caller's context while handing back the final
// answer, like a caller walking away mid-response.
type cancellingAI struct {
	inner  *scriptedAI
	cancel context.CancelFunc
}

func (c *cancellingAI) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	resp, err := c.inner.CreateMessage(ctx, req)
	if err == nil && resp.StopReason == "end_turn" {
		c.cancel()
	}
	return resp, err
}

func TestEvaluateIssuesNoForcedCallsAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ai := &cancellingAI{
		inner:  &scriptedAI{extract: documentExtraction, script: []*anthropic.MessageResponse{textResponse(finalProposal)}},
		cancel: cancel,
	}
	driver, _ := newDriver(t, ai, Config{MaxIterations: 4})
	rc := newRunContext(t, docEvidence(t))

	outcome, err := driver.Evaluate(ctx, rc)
	require.NoError(t, err, "the final answer arrived before the cancellation")

	assert.Zero(t, rc.Results.Len(), "no paid call may start once the run is cancelled")
	assert.Empty(t, outcome.ForcedCalls)
	require.NotEmpty(t, outcome.CoverageGaps)
	assert.Contains(t, outcome.CoverageGaps, tools.ToolVerifyFraud)
}

func TestRunToolsSkipsCallsAfterCancellation(t *testing.T) {
	driver, _ := newDriver(t, &scriptedAI{}, Config{MaxIterations: 4})
	rc := newRunContext(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg := driver.runTools(ctx, context.Background(), rc, []anthropic.ContentBlock{
		{Type: "tool_use", ID: "tu-1", Name: tools.ToolVerifyFraud, Input: json.RawMessage(`{}`)},
	})

	// The transcript still answers the tool_use, but nothing was invoked.
	require.Len(t, msg.Blocks, 1)
	assert.True(t, msg.Blocks[0].IsError)
	assert.Zero(t, rc.Results.Len())
}

func TestParseProposalRejectsOutOfRangeConfidence(t *testing.T) {
	_, err := parseProposal(`{"decision":"NEEDS_REVIEW","confidence":1.4,"fraud_risk":0.1}`)
	assert.Error(t, err)
}
