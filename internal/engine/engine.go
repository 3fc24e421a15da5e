// Package engine orchestrates one claim evaluation end to end: it locks the
// claim, runs the reasoning agent over the tool registry, lets the decision
// enforcer recompute the outcome from the raw tool results, settles
// auto-approved claims, and persists the run. The agent proposes; the
// enforcer decides.
package engine

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/claimpilot/claimpilot/internal/agent"
	"github.com/claimpilot/claimpilot/internal/config"
	"github.com/claimpilot/claimpilot/internal/cost"
	"github.com/claimpilot/claimpilot/internal/model"
	"github.com/claimpilot/claimpilot/internal/store"
	"github.com/claimpilot/claimpilot/internal/tools"
	"github.com/claimpilot/claimpilot/pkg/anthropic"
)

// ReasoningDriver runs the agent loop for one claim.
type ReasoningDriver interface {
	Evaluate(ctx context.Context, rc *tools.RunContext) (*agent.Outcome, error)
}

// Engine coordinates stores, the reasoning driver, and the tool registry.
type Engine struct {
	cfg      *config.Config
	store    store.Store
	driver   ReasoningDriver
	registry *tools.Registry
	enforcer *Enforcer
	fallback *Fallback
	calc     *cost.Calculator
}

// New creates an Engine.
func New(cfg *config.Config, st store.Store, driver ReasoningDriver, registry *tools.Registry, calc *cost.Calculator) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    st,
		driver:   driver,
		registry: registry,
		enforcer: NewEnforcer(cfg.Engine),
		fallback: NewFallback(cfg.Engine),
		calc:     calc,
	}
}

// Run executes one evaluation for the claim. Once the claim is locked and a
// run record exists, Run always produces a decision: agent failures route
// through the fallback evaluator rather than erroring out.
func (e *Engine) Run(ctx context.Context, claimID string) (*model.EvaluationResult, error) {
	log := zap.L().With(zap.String("claim_id", claimID))

	if err := e.store.BeginEvaluation(ctx, claimID); err != nil {
		return nil, eris.Wrap(err, "engine: begin evaluation")
	}

	claim, err := e.store.GetClaim(ctx, claimID)
	if err != nil {
		e.release(ctx, claimID, log)
		return nil, eris.Wrap(err, "engine: load claim")
	}
	evidence, err := e.store.ListEvidence(ctx, claimID)
	if err != nil {
		e.release(ctx, claimID, log)
		return nil, eris.Wrap(err, "engine: load evidence")
	}
	run, err := e.store.CreateRun(ctx, claimID)
	if err != nil {
		e.release(ctx, claimID, log)
		return nil, eris.Wrap(err, "engine: create run")
	}
	log = log.With(zap.String("run_id", run.ID))
	log.Info("evaluation started",
		zap.Float64("amount", claim.Amount),
		zap.Int("evidence", len(evidence)))

	rc := &tools.RunContext{
		RunID:    run.ID,
		Claim:    *claim,
		Evidence: evidence,
		Wallet:   e.cfg.Payment.WalletAddress,
		Results:  model.NewResultLog(),
	}

	runCtx := ctx
	if secs := e.cfg.Agent.RunDeadlineSecs; secs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
		defer cancel()
	}

	started := time.Now()
	outcome, agentErr := e.driver.Evaluate(runCtx, rc)

	var verdict Verdict
	var usage anthropic.TokenUsage
	fallbackUsed := agentErr != nil
	if fallbackUsed {
		log.Warn("agent evaluation failed, falling back", zap.Error(agentErr))
		verdict = e.fallback.Evaluate(rc.Results, agentErr)
	} else {
		verdict = e.enforcer.Enforce(outcome.Proposal, rc.Results, outcome.CoverageGaps)
	}
	if outcome != nil {
		usage = outcome.Usage
	}

	approvedAmount := 0.0
	settlementRef := ""
	switch verdict.Decision {
	case model.DecisionAutoApproved:
		approvedAmount = e.approvableAmount(rc)
		settlementRef = e.settle(ctx, rc, approvedAmount, &verdict, log)
	case model.DecisionApprovedWithReview:
		approvedAmount = e.approvableAmount(rc)
	}

	modelCost := rc.ModelCost() +
		e.calc.Claude(e.cfg.Anthropic.AgentModel, usage.InputTokens, usage.OutputTokens)
	processingCost := rc.Results.TotalCost() + modelCost

	result := &model.EvaluationResult{
		RunID:               run.ID,
		ClaimID:             claim.ID,
		Decision:            verdict.Decision,
		Confidence:          verdict.Confidence,
		FraudRisk:           verdict.FraudRisk,
		ApprovedAmount:      approvedAmount,
		Contradictions:      verdict.Contradictions,
		RequestedData:       verdict.RequestedData,
		ReviewReasons:       verdict.ReviewReasons,
		HumanReviewRequired: verdict.HumanReviewRequired,
		SettlementRef:       settlementRef,
		Fallback:            fallbackUsed,
		ConfidenceCapped:    verdict.Capped,
		ToolResults:         rc.Results.All(),
		ProcessingCost:      processingCost,
		Reasoning:           verdict.Reasoning,
	}
	result.Report = FormatReport(*claim, result)

	if err := e.persist(ctx, claim, run.ID, result, verdict, log); err != nil {
		return result, err
	}

	log.Info("evaluation complete",
		zap.String("decision", string(result.Decision)),
		zap.Float64("confidence", result.Confidence),
		zap.Float64("fraud_risk", result.FraudRisk),
		zap.Bool("fallback", result.Fallback),
		zap.Float64("cost_usd", result.ProcessingCost),
		zap.Duration("duration", time.Since(started)))
	return result, nil
}

// release hands the claim back after a run that never wrote an outcome.
// Without it the claim would sit in evaluating forever, rejecting every
// later run.
func (e *Engine) release(ctx context.Context, claimID string, log *zap.Logger) {
	if err := e.store.AbortEvaluation(ctx, claimID); err != nil {
		log.Warn("failed to release claim after aborted run", zap.Error(err))
	}
}

// approvableAmount is the claimed amount, never more than what the
// documentation supports.
func (e *Engine) approvableAmount(rc *tools.RunContext) float64 {
	amount := rc.Claim.Amount
	if r, ok := rc.Results.Latest(tools.ToolExtractDocument); ok {
		var doc tools.DocumentExtraction
		if r.Decode(&doc) && doc.TotalAmount > 0 {
			amount = math.Min(amount, doc.TotalAmount)
		}
	}
	return amount
}

// settle releases escrow for an auto-approved claim. Settlement failure
// keeps the decision: the claim stays approved, the reference stays unset,
// and a human gets a reason to look.
func (e *Engine) settle(ctx context.Context, rc *tools.RunContext, amount float64, verdict *Verdict, log *zap.Logger) string {
	args, _ := json.Marshal(map[string]float64{"amount": amount})
	res := e.registry.Invoke(ctx, rc, tools.ToolApproveClaim, args)
	if !res.OK() {
		log.Error("settlement failed", zap.String("error", res.Error))
		verdict.ReviewReasons = append(verdict.ReviewReasons,
			string(CodeSettlementFailed)+": "+res.Error)
		verdict.HumanReviewRequired = true
		return ""
	}
	var receipt tools.ApprovalReceipt
	if !res.Decode(&receipt) {
		verdict.ReviewReasons = append(verdict.ReviewReasons,
			string(CodeSettlementFailed)+": settlement receipt unreadable")
		verdict.HumanReviewRequired = true
		return ""
	}
	log.Info("claim settled", zap.String("tx_ref", receipt.TxRef), zap.Float64("amount", amount))
	return receipt.TxRef
}

// persist writes the tool trail, the run record, and the claim outcome.
func (e *Engine) persist(ctx context.Context, claim *model.Claim, runID string, result *model.EvaluationResult, verdict Verdict, log *zap.Logger) error {
	if err := e.store.AppendToolResults(ctx, result.ToolResults); err != nil {
		log.Warn("failed to persist tool results", zap.Error(err))
	}
	e.markProcessedEvidence(ctx, result.ToolResults, log)

	status := verdict.Decision.ClaimStatus()
	if result.Fallback {
		status = model.ClaimStatusNeedsReview
	}

	decision := verdict.Decision
	confidence := verdict.Confidence
	claim.Status = status
	claim.Decision = &decision
	claim.Confidence = &confidence
	claim.ProcessingCosts += result.ProcessingCost
	claim.ReviewReasons = verdict.ReviewReasons
	claim.Contradictions = verdict.Contradictions
	claim.RequestedData = result.RequestedData
	claim.HumanReviewRequired = verdict.HumanReviewRequired
	if result.ApprovedAmount > 0 {
		approved := result.ApprovedAmount
		claim.ApprovedAmount = &approved
	}
	if result.SettlementRef != "" {
		claim.SettlementRef = result.SettlementRef
	}

	if err := e.store.UpdateClaimOutcome(ctx, claim); err != nil {
		if failErr := e.store.FailRun(ctx, runID, err.Error()); failErr != nil {
			log.Warn("failed to mark run failed", zap.Error(failErr))
		}
		e.release(ctx, claim.ID, log)
		return eris.Wrap(err, "engine: persist claim outcome")
	}
	if err := e.store.CompleteRun(ctx, runID, result); err != nil {
		log.Warn("failed to complete run record", zap.Error(err))
	}
	return nil
}

// markProcessedEvidence flips evidence whose extraction succeeded to
// processed.
func (e *Engine) markProcessedEvidence(ctx context.Context, results []model.ToolResult, log *zap.Logger) {
	done := make(map[string]bool)
	for _, r := range results {
		extract := r.Tool == tools.ToolExtractDocument || r.Tool == tools.ToolExtractImage
		if !extract || !r.OK() || r.EvidenceID == "" || done[r.EvidenceID] {
			continue
		}
		done[r.EvidenceID] = true
		if err := e.store.MarkEvidenceProcessed(ctx, r.EvidenceID); err != nil {
			log.Warn("failed to mark evidence processed",
				zap.String("evidence_id", r.EvidenceID), zap.Error(err))
		}
	}
}
