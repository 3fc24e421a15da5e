package model

import "time"

// Decision is the final outcome tag of one evaluation run.
type Decision string

const (
	DecisionAutoApproved       Decision = "AUTO_APPROVED"
	DecisionApprovedWithReview Decision = "APPROVED_WITH_REVIEW"
	DecisionNeedsReview        Decision = "NEEDS_REVIEW"
	DecisionNeedsMoreData      Decision = "NEEDS_MORE_DATA"
	DecisionInsufficientData   Decision = "INSUFFICIENT_DATA"
	DecisionFraudDetected      Decision = "FRAUD_DETECTED"
)

// Valid reports whether d is one of the known decision tags.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAutoApproved, DecisionApprovedWithReview, DecisionNeedsReview,
		DecisionNeedsMoreData, DecisionInsufficientData, DecisionFraudDetected:
		return true
	}
	return false
}

// ClaimStatus maps a decision to the claim lifecycle status it produces.
func (d Decision) ClaimStatus() ClaimStatus {
	switch d {
	case DecisionAutoApproved, DecisionApprovedWithReview:
		return ClaimStatusApproved
	case DecisionNeedsMoreData:
		return ClaimStatusAwaitingData
	case DecisionFraudDetected:
		return ClaimStatusRejected
	default:
		return ClaimStatusNeedsReview
	}
}

// AgentProposal is the reasoning agent's final structured payload. It is
// advisory: the enforcer recomputes confidence and fraud risk from the raw
// tool results and derives the decision independently.
type AgentProposal struct {
	Decision            Decision       `json:"decision"`
	Confidence          float64        `json:"confidence"`
	Reasoning           string         `json:"reasoning"`
	ToolResults         map[string]any `json:"tool_results,omitempty"`
	RequestedData       []string       `json:"requested_data,omitempty"`
	HumanReviewRequired bool           `json:"human_review_required"`
	ReviewReasons       []string       `json:"review_reasons,omitempty"`
	Contradictions      []string       `json:"contradictions,omitempty"`
	FraudRisk           float64        `json:"fraud_risk"`
}

// EvaluationResult is the final output of one evaluation run.
type EvaluationResult struct {
	RunID               string       `json:"run_id"`
	ClaimID             string       `json:"claim_id"`
	Decision            Decision     `json:"decision"`
	Confidence          float64      `json:"confidence"`
	FraudRisk           float64      `json:"fraud_risk"`
	ApprovedAmount      float64      `json:"approved_amount"`
	Contradictions      []string     `json:"contradictions,omitempty"`
	RequestedData       []string     `json:"requested_data,omitempty"`
	ReviewReasons       []string     `json:"review_reasons,omitempty"`
	HumanReviewRequired bool         `json:"human_review_required"`
	SettlementRef       string       `json:"settlement_ref,omitempty"`
	Fallback            bool         `json:"fallback"` // produced by the rule-based fallback path
	ConfidenceCapped    bool         `json:"confidence_capped"`
	ToolResults         []ToolResult `json:"tool_results"`
	ProcessingCost      float64      `json:"processing_cost"`
	Reasoning           string       `json:"reasoning,omitempty"`
	Report              string       `json:"report,omitempty"`
}

// RunStatus represents the state of an evaluation run record.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one persisted evaluation run for a claim.
type Run struct {
	ID         string            `json:"id"`
	ClaimID    string            `json:"claim_id"`
	Status     RunStatus         `json:"status"`
	Result     *EvaluationResult `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}
