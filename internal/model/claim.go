package model

import "time"

// ClaimStatus represents the lifecycle state of a claim.
type ClaimStatus string

const (
	ClaimStatusSubmitted    ClaimStatus = "submitted"
	ClaimStatusEvaluating   ClaimStatus = "evaluating"
	ClaimStatusApproved     ClaimStatus = "approved"
	ClaimStatusNeedsReview  ClaimStatus = "needs_review"
	ClaimStatusAwaitingData ClaimStatus = "awaiting_data"
	ClaimStatusRejected     ClaimStatus = "rejected"
	ClaimStatusSettled      ClaimStatus = "settled"
)

// ReEvaluable reports whether a claim in this status may start a new
// evaluation run. Settled and rejected claims are terminal.
func (s ClaimStatus) ReEvaluable() bool {
	switch s {
	case ClaimStatusSubmitted, ClaimStatusNeedsReview, ClaimStatusAwaitingData:
		return true
	default:
		return false
	}
}

// Claim represents one insurance claim under evaluation.
type Claim struct {
	ID          string  `json:"id"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description"`
	Claimant    string  `json:"claimant"` // recipient address for settlement
	Status      ClaimStatus `json:"status"`

	// Fields written back by the evaluation engine.
	Decision            *Decision `json:"decision,omitempty"`
	Confidence          *float64  `json:"confidence,omitempty"`
	ApprovedAmount      *float64  `json:"approved_amount,omitempty"`
	ProcessingCosts     float64   `json:"processing_costs"`
	SettlementRef       string    `json:"settlement_ref,omitempty"`
	ReviewReasons       []string  `json:"review_reasons,omitempty"`
	Contradictions      []string  `json:"contradictions,omitempty"`
	RequestedData       []string  `json:"requested_data,omitempty"`
	HumanReviewRequired bool      `json:"human_review_required"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EvidenceKind distinguishes uploaded artifact types.
type EvidenceKind string

const (
	EvidenceKindDocument EvidenceKind = "document"
	EvidenceKindImage    EvidenceKind = "image"
)

// EvidenceStatus tracks per-item processing state.
type EvidenceStatus string

const (
	EvidenceStatusUploaded  EvidenceStatus = "uploaded"
	EvidenceStatusProcessed EvidenceStatus = "processed"
)

// Evidence is one uploaded artifact tied to a claim by reference.
// Evidence outlives a single evaluation run.
type Evidence struct {
	ID        string         `json:"id"`
	ClaimID   string         `json:"claim_id"`
	Kind      EvidenceKind   `json:"kind"`
	Locator   string         `json:"locator"` // storage path or URL
	Status    EvidenceStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}
