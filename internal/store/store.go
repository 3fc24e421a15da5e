// Package store persists claims, evidence, evaluation runs, and the
// append-only tool invocation trail. Two backends exist: SQLite for single
// node deployments and the CLI, Postgres for shared ones.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/claimpilot/claimpilot/internal/model"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrEvaluationInProgress is returned by BeginEvaluation when another
	// run already holds the claim.
	ErrEvaluationInProgress = eris.New("store: evaluation already in progress")
	// ErrNotReEvaluable is returned by BeginEvaluation for claims in a
	// terminal status.
	ErrNotReEvaluable = eris.New("store: claim status does not allow re-evaluation")
)

// ClaimFilter specifies criteria for listing claims.
type ClaimFilter struct {
	Status model.ClaimStatus `json:"status,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// Store defines the persistence interface for the evaluation engine.
type Store interface {
	// Claims
	CreateClaim(ctx context.Context, claim model.Claim) (*model.Claim, error)
	GetClaim(ctx context.Context, claimID string) (*model.Claim, error)
	ListClaims(ctx context.Context, filter ClaimFilter) ([]model.Claim, error)
	// UpdateClaimOutcome persists the post-evaluation fields: status,
	// decision, confidence, amounts, costs, and review metadata.
	UpdateClaimOutcome(ctx context.Context, claim *model.Claim) error
	// BeginEvaluation atomically transitions a re-evaluable claim to
	// evaluating. At most one run per claim can hold this transition.
	BeginEvaluation(ctx context.Context, claimID string) error
	// AbortEvaluation releases a claim whose run never reached the outcome
	// write, reverting evaluating to needs_review. A claim in any other
	// status is left untouched.
	AbortEvaluation(ctx context.Context, claimID string) error

	// Evidence
	AddEvidence(ctx context.Context, ev model.Evidence) (*model.Evidence, error)
	ListEvidence(ctx context.Context, claimID string) ([]model.Evidence, error)
	MarkEvidenceProcessed(ctx context.Context, evidenceID string) error

	// Runs
	CreateRun(ctx context.Context, claimID string) (*model.Run, error)
	CompleteRun(ctx context.Context, runID string, result *model.EvaluationResult) error
	FailRun(ctx context.Context, runID string, cause string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, claimID string) ([]model.Run, error)

	// Tool results are append-only: nothing updates or deletes them.
	AppendToolResults(ctx context.Context, results []model.ToolResult) error
	ListToolResults(ctx context.Context, runID string) ([]model.ToolResult, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
