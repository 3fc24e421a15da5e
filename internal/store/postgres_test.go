package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimpilot/claimpilot/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresWithPool(mock), mock
}

func TestPostgresStore_CreateClaim(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO claims`).
		WithArgs(pgxmock.AnyArg(), 3000.0, "rear bumper collision", "0xabc", "submitted", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	claim, err := s.CreateClaim(context.Background(), model.Claim{
		Amount:      3000,
		Description: "rear bumper collision",
		Claimant:    "0xabc",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, claim.ID)
	assert.Equal(t, model.ClaimStatusSubmitted, claim.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetClaim_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, amount, description, claimant, status, outcome, created_at, updated_at FROM claims WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetClaim(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BeginEvaluation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE claims SET status = 'evaluating'`).
		WithArgs(pgxmock.AnyArg(), "clm-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	assert.NoError(t, s.BeginEvaluation(context.Background(), "clm-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BeginEvaluation_InProgress(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE claims SET status = 'evaluating'`).
		WithArgs(pgxmock.AnyArg(), "clm-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT status FROM claims WHERE id = \$1`).
		WithArgs("clm-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("evaluating"))

	err := s.BeginEvaluation(context.Background(), "clm-1")
	assert.ErrorIs(t, err, ErrEvaluationInProgress)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BeginEvaluation_Terminal(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE claims SET status = 'evaluating'`).
		WithArgs(pgxmock.AnyArg(), "clm-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT status FROM claims WHERE id = \$1`).
		WithArgs("clm-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("settled"))

	err := s.BeginEvaluation(context.Background(), "clm-1")
	assert.ErrorIs(t, err, ErrNotReEvaluable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AbortEvaluation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE claims SET status = 'needs_review'.*WHERE id = \$2 AND status = 'evaluating'`).
		WithArgs(pgxmock.AnyArg(), "clm-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	assert.NoError(t, s.AbortEvaluation(context.Background(), "clm-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status = \$1, result = \$2, finished_at = \$3 WHERE id = \$4`).
		WithArgs("complete", pgxmock.AnyArg(), pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.CompleteRun(context.Background(), "run-1", &model.EvaluationResult{
		RunID:    "run-1",
		Decision: model.DecisionNeedsReview,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendToolResults_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"tool_results"},
		[]string{"id", "run_id", "tool", "evidence_id", "output", "status", "error", "cost", "ts"}).
		WillReturnResult(2)

	results := []model.ToolResult{
		{RunID: "run-1", Tool: "validate_claim_data", Status: model.ToolStatusOK, Timestamp: time.Now().UTC()},
		{RunID: "run-1", Tool: "verify_fraud", Status: model.ToolStatusFailed, Cost: 0.25, Timestamp: time.Now().UTC()},
	}
	assert.NoError(t, s.AppendToolResults(context.Background(), results))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, claim_id, status, result, error, started_at, finished_at FROM runs WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
