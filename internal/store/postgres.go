package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/claimpilot/claimpilot/internal/db"
	"github.com/claimpilot/claimpilot/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot-path store operations.
var preparedStatements = map[string]string{
	"insert_claim":      `INSERT INTO claims (id, amount, description, claimant, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	"get_claim":         `SELECT id, amount, description, claimant, status, outcome, created_at, updated_at FROM claims WHERE id = $1`,
	"update_outcome":    `UPDATE claims SET status = $1, outcome = $2, updated_at = $3 WHERE id = $4`,
	"begin_evaluation":  `UPDATE claims SET status = 'evaluating', updated_at = $1 WHERE id = $2 AND status IN ('submitted', 'needs_review', 'awaiting_data')`,
	"insert_evidence":   `INSERT INTO evidence (id, claim_id, kind, locator, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
	"list_evidence":     `SELECT id, claim_id, kind, locator, status, created_at FROM evidence WHERE claim_id = $1 ORDER BY created_at`,
	"insert_run":        `INSERT INTO runs (id, claim_id, status, started_at) VALUES ($1, $2, $3, $4)`,
	"get_run":           `SELECT id, claim_id, status, result, error, started_at, finished_at FROM runs WHERE id = $1`,
	"list_tool_results": `SELECT id, run_id, tool, evidence_id, output, status, error, cost, ts FROM tool_results WHERE run_id = $1 ORDER BY ts, id`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool, used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS claims (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	amount      DOUBLE PRECISION NOT NULL,
	description TEXT NOT NULL,
	claimant    TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'submitted',
	outcome     JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS evidence (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	claim_id   TEXT NOT NULL REFERENCES claims(id),
	kind       TEXT NOT NULL,
	locator    TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'uploaded',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	claim_id    TEXT NOT NULL REFERENCES claims(id),
	status      TEXT NOT NULL DEFAULT 'running',
	result      JSONB,
	error       TEXT,
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS tool_results (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	tool        TEXT NOT NULL,
	evidence_id TEXT,
	output      JSONB,
	status      TEXT NOT NULL,
	error       TEXT,
	cost        DOUBLE PRECISION NOT NULL DEFAULT 0,
	ts          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_claims_status ON claims(status);
CREATE INDEX IF NOT EXISTS idx_evidence_claim_id ON evidence(claim_id);
CREATE INDEX IF NOT EXISTS idx_runs_claim_id ON runs(claim_id);
CREATE INDEX IF NOT EXISTS idx_tool_results_run_id ON tool_results(run_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateClaim(ctx context.Context, claim model.Claim) (*model.Claim, error) {
	if claim.ID == "" {
		claim.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	claim.Status = model.ClaimStatusSubmitted
	claim.CreatedAt = now
	claim.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO claims (id, amount, description, claimant, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		claim.ID, claim.Amount, claim.Description, claim.Claimant, string(claim.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert claim")
	}
	return &claim, nil
}

func (s *PostgresStore) GetClaim(ctx context.Context, claimID string) (*model.Claim, error) {
	var c model.Claim
	var outcomeJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, amount, description, claimant, status, outcome, created_at, updated_at FROM claims WHERE id = $1`,
		claimID,
	).Scan(&c.ID, &c.Amount, &c.Description, &c.Claimant, &c.Status, &outcomeJSON, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "claim %s", claimID)
		}
		return nil, eris.Wrapf(err, "postgres: get claim %s", claimID)
	}

	if len(outcomeJSON) > 0 {
		var o claimOutcome
		if err := json.Unmarshal(outcomeJSON, &o); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal claim outcome")
		}
		applyOutcome(&c, o)
	}
	return &c, nil
}

func (s *PostgresStore) ListClaims(ctx context.Context, filter ClaimFilter) ([]model.Claim, error) {
	query := `SELECT id, amount, description, claimant, status, outcome, created_at, updated_at FROM claims WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += ` AND status = $1`
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list claims")
	}
	defer rows.Close()

	var claims []model.Claim
	for rows.Next() {
		var c model.Claim
		var outcomeJSON []byte
		if err := rows.Scan(&c.ID, &c.Amount, &c.Description, &c.Claimant, &c.Status, &outcomeJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan claim")
		}
		if len(outcomeJSON) > 0 {
			var o claimOutcome
			if err := json.Unmarshal(outcomeJSON, &o); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal claim outcome")
			}
			applyOutcome(&c, o)
		}
		claims = append(claims, c)
	}
	return claims, eris.Wrap(rows.Err(), "postgres: list claims iterate")
}

func (s *PostgresStore) UpdateClaimOutcome(ctx context.Context, claim *model.Claim) error {
	outcomeJSON, err := json.Marshal(outcomeOf(claim))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal claim outcome")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE claims SET status = $1, outcome = $2, updated_at = $3 WHERE id = $4`,
		string(claim.Status), outcomeJSON, time.Now().UTC(), claim.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update claim outcome %s", claim.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "claim %s", claim.ID)
	}
	return nil
}

func (s *PostgresStore) BeginEvaluation(ctx context.Context, claimID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE claims SET status = 'evaluating', updated_at = $1 WHERE id = $2 AND status IN ('submitted', 'needs_review', 'awaiting_data')`,
		time.Now().UTC(), claimID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: begin evaluation %s", claimID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM claims WHERE id = $1`, claimID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "claim %s", claimID)
		}
		return eris.Wrapf(err, "postgres: check claim status %s", claimID)
	}
	if model.ClaimStatus(status) == model.ClaimStatusEvaluating {
		return eris.Wrapf(ErrEvaluationInProgress, "claim %s", claimID)
	}
	return eris.Wrapf(ErrNotReEvaluable, "claim %s is %s", claimID, status)
}

func (s *PostgresStore) AbortEvaluation(ctx context.Context, claimID string) error {
	// The guard makes the release idempotent: a claim whose outcome was
	// already written is not touched.
	_, err := s.pool.Exec(ctx,
		`UPDATE claims SET status = 'needs_review', updated_at = $1 WHERE id = $2 AND status = 'evaluating'`,
		time.Now().UTC(), claimID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: abort evaluation %s", claimID)
	}
	return nil
}

func (s *PostgresStore) AddEvidence(ctx context.Context, ev model.Evidence) (*model.Evidence, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.Status = model.EvidenceStatusUploaded
	ev.CreatedAt = time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO evidence (id, claim_id, kind, locator, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.ClaimID, string(ev.Kind), ev.Locator, string(ev.Status), ev.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert evidence for claim %s", ev.ClaimID)
	}
	return &ev, nil
}

func (s *PostgresStore) ListEvidence(ctx context.Context, claimID string) ([]model.Evidence, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, claim_id, kind, locator, status, created_at FROM evidence WHERE claim_id = $1 ORDER BY created_at`,
		claimID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list evidence")
	}
	defer rows.Close()

	var items []model.Evidence
	for rows.Next() {
		var ev model.Evidence
		if err := rows.Scan(&ev.ID, &ev.ClaimID, &ev.Kind, &ev.Locator, &ev.Status, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan evidence")
		}
		items = append(items, ev)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list evidence iterate")
}

func (s *PostgresStore) MarkEvidenceProcessed(ctx context.Context, evidenceID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE evidence SET status = 'processed' WHERE id = $1`,
		evidenceID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark evidence processed %s", evidenceID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "evidence %s", evidenceID)
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, claimID string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, claim_id, status, started_at) VALUES ($1, $2, $3, $4)`,
		id, claimID, string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert run for claim %s", claimID)
	}

	return &model.Run{
		ID:        id,
		ClaimID:   claimID,
		Status:    model.RunStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, result *model.EvaluationResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, result = $2, finished_at = $3 WHERE id = $4`,
		string(model.RunStatusComplete), resultJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, cause string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2, finished_at = $3 WHERE id = $4`,
		string(model.RunStatusFailed), cause, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var r model.Run
	var resultJSON []byte
	var errMsg *string
	var finishedAt *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT id, claim_id, status, result, error, started_at, finished_at FROM runs WHERE id = $1`,
		runID,
	).Scan(&r.ID, &r.ClaimID, &r.Status, &resultJSON, &errMsg, &r.StartedAt, &finishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	if errMsg != nil {
		r.Error = *errMsg
	}
	r.FinishedAt = finishedAt
	if len(resultJSON) > 0 {
		r.Result = &model.EvaluationResult{}
		if err := json.Unmarshal(resultJSON, r.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run result")
		}
	}
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, claimID string) ([]model.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, claim_id, status, result, error, started_at, finished_at FROM runs WHERE claim_id = $1 ORDER BY started_at DESC`,
		claimID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var resultJSON []byte
		var errMsg *string
		var finishedAt *time.Time
		if err := rows.Scan(&r.ID, &r.ClaimID, &r.Status, &resultJSON, &errMsg, &r.StartedAt, &finishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if errMsg != nil {
			r.Error = *errMsg
		}
		r.FinishedAt = finishedAt
		if len(resultJSON) > 0 {
			r.Result = &model.EvaluationResult{}
			if err := json.Unmarshal(resultJSON, r.Result); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal run result")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// AppendToolResults writes the whole trail in one COPY round trip.
func (s *PostgresStore) AppendToolResults(ctx context.Context, results []model.ToolResult) error {
	if len(results) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(results))
	for _, r := range results {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		var output any
		if len(r.Output) > 0 {
			output = []byte(r.Output)
		}
		rows = append(rows, []any{
			r.ID, r.RunID, r.Tool, r.EvidenceID, output,
			string(r.Status), r.Error, r.Cost, r.Timestamp,
		})
	}

	_, err := db.CopyFrom(ctx, s.pool, "tool_results",
		[]string{"id", "run_id", "tool", "evidence_id", "output", "status", "error", "cost", "ts"},
		rows,
	)
	return eris.Wrap(err, "postgres: append tool results")
}

func (s *PostgresStore) ListToolResults(ctx context.Context, runID string) ([]model.ToolResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, tool, evidence_id, output, status, error, cost, ts FROM tool_results WHERE run_id = $1 ORDER BY ts, id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tool results")
	}
	defer rows.Close()

	var results []model.ToolResult
	for rows.Next() {
		var r model.ToolResult
		var evidenceID, errMsg *string
		var output []byte
		if err := rows.Scan(&r.ID, &r.RunID, &r.Tool, &evidenceID, &output, &r.Status, &errMsg, &r.Cost, &r.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan tool result")
		}
		if evidenceID != nil {
			r.EvidenceID = *evidenceID
		}
		if errMsg != nil {
			r.Error = *errMsg
		}
		if len(output) > 0 {
			r.Output = json.RawMessage(output)
		}
		results = append(results, r)
	}
	return results, eris.Wrap(rows.Err(), "postgres: list tool results iterate")
}
