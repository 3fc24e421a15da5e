package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/claimpilot/claimpilot/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS claims (
	id          TEXT PRIMARY KEY,
	amount      REAL NOT NULL,
	description TEXT NOT NULL,
	claimant    TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'submitted',
	outcome     TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS evidence (
	id         TEXT PRIMARY KEY,
	claim_id   TEXT NOT NULL REFERENCES claims(id),
	kind       TEXT NOT NULL,
	locator    TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'uploaded',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	claim_id    TEXT NOT NULL REFERENCES claims(id),
	status      TEXT NOT NULL DEFAULT 'running',
	result      TEXT,
	error       TEXT,
	started_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS tool_results (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	tool        TEXT NOT NULL,
	evidence_id TEXT,
	output      TEXT,
	status      TEXT NOT NULL,
	error       TEXT,
	cost        REAL NOT NULL DEFAULT 0,
	ts          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_claims_status ON claims(status);
CREATE INDEX IF NOT EXISTS idx_evidence_claim_id ON evidence(claim_id);
CREATE INDEX IF NOT EXISTS idx_runs_claim_id ON runs(claim_id);
CREATE INDEX IF NOT EXISTS idx_tool_results_run_id ON tool_results(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// claimOutcome bundles the post-evaluation claim fields stored as one JSON
// column, so adding a field never needs a schema migration.
type claimOutcome struct {
	Decision            *model.Decision `json:"decision,omitempty"`
	Confidence          *float64        `json:"confidence,omitempty"`
	ApprovedAmount      *float64        `json:"approved_amount,omitempty"`
	ProcessingCosts     float64         `json:"processing_costs"`
	SettlementRef       string          `json:"settlement_ref,omitempty"`
	ReviewReasons       []string        `json:"review_reasons,omitempty"`
	Contradictions      []string        `json:"contradictions,omitempty"`
	RequestedData       []string        `json:"requested_data,omitempty"`
	HumanReviewRequired bool            `json:"human_review_required"`
}

func outcomeOf(c *model.Claim) claimOutcome {
	return claimOutcome{
		Decision:            c.Decision,
		Confidence:          c.Confidence,
		ApprovedAmount:      c.ApprovedAmount,
		ProcessingCosts:     c.ProcessingCosts,
		SettlementRef:       c.SettlementRef,
		ReviewReasons:       c.ReviewReasons,
		Contradictions:      c.Contradictions,
		RequestedData:       c.RequestedData,
		HumanReviewRequired: c.HumanReviewRequired,
	}
}

func applyOutcome(c *model.Claim, o claimOutcome) {
	c.Decision = o.Decision
	c.Confidence = o.Confidence
	c.ApprovedAmount = o.ApprovedAmount
	c.ProcessingCosts = o.ProcessingCosts
	c.SettlementRef = o.SettlementRef
	c.ReviewReasons = o.ReviewReasons
	c.Contradictions = o.Contradictions
	c.RequestedData = o.RequestedData
	c.HumanReviewRequired = o.HumanReviewRequired
}

func (s *SQLiteStore) CreateClaim(ctx context.Context, claim model.Claim) (*model.Claim, error) {
	if claim.ID == "" {
		claim.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	claim.Status = model.ClaimStatusSubmitted
	claim.CreatedAt = now
	claim.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO claims (id, amount, description, claimant, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		claim.ID, claim.Amount, claim.Description, claim.Claimant, string(claim.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert claim")
	}
	return &claim, nil
}

func (s *SQLiteStore) GetClaim(ctx context.Context, claimID string) (*model.Claim, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, amount, description, claimant, status, outcome, created_at, updated_at FROM claims WHERE id = ?`,
		claimID,
	)
	return scanClaim(row)
}

func (s *SQLiteStore) ListClaims(ctx context.Context, filter ClaimFilter) ([]model.Claim, error) {
	query := `SELECT id, amount, description, claimant, status, outcome, created_at, updated_at FROM claims WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list claims")
	}
	defer rows.Close()

	var claims []model.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, *c)
	}
	return claims, eris.Wrap(rows.Err(), "sqlite: list claims iterate")
}

func (s *SQLiteStore) UpdateClaimOutcome(ctx context.Context, claim *model.Claim) error {
	outcomeJSON, err := json.Marshal(outcomeOf(claim))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal claim outcome")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE claims SET status = ?, outcome = ?, updated_at = ? WHERE id = ?`,
		string(claim.Status), string(outcomeJSON), time.Now().UTC(), claim.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update claim outcome %s", claim.ID)
	}
	return checkRowsAffected(res, "claim", claim.ID)
}

func (s *SQLiteStore) BeginEvaluation(ctx context.Context, claimID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE claims SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?, ?)`,
		string(model.ClaimStatusEvaluating), time.Now().UTC(), claimID,
		string(model.ClaimStatusSubmitted), string(model.ClaimStatusNeedsReview), string(model.ClaimStatusAwaitingData),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: begin evaluation %s", claimID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}

	// The guarded update missed. Distinguish why.
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM claims WHERE id = ?`, claimID).Scan(&status)
	if err == sql.ErrNoRows {
		return eris.Wrapf(ErrNotFound, "claim %s", claimID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: check claim status %s", claimID)
	}
	if model.ClaimStatus(status) == model.ClaimStatusEvaluating {
		return eris.Wrapf(ErrEvaluationInProgress, "claim %s", claimID)
	}
	return eris.Wrapf(ErrNotReEvaluable, "claim %s is %s", claimID, status)
}

func (s *SQLiteStore) AbortEvaluation(ctx context.Context, claimID string) error {
	// The guard makes the release idempotent: a claim whose outcome was
	// already written is not touched.
	_, err := s.db.ExecContext(ctx,
		`UPDATE claims SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.ClaimStatusNeedsReview), time.Now().UTC(), claimID,
		string(model.ClaimStatusEvaluating),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: abort evaluation %s", claimID)
	}
	return nil
}

func (s *SQLiteStore) AddEvidence(ctx context.Context, ev model.Evidence) (*model.Evidence, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.Status = model.EvidenceStatusUploaded
	ev.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evidence (id, claim_id, kind, locator, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ClaimID, string(ev.Kind), ev.Locator, string(ev.Status), ev.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert evidence for claim %s", ev.ClaimID)
	}
	return &ev, nil
}

func (s *SQLiteStore) ListEvidence(ctx context.Context, claimID string) ([]model.Evidence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, claim_id, kind, locator, status, created_at FROM evidence WHERE claim_id = ? ORDER BY created_at`,
		claimID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list evidence")
	}
	defer rows.Close()

	var items []model.Evidence
	for rows.Next() {
		var ev model.Evidence
		if err := rows.Scan(&ev.ID, &ev.ClaimID, &ev.Kind, &ev.Locator, &ev.Status, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan evidence")
		}
		items = append(items, ev)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list evidence iterate")
}

func (s *SQLiteStore) MarkEvidenceProcessed(ctx context.Context, evidenceID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE evidence SET status = ? WHERE id = ?`,
		string(model.EvidenceStatusProcessed), evidenceID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark evidence processed %s", evidenceID)
	}
	return checkRowsAffected(res, "evidence", evidenceID)
}

func (s *SQLiteStore) CreateRun(ctx context.Context, claimID string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, claim_id, status, started_at) VALUES (?, ?, ?, ?)`,
		id, claimID, string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert run for claim %s", claimID)
	}

	return &model.Run{
		ID:        id,
		ClaimID:   claimID,
		Status:    model.RunStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, result *model.EvaluationResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, result = ?, finished_at = ? WHERE id = ?`,
		string(model.RunStatusComplete), string(resultJSON), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, cause string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(model.RunStatusFailed), cause, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, claim_id, status, result, error, started_at, finished_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, claimID string) ([]model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, claim_id, status, result, error, started_at, finished_at FROM runs WHERE claim_id = ? ORDER BY started_at DESC`,
		claimID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) AppendToolResults(ctx context.Context, results []model.ToolResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	for _, r := range results {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tool_results (id, run_id, tool, evidence_id, output, status, error, cost, ts) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.RunID, r.Tool, r.EvidenceID, string(r.Output), string(r.Status), r.Error, r.Cost, r.Timestamp,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert tool result for run %s", r.RunID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tool results")
}

func (s *SQLiteStore) ListToolResults(ctx context.Context, runID string) ([]model.ToolResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, tool, evidence_id, output, status, error, cost, ts FROM tool_results WHERE run_id = ? ORDER BY ts, id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tool results")
	}
	defer rows.Close()

	var results []model.ToolResult
	for rows.Next() {
		var r model.ToolResult
		var evidenceID, output, errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.RunID, &r.Tool, &evidenceID, &output, &r.Status, &errMsg, &r.Cost, &r.Timestamp); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tool result")
		}
		r.EvidenceID = evidenceID.String
		r.Error = errMsg.String
		if output.Valid && output.String != "" {
			r.Output = json.RawMessage(output.String)
		}
		results = append(results, r)
	}
	return results, eris.Wrap(rows.Err(), "sqlite: list tool results iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanClaim(row scannable) (*model.Claim, error) {
	var c model.Claim
	var outcomeJSON sql.NullString

	err := row.Scan(&c.ID, &c.Amount, &c.Description, &c.Claimant, &c.Status, &outcomeJSON, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "claim")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan claim")
	}

	if outcomeJSON.Valid && outcomeJSON.String != "" {
		var o claimOutcome
		if err := json.Unmarshal([]byte(outcomeJSON.String), &o); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal claim outcome")
		}
		applyOutcome(&c, o)
	}
	return &c, nil
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var resultJSON, errMsg sql.NullString
	var finishedAt sql.NullTime

	err := row.Scan(&r.ID, &r.ClaimID, &r.Status, &resultJSON, &errMsg, &r.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	r.Error = errMsg.String
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	if resultJSON.Valid && resultJSON.String != "" {
		r.Result = &model.EvaluationResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), r.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run result")
		}
	}
	return &r, nil
}
