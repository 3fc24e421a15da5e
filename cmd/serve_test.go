package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimpilot/claimpilot/internal/model"
	"github.com/claimpilot/claimpilot/internal/store"
)

// apiStore is a minimal in-memory Store for router tests.
type apiStore struct {
	mu       sync.Mutex
	claims   map[string]*model.Claim
	evidence map[string][]model.Evidence
	runs     map[string][]model.Run
	trail    map[string][]model.ToolResult
}

func newAPIStore() *apiStore {
	return &apiStore{
		claims:   make(map[string]*model.Claim),
		evidence: make(map[string][]model.Evidence),
		runs:     make(map[string][]model.Run),
		trail:    make(map[string][]model.ToolResult),
	}
}

func (s *apiStore) CreateClaim(_ context.Context, claim model.Claim) (*model.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := claim
	s.claims[c.ID] = &c
	return &c, nil
}

func (s *apiStore) GetClaim(_ context.Context, claimID string) (*model.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[claimID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *apiStore) ListClaims(_ context.Context, _ store.ClaimFilter) ([]model.Claim, error) {
	return nil, nil
}

func (s *apiStore) UpdateClaimOutcome(_ context.Context, claim *model.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *claim
	s.claims[claim.ID] = &cp
	return nil
}

func (s *apiStore) BeginEvaluation(_ context.Context, _ string) error { return nil }
func (s *apiStore) AbortEvaluation(_ context.Context, _ string) error { return nil }

func (s *apiStore) AddEvidence(_ context.Context, ev model.Evidence) (*model.Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evidence[ev.ClaimID] = append(s.evidence[ev.ClaimID], ev)
	return &ev, nil
}

func (s *apiStore) ListEvidence(_ context.Context, claimID string) ([]model.Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evidence[claimID], nil
}

func (s *apiStore) MarkEvidenceProcessed(_ context.Context, _ string) error { return nil }

func (s *apiStore) CreateRun(_ context.Context, claimID string) (*model.Run, error) {
	run := model.Run{ID: "run-1", ClaimID: claimID, Status: model.RunStatusRunning, StartedAt: time.Now().UTC()}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[claimID] = append(s.runs[claimID], run)
	return &run, nil
}

func (s *apiStore) CompleteRun(_ context.Context, _ string, _ *model.EvaluationResult) error {
	return nil
}

func (s *apiStore) FailRun(_ context.Context, _ string, _ string) error { return nil }

func (s *apiStore) GetRun(_ context.Context, _ string) (*model.Run, error) {
	return nil, store.ErrNotFound
}

func (s *apiStore) ListRuns(_ context.Context, claimID string) ([]model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[claimID], nil
}

func (s *apiStore) AppendToolResults(_ context.Context, results []model.ToolResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range results {
		s.trail[r.RunID] = append(s.trail[r.RunID], r)
	}
	return nil
}

func (s *apiStore) ListToolResults(_ context.Context, runID string) ([]model.ToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trail[runID], nil
}

func (s *apiStore) Migrate(_ context.Context) error { return nil }
func (s *apiStore) Close() error                    { return nil }

type runnerFunc func(ctx context.Context, claimID string) (*model.EvaluationResult, error)

func (f runnerFunc) Run(ctx context.Context, claimID string) (*model.EvaluationResult, error) {
	return f(ctx, claimID)
}

func seedAPIClaim(t *testing.T, st *apiStore) *model.Claim {
	t.Helper()
	claim, err := st.CreateClaim(context.Background(), model.Claim{
		ID: "clm-1", Amount: 3000, Description: "rear bumper collision",
		Claimant: "0xabc", Status: model.ClaimStatusSubmitted,
	})
	require.NoError(t, err)
	return claim
}

func TestServeHealth(t *testing.T) {
	router := newRouter(newAPIStore(), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServeCreateClaim(t *testing.T) {
	st := newAPIStore()
	router := newRouter(st, nil)

	body := `{"amount": 3000, "description": "rear bumper collision", "claimant": "0xabc"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/claims", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, rec.Code)
	var claim model.Claim
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claim))
	assert.NotEmpty(t, claim.ID)
	assert.Equal(t, model.ClaimStatusSubmitted, claim.Status)

	stored, err := st.GetClaim(context.Background(), claim.ID)
	require.NoError(t, err)
	assert.InDelta(t, 3000, stored.Amount, 1e-9)
}

func TestServeCreateClaimRejectsBadInput(t *testing.T) {
	router := newRouter(newAPIStore(), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/claims",
		strings.NewReader(`{"amount": -5, "description": "x", "claimant": "0xabc"}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeAttachEvidence(t *testing.T) {
	st := newAPIStore()
	seedAPIClaim(t, st)
	router := newRouter(st, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/claims/clm-1/evidence",
		strings.NewReader(`{"kind": "document", "locator": "/data/invoice.pdf"}`)))

	require.Equal(t, http.StatusCreated, rec.Code)
	evidence, err := st.ListEvidence(context.Background(), "clm-1")
	require.NoError(t, err)
	require.Len(t, evidence, 1)
	assert.Equal(t, model.EvidenceKindDocument, evidence[0].Kind)
}

func TestServeAttachEvidenceUnknownClaim(t *testing.T) {
	router := newRouter(newAPIStore(), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/claims/nope/evidence",
		strings.NewReader(`{"kind": "document", "locator": "/data/invoice.pdf"}`)))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeEvaluate(t *testing.T) {
	st := newAPIStore()
	seedAPIClaim(t, st)
	runner := runnerFunc(func(_ context.Context, claimID string) (*model.EvaluationResult, error) {
		return &model.EvaluationResult{
			RunID: "run-1", ClaimID: claimID,
			Decision: model.DecisionNeedsReview, Confidence: 0.75, FraudRisk: 0.2,
		}, nil
	})
	router := newRouter(st, runner)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/claims/clm-1/evaluate", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var result model.EvaluationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, model.DecisionNeedsReview, result.Decision)
}

func TestServeEvaluateConcurrentConflict(t *testing.T) {
	st := newAPIStore()
	seedAPIClaim(t, st)
	runner := runnerFunc(func(_ context.Context, _ string) (*model.EvaluationResult, error) {
		return nil, store.ErrEvaluationInProgress
	})
	router := newRouter(st, runner)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/claims/clm-1/evaluate", nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "CONCURRENT_RUN_REJECTED")
}

func TestServeResults(t *testing.T) {
	st := newAPIStore()
	seedAPIClaim(t, st)
	_, err := st.CreateRun(context.Background(), "clm-1")
	require.NoError(t, err)
	require.NoError(t, st.AppendToolResults(context.Background(), []model.ToolResult{
		{ID: "r-1", RunID: "run-1", Tool: "verify_fraud", Status: model.ToolStatusOK, Cost: 0.25},
	}))
	router := newRouter(st, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/claims/clm-1/results", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var out []struct {
		Run         model.Run          `json:"run"`
		ToolResults []model.ToolResult `json:"tool_results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "run-1", out[0].Run.ID)
	require.Len(t, out[0].ToolResults, 1)
	assert.Equal(t, "verify_fraud", out[0].ToolResults[0].Tool)
}

func TestServeGetClaim(t *testing.T) {
	st := newAPIStore()
	seedAPIClaim(t, st)
	router := newRouter(st, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/claims/clm-1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rear bumper collision")
}
