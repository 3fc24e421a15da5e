package verify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimpilot/claimpilot/internal/payment"
)

type stubProvider struct {
	issued atomic.Int32
}

func (p *stubProvider) IssueReceipt(ctx context.Context, req payment.ReceiptRequest) (string, error) {
	p.issued.Add(1)
	return "rcpt-" + req.SessionID, nil
}

// gatedServer simulates the verification service: 402 on the first unpaid
// request for a session, real result once the receipt arrives.
func gatedServer(t *testing.T, fee float64, result any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Payment-Receipt") == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(payment.Required{
				Amount:    fee,
				Currency:  "USD",
				SessionID: "sess-" + r.URL.Path,
				PayTo:     "0xservice",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(result)
	}))
}

func newTestClient(ts *httptest.Server, provider payment.Provider) *Client {
	payments := payment.NewClient(provider, "0xinsurer", time.Minute)
	return NewClient(ts.URL, 5*time.Second, 100, payments)
}

func TestFraud_PaysAndDecodes(t *testing.T) {
	ts := gatedServer(t, 0.25, FraudResult{RiskScore: 0.05, Indicators: nil})
	defer ts.Close()
	provider := &stubProvider{}

	client := newTestClient(ts, provider)
	result, fee, err := client.Fraud(context.Background(), FraudRequest{
		ClaimID: "claim-1", Amount: 1000, Description: "water damage",
	})

	require.NoError(t, err)
	assert.InDelta(t, 0.05, result.RiskScore, 1e-9)
	assert.InDelta(t, 0.25, fee, 1e-9)
	assert.Equal(t, int32(1), provider.issued.Load())
}

func TestDocument_PaysAndDecodes(t *testing.T) {
	ts := gatedServer(t, 0.10, DocumentResult{Authentic: true, Confidence: 0.97})
	defer ts.Close()

	client := newTestClient(ts, &stubProvider{})
	result, fee, err := client.Document(context.Background(), DocumentRequest{
		EvidenceID: "ev-1", ClaimID: "claim-1",
	})

	require.NoError(t, err)
	assert.True(t, result.Authentic)
	assert.InDelta(t, 0.10, fee, 1e-9)
}

func TestImage_TamperingVerdict(t *testing.T) {
	ts := gatedServer(t, 0.15, ImageResult{Authentic: false, TamperingDetected: true, Confidence: 0.88})
	defer ts.Close()

	client := newTestClient(ts, &stubProvider{})
	result, _, err := client.Image(context.Background(), ImageRequest{EvidenceID: "ev-2"})

	require.NoError(t, err)
	assert.True(t, result.TamperingDetected)
	assert.False(t, result.Authentic)
}

func TestFraud_OverchargeRefusedByFeeCap(t *testing.T) {
	// The service asks ten times the scheduled rate.
	ts := gatedServer(t, 2.50, FraudResult{RiskScore: 0.05})
	defer ts.Close()
	provider := &stubProvider{}

	payments := payment.NewClient(provider, "0xinsurer", time.Minute)
	client := NewClient(ts.URL, 5*time.Second, 100, payments,
		WithFeeCaps(FeeCaps{FraudUSD: 0.25}))

	_, fee, err := client.Fraud(context.Background(), FraudRequest{ClaimID: "claim-1"})

	assert.ErrorIs(t, err, payment.ErrFeeTooHigh)
	assert.Zero(t, fee)
	assert.Zero(t, provider.issued.Load(), "no receipt for an overpriced challenge")
}

func TestDocument_FeeCapAllowsScheduledRate(t *testing.T) {
	ts := gatedServer(t, 0.10, DocumentResult{Authentic: true})
	defer ts.Close()

	payments := payment.NewClient(&stubProvider{}, "0xinsurer", time.Minute)
	client := NewClient(ts.URL, 5*time.Second, 100, payments,
		WithFeeCaps(FeeCaps{DocumentUSD: 0.10}))

	result, fee, err := client.Document(context.Background(), DocumentRequest{EvidenceID: "ev-1"})

	require.NoError(t, err)
	assert.True(t, result.Authentic)
	assert.InDelta(t, 0.10, fee, 1e-9)
}

func TestCall_PaymentFailedSurfaces(t *testing.T) {
	// Service rejects even the paid retry.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(payment.Required{Amount: 0.10, Currency: "USD", SessionID: "s"})
	}))
	defer ts.Close()

	client := newTestClient(ts, &stubProvider{})
	_, fee, err := client.Fraud(context.Background(), FraudRequest{ClaimID: "claim-1"})

	assert.ErrorIs(t, err, payment.ErrPaymentFailed)
	// Receipt was consumed on the retry.
	assert.InDelta(t, 0.10, fee, 1e-9)
}

func TestCall_ServerErrorIsNotChallenge(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	client := newTestClient(ts, &stubProvider{})
	_, _, err := client.Fraud(context.Background(), FraudRequest{ClaimID: "claim-1"})

	assert.Error(t, err)
	assert.NotErrorIs(t, err, payment.ErrPaymentFailed)
}
