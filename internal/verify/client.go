// Package verify is the client for the external verification service. All
// three endpoints are payment-gated: the first unpaid request draws an HTTP
// 402 challenge which the payment client settles before the single retry.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/claimpilot/claimpilot/internal/payment"
	"github.com/claimpilot/claimpilot/internal/resilience"
)

// DocumentRequest asks the service to authenticate one document.
type DocumentRequest struct {
	EvidenceID string `json:"evidence_id"`
	ClaimID    string `json:"claim_id"`
	Content    string `json:"content_b64"`
	MediaType  string `json:"media_type"`
}

// DocumentResult is the service's verdict on a document.
type DocumentResult struct {
	Authentic  bool     `json:"authentic"`
	Confidence float64  `json:"confidence"`
	Issues     []string `json:"issues,omitempty"`
}

// ImageRequest asks the service to check one image for tampering.
type ImageRequest struct {
	EvidenceID string `json:"evidence_id"`
	ClaimID    string `json:"claim_id"`
	Content    string `json:"content_b64"`
	MediaType  string `json:"media_type"`
}

// ImageResult is the service's verdict on an image.
type ImageResult struct {
	Authentic         bool    `json:"authentic"`
	TamperingDetected bool    `json:"tampering_detected"`
	Confidence        float64 `json:"confidence"`
}

// FraudRequest submits claim facts for a fraud risk assessment.
type FraudRequest struct {
	ClaimID     string  `json:"claim_id"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description"`
	Claimant    string  `json:"claimant"`
}

// FraudResult is the fraud assessment.
type FraudResult struct {
	RiskScore  float64  `json:"risk_score"`
	Indicators []string `json:"indicators,omitempty"`
}

// FeeCaps bounds what each endpoint may charge per call, on top of the
// payment client's flat maximum. Zero disables the per-endpoint cap.
type FeeCaps struct {
	DocumentUSD float64
	ImageUSD    float64
	FraudUSD    float64
}

// Client calls the verification service through the payment protocol, with
// a rate limiter and a circuit breaker in front of the transport.
type Client struct {
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
	payments *payment.Client
	caps     FeeCaps
}

// Option configures a Client.
type Option func(*Client)

// WithFeeCaps sets per-endpoint fee caps, typically from the pricing
// schedule.
func WithFeeCaps(caps FeeCaps) Option {
	return func(c *Client) { c.caps = caps }
}

// NewClient creates a verification client.
func NewClient(baseURL string, timeout time.Duration, ratePerSec float64, payments *payment.Client, opts ...Option) *Client {
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	breakerCfg.ShouldTrip = resilience.IsTransient
	c := &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), 1),
		breaker:  resilience.NewCircuitBreaker(breakerCfg),
		payments: payments,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Document verifies one document. Returns the verdict and the fee consumed.
func (c *Client) Document(ctx context.Context, req DocumentRequest) (*DocumentResult, float64, error) {
	var result DocumentResult
	fee, err := c.call(ctx, "/verify/document", req, &result, c.caps.DocumentUSD)
	if err != nil {
		return nil, fee, err
	}
	return &result, fee, nil
}

// Image verifies one image. Returns the verdict and the fee consumed.
func (c *Client) Image(ctx context.Context, req ImageRequest) (*ImageResult, float64, error) {
	var result ImageResult
	fee, err := c.call(ctx, "/verify/image", req, &result, c.caps.ImageUSD)
	if err != nil {
		return nil, fee, err
	}
	return &result, fee, nil
}

// Fraud runs the fraud assessment. Returns the verdict and the fee consumed.
func (c *Client) Fraud(ctx context.Context, req FraudRequest) (*FraudResult, float64, error) {
	var result FraudResult
	fee, err := c.call(ctx, "/verify/fraud", req, &result, c.caps.FraudUSD)
	if err != nil {
		return nil, fee, err
	}
	return &result, fee, nil
}

func (c *Client) call(ctx context.Context, path string, req any, out any, feeCap float64) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, eris.Wrap(err, "verify: rate limit wait")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return 0, eris.Wrap(err, "verify: marshal request")
	}

	type paid struct {
		body []byte
		fee  float64
	}
	result, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (paid, error) {
		body, fee, err := c.payments.Call(ctx, func(ctx context.Context, receipt string) ([]byte, error) {
			return c.post(ctx, path, payload, receipt)
		}, payment.FeeCap(feeCap))
		return paid{body: body, fee: fee}, err
	})
	if err != nil {
		return result.fee, err
	}

	if err := json.Unmarshal(result.body, out); err != nil {
		return result.fee, eris.Wrapf(err, "verify: decode %s response", path)
	}
	return result.fee, nil
}

// post performs one attempt against the service. A 402 response is decoded
// into a payment challenge for the gated-call client.
func (c *Client) post(ctx context.Context, path string, payload []byte, receipt string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "verify: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if receipt != "" {
		httpReq.Header.Set("X-Payment-Receipt", receipt)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrapf(err, "verify: %s", path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "verify: read response")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusPaymentRequired:
		var required payment.Required
		if err := json.Unmarshal(body, &required); err != nil {
			return nil, eris.Wrap(err, "verify: decode payment challenge")
		}
		return nil, &payment.RequiredError{Required: required}
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(
			eris.Errorf("verify: %s returned %d", path, resp.StatusCode), resp.StatusCode)
	default:
		return nil, eris.Errorf("verify: %s returned %d: %s", path, resp.StatusCode, string(body))
	}
}
