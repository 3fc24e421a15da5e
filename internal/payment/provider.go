package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/claimpilot/claimpilot/internal/resilience"
)

// ReceiptRequest asks the facilitator to settle one micropayment session.
type ReceiptRequest struct {
	SessionID string  `json:"session_id"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	PayTo     string  `json:"pay_to"`
	Wallet    string  `json:"wallet"`
}

// Provider issues payment receipts accepted by gated services on retry.
type Provider interface {
	IssueReceipt(ctx context.Context, req ReceiptRequest) (string, error)
}

// HTTPProvider is a Provider backed by a payment facilitator's HTTP API.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider creates a facilitator client.
func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type receiptResponse struct {
	Receipt string `json:"receipt"`
}

// IssueReceipt settles the payment for one session and returns the opaque
// receipt token. Transient transport failures are retried once; anything
// else surfaces immediately.
func (p *HTTPProvider) IssueReceipt(ctx context.Context, req ReceiptRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", eris.Wrap(err, "payment: marshal receipt request")
	}

	cfg := resilience.DefaultRetryConfig()
	cfg.OnRetry = resilience.RetryLogger("facilitator", "issue_receipt")

	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (string, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/receipts", bytes.NewReader(payload))
		if err != nil {
			return "", eris.Wrap(err, "payment: create receipt request")
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(httpReq)
		if err != nil {
			return "", eris.Wrap(err, "payment: facilitator request")
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return "", eris.Wrap(err, "payment: read facilitator response")
		}

		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return "", resilience.NewTransientError(
				eris.Errorf("payment: facilitator returned %d", resp.StatusCode), resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return "", eris.Errorf("payment: facilitator returned %d: %s", resp.StatusCode, string(body))
		}

		var parsed receiptResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", eris.Wrap(err, "payment: decode receipt")
		}
		if parsed.Receipt == "" {
			return "", eris.New("payment: facilitator returned empty receipt")
		}
		return parsed.Receipt, nil
	})
}
