// Package settlement calls the on-chain escrow gateway to pay out an
// auto-approved claim. The gateway call is idempotent per claim.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Typed gateway failures. Settlement failure never revokes an approval;
// the engine records the reason and leaves the settlement reference unset.
var (
	ErrInsufficientEscrow = errors.New("insufficient escrow balance")
	ErrAlreadySettled     = errors.New("claim already settled")
	ErrInvalidRecipient   = errors.New("invalid recipient address")
)

// Request asks the gateway to release escrow funds for one claim.
type Request struct {
	ClaimID   string  `json:"claim_id"`
	Amount    float64 `json:"amount"`
	Recipient string  `json:"recipient"`
}

// Result is a successful settlement.
type Result struct {
	TxRef string `json:"tx_ref"`
}

// Client is the escrow gateway client.
type Client interface {
	ApproveClaim(ctx context.Context, req Request) (*Result, error)
}

// HTTPClient implements Client against the gateway's HTTP API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates a gateway client.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ApproveClaim releases funds to the claimant. The claim ID doubles as the
// idempotency key: the gateway returns the original transaction reference
// for a repeated approval rather than paying twice.
func (c *HTTPClient) ApproveClaim(ctx context.Context, req Request) (*Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "settlement: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/escrow/approve", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "settlement: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.ClaimID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "settlement: gateway request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "settlement: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, decodeFailure(resp.StatusCode, body)
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "settlement: decode response")
	}
	if result.TxRef == "" {
		return nil, eris.New("settlement: gateway returned empty tx ref")
	}

	zap.L().Info("settlement: claim approved on chain",
		zap.String("claim_id", req.ClaimID),
		zap.Float64("amount", req.Amount),
		zap.String("tx_ref", result.TxRef),
	)
	return &result, nil
}

func decodeFailure(status int, body []byte) error {
	var ge gatewayError
	if err := json.Unmarshal(body, &ge); err == nil {
		switch ge.Code {
		case "insufficient_escrow":
			return eris.Wrap(ErrInsufficientEscrow, ge.Message)
		case "already_settled":
			return eris.Wrap(ErrAlreadySettled, ge.Message)
		case "invalid_recipient":
			return eris.Wrap(ErrInvalidRecipient, ge.Message)
		}
	}
	return eris.Errorf("settlement: gateway returned %d: %s", status, string(body))
}
