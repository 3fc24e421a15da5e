package payment

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// GatedFunc performs one attempt of a payment-gated request. The receipt is
// empty on the first (unpaid) attempt. Implementations return a
// *RequiredError when the service answers with a payment challenge.
type GatedFunc func(ctx context.Context, receipt string) ([]byte, error)

// Client drives the two-state protocol for payment-gated calls:
// unpaid attempt → paid retry. The retry happens at most once, enforced
// structurally rather than by convention.
type Client struct {
	provider Provider
	receipts *gocache.Cache
	group    singleflight.Group
	maxFee   float64
	wallet   string
}

// Option configures a Client.
type Option func(*Client)

// WithMaxFee caps the fee the client will agree to pay per call.
func WithMaxFee(usd float64) Option {
	return func(c *Client) { c.maxFee = usd }
}

// CallOption configures a single gated call.
type CallOption func(*callOptions)

type callOptions struct {
	feeCap float64
}

// FeeCap bounds the fee for one call below the client-wide maximum, for
// callers that know what the service should be charging. Zero means no
// per-call cap.
func FeeCap(usd float64) CallOption {
	return func(o *callOptions) { o.feeCap = usd }
}

// NewClient creates a payment-gated call client. Receipts are cached per
// payment session for receiptTTL so a repeated call for the same session
// reuses the receipt instead of paying twice.
func NewClient(provider Provider, wallet string, receiptTTL time.Duration, opts ...Option) *Client {
	c := &Client{
		provider: provider,
		receipts: gocache.New(receiptTTL, receiptTTL),
		wallet:   wallet,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call executes fn through the payment protocol. It returns the response
// body and the fee consumed (zero when the call never got past the unpaid
// attempt without a challenge, or when no payment was made).
//
// Protocol: (1) attempt without a receipt; (2) on a payment challenge,
// obtain a receipt for exactly the requested amount and session; (3) retry
// once with the receipt attached; (4) a second failure surfaces as
// ErrPaymentFailed. Once a receipt is consumed the fee counts toward the
// claim's processing cost even if the retry fails.
func (c *Client) Call(ctx context.Context, fn GatedFunc, opts ...CallOption) ([]byte, float64, error) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}

	body, err := fn(ctx, "")
	if err == nil {
		return body, 0, nil
	}

	challenge, ok := AsRequired(err)
	if !ok {
		return nil, 0, err
	}

	if limit := c.feeLimit(co); limit > 0 && challenge.Amount > limit {
		zap.L().Warn("payment: challenge exceeds fee cap",
			zap.Float64("requested", challenge.Amount),
			zap.Float64("cap", limit),
			zap.String("session", challenge.SessionID),
		)
		return nil, 0, eris.Wrapf(ErrFeeTooHigh, "requested %.4f %s", challenge.Amount, challenge.Currency)
	}

	receipt, err := c.receiptFor(ctx, challenge.Required)
	if err != nil {
		return nil, 0, eris.Wrap(errJoin(ErrPaymentFailed, err), "payment: obtain receipt")
	}

	// The receipt is consumed on the retry: count the fee regardless of
	// the retry's outcome.
	body, err = fn(ctx, receipt)
	if err != nil {
		zap.L().Warn("payment: paid retry failed",
			zap.String("session", challenge.SessionID),
			zap.Error(err),
		)
		return nil, challenge.Amount, eris.Wrap(errJoin(ErrPaymentFailed, err), "payment: paid retry")
	}

	zap.L().Debug("payment: gated call settled",
		zap.String("session", challenge.SessionID),
		zap.Float64("fee", challenge.Amount),
		zap.String("currency", challenge.Currency),
	)
	return body, challenge.Amount, nil
}

// feeLimit is the tightest applicable cap: the per-call one when set and
// below the client-wide maximum.
func (c *Client) feeLimit(co callOptions) float64 {
	limit := c.maxFee
	if co.feeCap > 0 && (limit == 0 || co.feeCap < limit) {
		limit = co.feeCap
	}
	return limit
}

// receiptFor returns the receipt for a payment session, issuing one through
// the provider only on first use. Concurrent requests for the same session
// share a single issuance.
func (c *Client) receiptFor(ctx context.Context, req Required) (string, error) {
	if cached, found := c.receipts.Get(req.SessionID); found {
		return cached.(string), nil
	}

	v, err, _ := c.group.Do(req.SessionID, func() (any, error) {
		// Double-check under the flight: another caller may have stored it.
		if cached, found := c.receipts.Get(req.SessionID); found {
			return cached.(string), nil
		}
		receipt, err := c.provider.IssueReceipt(ctx, ReceiptRequest{
			SessionID: req.SessionID,
			Amount:    req.Amount,
			Currency:  req.Currency,
			PayTo:     req.PayTo,
			Wallet:    c.wallet,
		})
		if err != nil {
			return "", err
		}
		c.receipts.SetDefault(req.SessionID, receipt)
		return receipt, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// errJoin keeps the sentinel visible through errors.Is while preserving the
// underlying cause.
func errJoin(sentinel, cause error) error {
	return fmt.Errorf("%w: %w", sentinel, cause)
}
