// Package payment implements the micropayment protocol in front of the
// verification service: detect a payment-required challenge, obtain a
// receipt from the facilitator, retry the gated call exactly once.
package payment

import (
	"errors"
	"fmt"
)

// Required describes a payment-required challenge returned by a gated
// service: how much to pay, in what currency, and the opaque session the
// payment must reference.
type Required struct {
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	SessionID string  `json:"session_id"`
	PayTo     string  `json:"pay_to"`
}

// RequiredError carries a challenge out of the transport layer. Gated call
// functions return it when the service responds 402.
type RequiredError struct {
	Required
}

func (e *RequiredError) Error() string {
	return fmt.Sprintf("payment required: %.4f %s (session %s)", e.Amount, e.Currency, e.SessionID)
}

// AsRequired extracts a RequiredError from an error chain.
func AsRequired(err error) (*RequiredError, bool) {
	var re *RequiredError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// ErrPaymentFailed is returned when a gated call could not be completed
// after the single paid retry. The caller records it as a failed verify;
// it never aborts the evaluation run.
var ErrPaymentFailed = errors.New("payment failed")

// ErrFeeTooHigh is returned when the challenge asks for more than the
// configured per-call cap. No payment is attempted.
var ErrFeeTooHigh = errors.New("requested fee exceeds cap")
