package engine

import (
	"context"
	"errors"

	"github.com/claimpilot/claimpilot/internal/agent"
	"github.com/claimpilot/claimpilot/internal/payment"
	"github.com/claimpilot/claimpilot/internal/resilience"
	"github.com/claimpilot/claimpilot/internal/settlement"
	"github.com/claimpilot/claimpilot/internal/store"
)

// Code classifies a failure for operators and API clients. Codes appear in
// review reasons, run records, and HTTP error payloads.
type Code string

const (
	CodeToolCallFailed        Code = "TOOL_CALL_FAILED"
	CodePaymentFailed         Code = "PAYMENT_FAILED"
	CodeAgentUnavailable      Code = "AGENT_UNAVAILABLE"
	CodeOutputUnparseable     Code = "OUTPUT_UNPARSEABLE"
	CodeSettlementFailed      Code = "SETTLEMENT_FAILED"
	CodeConcurrentRunRejected Code = "CONCURRENT_RUN_REJECTED"
)

// Classify maps an error to its taxonomy code. Unknown errors from the
// reasoning path read as the backend being unavailable; anything else is a
// tool-level failure.
func Classify(err error) Code {
	switch {
	case errors.Is(err, store.ErrEvaluationInProgress):
		return CodeConcurrentRunRejected
	case errors.Is(err, agent.ErrUnparseable):
		return CodeOutputUnparseable
	case errors.Is(err, payment.ErrPaymentFailed), errors.Is(err, payment.ErrFeeTooHigh):
		return CodePaymentFailed
	case errors.Is(err, settlement.ErrInsufficientEscrow),
		errors.Is(err, settlement.ErrAlreadySettled),
		errors.Is(err, settlement.ErrInvalidRecipient):
		return CodeSettlementFailed
	case errors.Is(err, agent.ErrIterationsExhausted),
		errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		resilience.IsTransient(err):
		return CodeAgentUnavailable
	default:
		return CodeToolCallFailed
	}
}
