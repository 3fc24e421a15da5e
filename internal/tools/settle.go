package tools

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/claimpilot/claimpilot/internal/settlement"
)

// ApprovalReceipt is the output of approve_claim.
type ApprovalReceipt struct {
	TxRef     string  `json:"tx_ref"`
	Amount    float64 `json:"amount"`
	Recipient string  `json:"recipient"`
}

type approveArgs struct {
	Amount float64 `json:"amount"`
}

// approveClaimTool releases escrow funds to the claimant. It is registered
// so the invocation lands in the result log like any other tool, but it is
// excluded from the agent's tool schemas: only the decision enforcer's
// auto-approval branch triggers it.
func approveClaimTool(deps Deps) Tool {
	return Tool{
		Name:        ToolApproveClaim,
		Layer:       LayerSettle,
		Description: "Release escrow funds to the claimant for an approved claim.",
		InputSchema: map[string]any{
			"amount": numberProp("Approved amount to release"),
		},
		Required: []string{"amount"},
		Handler: func(ctx context.Context, rc *RunContext, args json.RawMessage) (any, float64, error) {
			var in approveArgs
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, 0, eris.Wrap(err, "decode arguments")
			}
			if in.Amount <= 0 {
				return nil, 0, eris.Errorf("approved amount %.2f must be positive", in.Amount)
			}
			if rc.Claim.Claimant == "" {
				return nil, 0, eris.Errorf("claim %s has no claimant address", rc.Claim.ID)
			}

			result, err := deps.Settler.ApproveClaim(ctx, settlement.Request{
				ClaimID:   rc.Claim.ID,
				Amount:    in.Amount,
				Recipient: rc.Claim.Claimant,
			})
			if err != nil {
				return nil, 0, eris.Wrapf(err, "settle claim %s", rc.Claim.ID)
			}
			return ApprovalReceipt{
				TxRef:     result.TxRef,
				Amount:    in.Amount,
				Recipient: rc.Claim.Claimant,
			}, 0, nil
		},
	}
}
