package tools

import (
	"context"
	"encoding/json"
	"math"

	"github.com/rotisserie/eris"
)

// CostEstimate is the output of estimate_repair_cost.
type CostEstimate struct {
	EstimatedCost float64 `json:"estimated_cost"`
	Low           float64 `json:"low"`
	High          float64 `json:"high"`
	Severity      string  `json:"severity"`
	Basis         string  `json:"basis"`
}

// CrossCheck is the output of cross_check_amounts.
type CrossCheck struct {
	Match      bool               `json:"match"`
	MaxDiffPct float64            `json:"max_diff_pct"`
	Compared   []AmountComparison `json:"compared"`
}

// AmountComparison is one amount checked against the claimed amount.
type AmountComparison struct {
	Label   string  `json:"label"`
	Amount  float64 `json:"amount"`
	DiffPct float64 `json:"diff_pct"`
}

// severityBase is the schedule-derived base repair cost per severity band.
var severityBase = map[string]float64{
	"minor":    500,
	"moderate": 2500,
	"severe":   8000,
	"total":    20000,
}

const perPartCost = 350

type estimateArgs struct {
	Severity      string   `json:"severity"`
	AffectedParts []string `json:"affected_parts"`
}

// estimateRepairTool is a pure function of the damage assessment: same
// inputs, same estimate. When the agent omits arguments, the latest image
// extraction in the result log fills them in.
func estimateRepairTool() Tool {
	return Tool{
		Name:        ToolEstimateRepair,
		Layer:       LayerEstimate,
		Description: "Compute a deterministic repair cost estimate from damage severity and affected parts.",
		InputSchema: map[string]any{
			"severity": map[string]any{
				"type":        "string",
				"enum":        []string{"minor", "moderate", "severe", "total"},
				"description": "Damage severity band; defaults to the latest image assessment",
			},
			"affected_parts": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Affected parts; defaults to the latest image assessment",
			},
		},
		Handler: func(_ context.Context, rc *RunContext, args json.RawMessage) (any, float64, error) {
			var in estimateArgs
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, 0, eris.Wrap(err, "decode arguments")
				}
			}
			if in.Severity == "" {
				var damage DamageAssessment
				if r, ok := rc.Results.Latest(ToolExtractImage); ok && r.Decode(&damage) {
					in.Severity = damage.Severity
					if in.AffectedParts == nil {
						in.AffectedParts = damage.AffectedParts
					}
				}
			}

			base, ok := severityBase[in.Severity]
			if !ok {
				return nil, 0, eris.Errorf("unknown severity %q, expected minor, moderate, severe, or total", in.Severity)
			}
			estimate := base + perPartCost*float64(len(in.AffectedParts))
			return CostEstimate{
				EstimatedCost: estimate,
				Low:           round2(estimate * 0.8),
				High:          round2(estimate * 1.3),
				Severity:      in.Severity,
				Basis:         "severity schedule plus per-part labor",
			}, 0, nil
		},
	}
}

type crossCheckArgs struct {
	ClaimedAmount *float64 `json:"claimed_amount"`
	DocumentTotal *float64 `json:"document_total"`
	EstimatedCost *float64 `json:"estimated_cost"`
}

// crossCheckTool compares the claimed amount against the documented total
// and the repair estimate. It is pure arithmetic over prior layer outputs.
func crossCheckTool(deps Deps) Tool {
	return Tool{
		Name:        ToolCrossCheck,
		Layer:       LayerEstimate,
		Description: "Cross-check the claimed amount against the documented total and the repair estimate.",
		InputSchema: map[string]any{
			"claimed_amount": numberProp("Claimed amount; defaults to the claim record"),
			"document_total": numberProp("Documented total; defaults to the latest document extraction"),
			"estimated_cost": numberProp("Repair estimate; defaults to the latest estimate"),
		},
		Handler: func(_ context.Context, rc *RunContext, args json.RawMessage) (any, float64, error) {
			var in crossCheckArgs
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, 0, eris.Wrap(err, "decode arguments")
				}
			}

			claimed := rc.Claim.Amount
			if in.ClaimedAmount != nil {
				claimed = *in.ClaimedAmount
			}
			if claimed <= 0 {
				return nil, 0, eris.New("claimed amount must be positive")
			}

			if in.DocumentTotal == nil {
				var doc DocumentExtraction
				if r, ok := rc.Results.Latest(ToolExtractDocument); ok && r.Decode(&doc) && doc.TotalAmount > 0 {
					in.DocumentTotal = &doc.TotalAmount
				}
			}
			if in.EstimatedCost == nil {
				var est CostEstimate
				if r, ok := rc.Results.Latest(ToolEstimateRepair); ok && r.Decode(&est) {
					in.EstimatedCost = &est.EstimatedCost
				}
			}
			if in.DocumentTotal == nil && in.EstimatedCost == nil {
				return nil, 0, eris.New("nothing to cross-check: run extraction or estimation first")
			}

			check := CrossCheck{Match: true}
			compare := func(label string, amount *float64) {
				if amount == nil {
					return
				}
				diff := diffPct(claimed, *amount)
				check.Compared = append(check.Compared, AmountComparison{Label: label, Amount: *amount, DiffPct: diff})
				if diff > check.MaxDiffPct {
					check.MaxDiffPct = diff
				}
				if diff > deps.MismatchPct {
					check.Match = false
				}
			}
			compare("document_total", in.DocumentTotal)
			compare("estimated_cost", in.EstimatedCost)
			return check, 0, nil
		},
	}
}

// diffPct is the absolute difference as a percentage of the claimed amount.
func diffPct(claimed, other float64) float64 {
	return round2(math.Abs(claimed-other) / claimed * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
