package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/claimpilot/claimpilot/internal/model"
)

// Validation recommendations.
const (
	RecommendProceed = "PROCEED"
	RecommendReview  = "REVIEW"
	RecommendReject  = "REJECT"
)

// Validation is the output of validate_claim_data.
type Validation struct {
	Recommendation string        `json:"recommendation"`
	Anomalies      []string      `json:"anomalies,omitempty"`
	Checks         []CheckResult `json:"checks"`
}

// CheckResult is one consistency check outcome.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// rejectDiffPct is the documented-total divergence beyond which the claim
// is recommended for rejection rather than mere review.
const rejectDiffPct = 50.0

// validateClaimTool runs deterministic consistency checks over the claim
// record and the prior layer outputs in the result log. It calls no
// external service and no model.
func validateClaimTool(deps Deps) Tool {
	return Tool{
		Name:        ToolValidateClaim,
		Layer:       LayerValidate,
		Description: "Run deterministic consistency checks over the claim and all extracted data; returns PROCEED, REVIEW, or REJECT.",
		InputSchema: map[string]any{},
		Handler: func(_ context.Context, rc *RunContext, _ json.RawMessage) (any, float64, error) {
			v := Validation{Recommendation: RecommendProceed}
			reject := false

			check := func(name string, passed bool, detail string) {
				v.Checks = append(v.Checks, CheckResult{Name: name, Passed: passed, Detail: detail})
				if !passed {
					v.Anomalies = append(v.Anomalies, detail)
				}
			}

			if rc.Claim.Amount > 0 {
				check("amount_positive", true, "")
			} else {
				check("amount_positive", false, fmt.Sprintf("claimed amount %.2f is not positive", rc.Claim.Amount))
				reject = true
			}
			check("description_present", rc.Claim.Description != "", "claim has no description")
			check("claimant_present", rc.Claim.Claimant != "", "claim has no claimant address")
			check("evidence_present", len(rc.Evidence) > 0, "claim has no evidence attached")

			for _, ev := range rc.EvidenceOfKind(model.EvidenceKindDocument) {
				check("document_extracted:"+ev.ID,
					rc.Results.Invoked(ToolExtractDocument, ev.ID),
					fmt.Sprintf("document %s was never extracted", ev.ID))
			}
			for _, ev := range rc.EvidenceOfKind(model.EvidenceKindImage) {
				check("image_extracted:"+ev.ID,
					rc.Results.Invoked(ToolExtractImage, ev.ID),
					fmt.Sprintf("image %s was never assessed", ev.ID))
			}

			var doc DocumentExtraction
			if r, ok := rc.Results.Latest(ToolExtractDocument); ok && r.Decode(&doc) {
				check("document_total_present", doc.TotalAmount > 0, "extracted document carries no total amount")
				for _, d := range doc.Dates {
					if ts, err := time.Parse("2006-01-02", d); err != nil {
						check("date_parseable:"+d, false, fmt.Sprintf("document date %q is not ISO 8601", d))
					} else if ts.After(time.Now()) {
						check("date_not_future:"+d, false, fmt.Sprintf("document date %s is in the future", d))
					}
				}
				if doc.TotalAmount > 0 && rc.Claim.Amount > 0 {
					diff := diffPct(rc.Claim.Amount, doc.TotalAmount)
					if diff > rejectDiffPct {
						check("amount_vs_document", false,
							fmt.Sprintf("documented total %.2f diverges %.1f%% from claimed %.2f", doc.TotalAmount, diff, rc.Claim.Amount))
						reject = true
					} else {
						check("amount_vs_document", diff <= deps.MismatchPct,
							fmt.Sprintf("documented total %.2f diverges %.1f%% from claimed %.2f", doc.TotalAmount, diff, rc.Claim.Amount))
					}
				}
			}

			var cc CrossCheck
			if r, ok := rc.Results.Latest(ToolCrossCheck); ok && r.Decode(&cc) {
				check("cross_check_match", cc.Match,
					fmt.Sprintf("amount cross-check mismatch: max divergence %.1f%%", cc.MaxDiffPct))
			}

			switch {
			case reject:
				v.Recommendation = RecommendReject
			case len(v.Anomalies) > 0:
				v.Recommendation = RecommendReview
			}
			return v, 0, nil
		},
	}
}
