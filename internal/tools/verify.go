package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"

	"github.com/claimpilot/claimpilot/internal/model"
	"github.com/claimpilot/claimpilot/internal/verify"
)

// The verify tools call the external verification service. Every call
// costs a micropayment; fees consumed on failed calls are still reported
// so the run's cost accounting stays honest.

func verifyDocumentTool(deps Deps) Tool {
	return Tool{
		Name:        ToolVerifyDocument,
		Layer:       LayerVerify,
		Description: "Verify a claim document's authenticity with the external verification service. Costs a fee per call.",
		InputSchema: map[string]any{
			"evidence_id": stringProp("ID of the document evidence item to verify"),
		},
		Required: []string{"evidence_id"},
		Handler: func(ctx context.Context, rc *RunContext, args json.RawMessage) (any, float64, error) {
			ev, content, err := loadEvidence(rc, args, model.EvidenceKindDocument)
			if err != nil {
				return nil, 0, err
			}
			result, fee, err := deps.Verifier.Document(ctx, verify.DocumentRequest{
				EvidenceID: ev.ID,
				ClaimID:    rc.Claim.ID,
				Content:    base64.StdEncoding.EncodeToString(content),
				MediaType:  "application/octet-stream",
			})
			if err != nil {
				return nil, fee, eris.Wrapf(err, "verify document %s", ev.ID)
			}
			return result, fee, nil
		},
	}
}

func verifyImageTool(deps Deps) Tool {
	return Tool{
		Name:        ToolVerifyImage,
		Layer:       LayerVerify,
		Description: "Check a claim photo for tampering with the external verification service. Costs a fee per call.",
		InputSchema: map[string]any{
			"evidence_id": stringProp("ID of the image evidence item to verify"),
		},
		Required: []string{"evidence_id"},
		Handler: func(ctx context.Context, rc *RunContext, args json.RawMessage) (any, float64, error) {
			ev, content, err := loadEvidence(rc, args, model.EvidenceKindImage)
			if err != nil {
				return nil, 0, err
			}
			result, fee, err := deps.Verifier.Image(ctx, verify.ImageRequest{
				EvidenceID: ev.ID,
				ClaimID:    rc.Claim.ID,
				Content:    base64.StdEncoding.EncodeToString(content),
				MediaType:  MediaTypeFor(ev.Locator),
			})
			if err != nil {
				return nil, fee, eris.Wrapf(err, "verify image %s", ev.ID)
			}
			return result, fee, nil
		},
	}
}

func verifyFraudTool(deps Deps) Tool {
	return Tool{
		Name:        ToolVerifyFraud,
		Layer:       LayerVerify,
		Description: "Run an external fraud risk assessment over the claim. Costs a fee per call.",
		InputSchema: map[string]any{},
		Handler: func(ctx context.Context, rc *RunContext, _ json.RawMessage) (any, float64, error) {
			result, fee, err := deps.Verifier.Fraud(ctx, verify.FraudRequest{
				ClaimID:     rc.Claim.ID,
				Amount:      rc.Claim.Amount,
				Description: rc.Claim.Description,
				Claimant:    rc.Claim.Claimant,
			})
			if err != nil {
				return nil, fee, eris.Wrapf(err, "verify fraud on claim %s", rc.Claim.ID)
			}
			return result, fee, nil
		},
	}
}

func loadEvidence(rc *RunContext, args json.RawMessage, kind model.EvidenceKind) (model.Evidence, []byte, error) {
	ev, err := evidenceForExtraction(rc, args, kind)
	if err != nil {
		return model.Evidence{}, nil, err
	}
	content, err := os.ReadFile(ev.Locator)
	if err != nil {
		return model.Evidence{}, nil, eris.Wrapf(err, "read evidence %s", ev.ID)
	}
	return ev, content, nil
}
