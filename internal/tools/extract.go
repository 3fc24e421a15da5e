package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/claimpilot/claimpilot/internal/llmjson"
	"github.com/claimpilot/claimpilot/internal/model"
	"github.com/claimpilot/claimpilot/pkg/anthropic"
)

// DocumentExtraction is the structured output of extract_document_data.
type DocumentExtraction struct {
	DocumentType  string            `json:"document_type,omitempty"`
	TotalAmount   float64           `json:"total_amount"`
	Currency      string            `json:"currency,omitempty"`
	Dates         []string          `json:"dates,omitempty"` // ISO 8601
	Vendor        string            `json:"vendor,omitempty"`
	InvoiceNumber string            `json:"invoice_number,omitempty"`
	LineItems     []LineItem        `json:"line_items,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
}

// LineItem is one charged line on an invoice or estimate.
type LineItem struct {
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
}

// DamageAssessment is the structured output of extract_image_data.
type DamageAssessment struct {
	DamageDescription   string   `json:"damage_description"`
	Severity            string   `json:"severity"` // minor, moderate, severe, total
	AffectedParts       []string `json:"affected_parts,omitempty"`
	ConsistentWithClaim bool     `json:"consistent_with_claim"`
	Notes               string   `json:"notes,omitempty"`
}

const documentExtractSystem = `You extract structured data from insurance claim documents.
Respond with a single JSON object and nothing else:
{"document_type": "...", "total_amount": 0.0, "currency": "USD", "dates": ["YYYY-MM-DD"], "vendor": "...", "invoice_number": "...", "line_items": [{"description": "...", "amount": 0.0}], "fields": {"...": "..."}}
Use 0 for total_amount when no amount appears. Omit fields you cannot determine.`

const imageExtractInstruction = `Assess the damage shown in this claim photo. Respond with a single JSON object and nothing else:
{"damage_description": "...", "severity": "minor|moderate|severe|total", "affected_parts": ["..."], "consistent_with_claim": true, "notes": "..."}`

type extractArgs struct {
	EvidenceID string `json:"evidence_id"`
}

func extractDocumentTool(deps Deps) Tool {
	return Tool{
		Name:        ToolExtractDocument,
		Layer:       LayerExtract,
		Description: "Extract structured data (amounts, dates, vendor, line items) from a claim document.",
		InputSchema: map[string]any{
			"evidence_id": stringProp("ID of the document evidence item to extract"),
		},
		Required: []string{"evidence_id"},
		Handler: func(ctx context.Context, rc *RunContext, args json.RawMessage) (any, float64, error) {
			ev, err := evidenceForExtraction(rc, args, model.EvidenceKindDocument)
			if err != nil {
				return nil, 0, err
			}
			content, err := os.ReadFile(ev.Locator)
			if err != nil {
				return nil, 0, eris.Wrapf(err, "read document %s", ev.ID)
			}

			resp, err := deps.AI.CreateMessage(ctx, anthropic.MessageRequest{
				Model:     deps.ExtractModel,
				MaxTokens: 2048,
				System:    []anthropic.SystemBlock{{Text: documentExtractSystem}},
				Messages: []anthropic.Message{
					anthropic.NewTextMessage("user", string(content)),
				},
			})
			if err != nil {
				return nil, 0, eris.Wrapf(err, "extract document %s", ev.ID)
			}
			rc.AddModelCost(deps.Calc.Claude(deps.ExtractModel, resp.Usage.InputTokens, resp.Usage.OutputTokens))

			var out DocumentExtraction
			if err := llmjson.Decode(resp.Text(), &out); err != nil {
				return nil, 0, eris.Wrapf(err, "parse document extraction for %s", ev.ID)
			}
			return out, 0, nil
		},
	}
}

func extractImageTool(deps Deps) Tool {
	return Tool{
		Name:        ToolExtractImage,
		Layer:       LayerExtract,
		Description: "Assess damage shown in a claim photo: severity, affected parts, consistency with the claim.",
		InputSchema: map[string]any{
			"evidence_id": stringProp("ID of the image evidence item to assess"),
		},
		Required: []string{"evidence_id"},
		Handler: func(ctx context.Context, rc *RunContext, args json.RawMessage) (any, float64, error) {
			ev, err := evidenceForExtraction(rc, args, model.EvidenceKindImage)
			if err != nil {
				return nil, 0, err
			}
			content, err := os.ReadFile(ev.Locator)
			if err != nil {
				return nil, 0, eris.Wrapf(err, "read image %s", ev.ID)
			}

			resp, err := deps.AI.CreateMessage(ctx, anthropic.MessageRequest{
				Model:     deps.ExtractModel,
				MaxTokens: 1024,
				Messages: []anthropic.Message{{
					Role: "user",
					Blocks: []anthropic.Block{
						{
							Type:      anthropic.BlockTypeImage,
							MediaType: MediaTypeFor(ev.Locator),
							Data:      base64.StdEncoding.EncodeToString(content),
						},
						{Type: anthropic.BlockTypeText, Text: imageExtractInstruction},
					},
				}},
			})
			if err != nil {
				return nil, 0, eris.Wrapf(err, "extract image %s", ev.ID)
			}
			rc.AddModelCost(deps.Calc.Claude(deps.ExtractModel, resp.Usage.InputTokens, resp.Usage.OutputTokens))

			var out DamageAssessment
			if err := llmjson.Decode(resp.Text(), &out); err != nil {
				return nil, 0, eris.Wrapf(err, "parse damage assessment for %s", ev.ID)
			}
			return out, 0, nil
		},
	}
}

func evidenceForExtraction(rc *RunContext, args json.RawMessage, kind model.EvidenceKind) (model.Evidence, error) {
	var in extractArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return model.Evidence{}, eris.Wrap(err, "decode arguments")
	}
	if in.EvidenceID == "" {
		return model.Evidence{}, eris.New("evidence_id is required")
	}
	ev, ok := rc.FindEvidence(in.EvidenceID)
	if !ok {
		return model.Evidence{}, eris.Errorf("evidence %s not found on claim %s", in.EvidenceID, rc.Claim.ID)
	}
	if ev.Kind != kind {
		return model.Evidence{}, eris.Errorf("evidence %s is %s, expected %s", ev.ID, ev.Kind, kind)
	}
	return ev, nil
}

// MediaTypeFor maps an evidence file extension to its MIME type.
func MediaTypeFor(locator string) string {
	switch strings.ToLower(filepath.Ext(locator)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
