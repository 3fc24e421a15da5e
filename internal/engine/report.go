package engine

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/claimpilot/claimpilot/internal/model"
)

// FormatReport generates a human-readable evaluation report for one run.
func FormatReport(claim model.Claim, result *model.EvaluationResult) string {
	p := message.NewPrinter(language.English)
	var b strings.Builder

	fmt.Fprintf(&b, "# Claim Evaluation: %s\n", claim.ID)
	p.Fprintf(&b, "Claimed amount: $%.2f\n", claim.Amount)
	fmt.Fprintf(&b, "Run: %s\n\n", result.RunID)

	b.WriteString("## Decision\n")
	fmt.Fprintf(&b, "- Decision: %s\n", result.Decision)
	fmt.Fprintf(&b, "- Confidence: %.0f%%", result.Confidence*100)
	if result.ConfidenceCapped {
		b.WriteString(" (capped: incomplete tool coverage)")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "- Fraud risk: %.0f%%\n", result.FraudRisk*100)
	if result.ApprovedAmount > 0 {
		p.Fprintf(&b, "- Approved amount: $%.2f\n", result.ApprovedAmount)
	}
	if result.SettlementRef != "" {
		fmt.Fprintf(&b, "- Settlement: %s\n", result.SettlementRef)
	}
	if result.Fallback {
		b.WriteString("- Produced by the rule-based fallback evaluator\n")
	}
	if result.HumanReviewRequired {
		b.WriteString("- Human review required\n")
	}
	b.WriteString("\n")

	if len(result.Contradictions) > 0 {
		b.WriteString("## Contradictions\n")
		for _, c := range result.Contradictions {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	if len(result.RequestedData) > 0 {
		b.WriteString("## Requested Data\n")
		for _, d := range result.RequestedData {
			fmt.Fprintf(&b, "- %s\n", d)
		}
		b.WriteString("\n")
	}

	if len(result.ReviewReasons) > 0 {
		b.WriteString("## Review Reasons\n")
		for _, r := range result.ReviewReasons {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Tool Calls\n")
	if len(result.ToolResults) == 0 {
		b.WriteString("No tools were invoked.\n")
	}
	for _, tr := range result.ToolResults {
		line := tr.Tool
		if tr.EvidenceID != "" {
			line += "[" + tr.EvidenceID + "]"
		}
		fmt.Fprintf(&b, "- %s: %s", line, tr.Status)
		if tr.Cost > 0 {
			p.Fprintf(&b, " ($%.2f)", tr.Cost)
		}
		if tr.Error != "" {
			fmt.Fprintf(&b, " (%s)", tr.Error)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	p.Fprintf(&b, "Processing cost: $%.4f\n", result.ProcessingCost)

	if result.Reasoning != "" {
		b.WriteString("\n## Reasoning\n")
		b.WriteString(result.Reasoning)
		b.WriteString("\n")
	}

	return b.String()
}
