package engine

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/claimpilot/claimpilot/internal/config"
	"github.com/claimpilot/claimpilot/internal/model"
	"github.com/claimpilot/claimpilot/internal/tools"
	"github.com/claimpilot/claimpilot/internal/verify"
)

// Verdict is the final ruling for one evaluation run.
type Verdict struct {
	Decision            model.Decision
	Confidence          float64
	FraudRisk           float64
	Contradictions      []string
	ReviewReasons       []string
	RequestedData       []string
	HumanReviewRequired bool
	// Capped means coverage gaps forced the confidence below its computed
	// value.
	Capped    bool
	Reasoning string
}

// Enforcer derives the final decision deterministically from the raw tool
// results. The agent's proposal contributes narrative fields only;
// confidence, fraud risk, and the decision itself are recomputed here so a
// confused or manipulated model can never approve a claim on its own.
type Enforcer struct {
	cfg config.EngineConfig
}

// NewEnforcer creates an Enforcer, filling unset thresholds with the
// documented defaults.
func NewEnforcer(cfg config.EngineConfig) *Enforcer {
	return &Enforcer{cfg: enforcerDefaults(cfg)}
}

func enforcerDefaults(c config.EngineConfig) config.EngineConfig {
	if c.FraudThreshold <= 0 {
		c.FraudThreshold = 0.70
	}
	if c.AutoApproveMin <= 0 {
		c.AutoApproveMin = 0.95
	}
	if c.ReviewApproveMin <= 0 {
		c.ReviewApproveMin = 0.85
	}
	if c.NeedsReviewMin <= 0 {
		c.NeedsReviewMin = 0.70
	}
	if c.MoreDataMin <= 0 {
		c.MoreDataMin = 0.50
	}
	if c.AutoApproveFraudMax <= 0 {
		c.AutoApproveFraudMax = 0.30
	}
	if c.AmountMismatchPct <= 0 {
		c.AmountMismatchPct = 10
	}
	if c.CoverageCap <= 0 {
		c.CoverageCap = 0.80
	}
	return c
}

// matchedTightDiffPct is the cross-check tolerance for the auto-approval
// confidence tier, much stricter than the general mismatch threshold.
const matchedTightDiffPct = 1.0

// contradictionPenalty is subtracted from confidence per contradiction.
const contradictionPenalty = 0.15

// crossCheckBonus is added to confidence when the amounts line up.
const crossCheckBonus = 0.05

// Enforce recomputes confidence and fraud risk from the result log, applies
// the coverage cap, and walks the decision table top down. First match wins.
func (e *Enforcer) Enforce(proposal model.AgentProposal, log *model.ResultLog, gaps []string) Verdict {
	v := Verdict{
		Contradictions: append([]string(nil), proposal.Contradictions...),
		ReviewReasons:  append([]string(nil), proposal.ReviewReasons...),
		RequestedData:  append([]string(nil), proposal.RequestedData...),
		Reasoning:      proposal.Reasoning,
	}

	var validation tools.Validation
	hasValidation := false
	if r, ok := log.Latest(tools.ToolValidateClaim); ok {
		hasValidation = r.Decode(&validation)
	}
	var check tools.CrossCheck
	hasCheck := false
	if r, ok := log.Latest(tools.ToolCrossCheck); ok {
		hasCheck = r.Decode(&check)
	}

	conf := 0.5
	if hasValidation {
		switch validation.Recommendation {
		case tools.RecommendProceed:
			conf = 0.9
		case tools.RecommendReview:
			conf = 0.6
		case tools.RecommendReject:
			conf = 0.2
		}
	}

	if hasCheck && check.Match {
		conf += crossCheckBonus
	}
	if hasCheck && check.MaxDiffPct > e.cfg.AmountMismatchPct {
		v.Contradictions = append(v.Contradictions, fmt.Sprintf(
			"claimed amount diverges from documentation by %.1f%%", check.MaxDiffPct))
	}

	conf -= contradictionPenalty * float64(len(v.Contradictions))

	// The top confidence tier requires independent corroboration: amounts
	// matching within the tight tolerance, every verification authentic,
	// and a clean validation pass. Without it the score stays below the
	// auto-approval bar no matter what the arithmetic says.
	if len(v.Contradictions) == 0 && e.autoApproveEligible(hasCheck, check, hasValidation, validation, log, gaps) {
		conf = math.Max(conf, e.cfg.AutoApproveMin)
	} else {
		conf = math.Min(conf, e.cfg.AutoApproveMin-0.01)
	}

	if len(gaps) > 0 {
		v.ReviewReasons = append(v.ReviewReasons, fmt.Sprintf(
			"mandatory tool coverage incomplete: %v", gaps))
		if conf > e.cfg.CoverageCap {
			conf = e.cfg.CoverageCap
			v.Capped = true
		}
	}

	v.Confidence = clamp01(conf)
	v.FraudRisk = e.fraudRisk(proposal, log)

	switch {
	case v.FraudRisk >= e.cfg.FraudThreshold:
		v.Decision = model.DecisionFraudDetected
	case v.Confidence >= e.cfg.AutoApproveMin && len(v.Contradictions) == 0 && v.FraudRisk < e.cfg.AutoApproveFraudMax:
		v.Decision = model.DecisionAutoApproved
	case v.Confidence >= e.cfg.ReviewApproveMin && len(v.Contradictions) == 0:
		v.Decision = model.DecisionApprovedWithReview
	case v.Confidence >= e.cfg.NeedsReviewMin:
		v.Decision = model.DecisionNeedsReview
	case v.Confidence >= e.cfg.MoreDataMin:
		v.Decision = model.DecisionNeedsMoreData
	default:
		v.Decision = model.DecisionInsufficientData
	}

	v.HumanReviewRequired = v.Decision != model.DecisionAutoApproved
	if v.Decision == model.DecisionNeedsMoreData && len(v.RequestedData) == 0 && hasValidation {
		v.RequestedData = validation.Anomalies
	}

	if proposal.Decision != "" && proposal.Decision != v.Decision {
		zap.L().Info("enforcer overrode agent proposal",
			zap.String("proposed", string(proposal.Decision)),
			zap.String("decision", string(v.Decision)),
			zap.Float64("confidence", v.Confidence),
			zap.Float64("fraud_risk", v.FraudRisk))
	}
	return v
}

func (e *Enforcer) autoApproveEligible(hasCheck bool, check tools.CrossCheck, hasValidation bool, validation tools.Validation, log *model.ResultLog, gaps []string) bool {
	if len(gaps) > 0 {
		return false
	}
	if !hasCheck || !check.Match || check.MaxDiffPct > matchedTightDiffPct {
		return false
	}
	if !hasValidation || len(validation.Anomalies) > 0 {
		return false
	}
	return verificationsAuthentic(log)
}

// verificationsAuthentic reports whether every verification result in the
// log came back clean. Missing verifications are the coverage checker's
// problem, not this one's.
func verificationsAuthentic(log *model.ResultLog) bool {
	for _, r := range log.All() {
		if !r.OK() {
			continue
		}
		switch r.Tool {
		case tools.ToolVerifyDocument:
			var doc verify.DocumentResult
			if !r.Decode(&doc) || !doc.Authentic {
				return false
			}
		case tools.ToolVerifyImage:
			var img verify.ImageResult
			if !r.Decode(&img) || !img.Authentic || img.TamperingDetected {
				return false
			}
		}
	}
	return true
}

// fraudRisk takes the external assessment when one exists; otherwise the
// agent's own figure counts, floored at 0.5 because an unassessed claim is
// never low risk.
func (e *Enforcer) fraudRisk(proposal model.AgentProposal, log *model.ResultLog) float64 {
	if r, ok := log.Latest(tools.ToolVerifyFraud); ok {
		var fr verify.FraudResult
		if r.Decode(&fr) {
			return clamp01(fr.RiskScore)
		}
	}
	return math.Max(0.5, clamp01(proposal.FraudRisk))
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}
