package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/claimpilot/claimpilot/internal/config"
	"github.com/claimpilot/claimpilot/internal/model"
	"github.com/claimpilot/claimpilot/internal/tools"
	"github.com/claimpilot/claimpilot/internal/verify"
)

// Fallback produces a conservative verdict from whatever tool results exist
// when the reasoning agent cannot deliver one: budget exhausted, unparseable
// output, backend down. It never approves anything and always demands a
// human.
type Fallback struct {
	cfg config.EngineConfig
}

// NewFallback creates a Fallback evaluator.
func NewFallback(cfg config.EngineConfig) *Fallback {
	return &Fallback{cfg: enforcerDefaults(cfg)}
}

// Evaluate derives a rule-based verdict from the result log. cause is the
// agent failure that triggered the fallback; it lands in the review reasons.
func (f *Fallback) Evaluate(log *model.ResultLog, cause error) Verdict {
	v := Verdict{
		HumanReviewRequired: true,
		Reasoning:           "rule-based fallback evaluation; the reasoning agent did not produce a usable decision",
	}
	if cause != nil {
		v.ReviewReasons = append(v.ReviewReasons,
			fmt.Sprintf("%s: %s", Classify(cause), cause.Error()))
	}

	v.FraudRisk = 0.5
	if r, ok := log.Latest(tools.ToolVerifyFraud); ok {
		var fr verify.FraudResult
		if r.Decode(&fr) {
			v.FraudRisk = clamp01(fr.RiskScore)
		}
	}
	if v.FraudRisk >= f.cfg.FraudThreshold {
		v.Decision = model.DecisionFraudDetected
		v.Confidence = 0.6
		return v
	}

	var validation tools.Validation
	recommendation := ""
	if r, ok := log.Latest(tools.ToolValidateClaim); ok && r.Decode(&validation) {
		recommendation = validation.Recommendation
	}

	switch recommendation {
	case tools.RecommendProceed:
		v.Decision = model.DecisionNeedsReview
		v.Confidence = 0.65
	case tools.RecommendReview:
		v.Decision = model.DecisionNeedsMoreData
		v.Confidence = 0.55
		v.RequestedData = validation.Anomalies
	case tools.RecommendReject:
		v.Decision = model.DecisionInsufficientData
		v.Confidence = 0.30
	default:
		v.Decision = model.DecisionInsufficientData
		v.Confidence = 0.40
	}

	zap.L().Warn("fallback evaluation used",
		zap.String("decision", string(v.Decision)),
		zap.String("validation", recommendation),
		zap.NamedError("cause", cause))
	return v
}
