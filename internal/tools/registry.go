// Package tools implements the claim evaluation tool registry: the nine
// operations the reasoning agent can invoke, grouped into the extract,
// estimate, validate, verify, and settle layers. Every invocation, success
// or failure, is recorded in the run's result log before control returns to
// the caller.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/claimpilot/claimpilot/internal/cost"
	"github.com/claimpilot/claimpilot/internal/model"
	"github.com/claimpilot/claimpilot/internal/settlement"
	"github.com/claimpilot/claimpilot/internal/verify"
	"github.com/claimpilot/claimpilot/pkg/anthropic"
)

// Layer names. Tools in the settle layer are never offered to the agent;
// the engine invokes them directly on auto-approval.
const (
	LayerExtract  = "extract"
	LayerEstimate = "estimate"
	LayerValidate = "validate"
	LayerVerify   = "verify"
	LayerSettle   = "settle"
)

// Tool names.
const (
	ToolExtractDocument = "extract_document_data"
	ToolExtractImage    = "extract_image_data"
	ToolEstimateRepair  = "estimate_repair_cost"
	ToolCrossCheck      = "cross_check_amounts"
	ToolValidateClaim   = "validate_claim_data"
	ToolVerifyDocument  = "verify_document"
	ToolVerifyImage     = "verify_image"
	ToolVerifyFraud     = "verify_fraud"
	ToolApproveClaim    = "approve_claim"
)

// Handler executes one tool call. It returns the structured output, the
// external fee consumed in USD, and an error. A non-nil error with a
// non-zero fee means money was spent on a failed call; the fee is still
// recorded.
type Handler func(ctx context.Context, rc *RunContext, args json.RawMessage) (any, float64, error)

// Tool is one registered operation.
type Tool struct {
	Name        string
	Layer       string
	Description string
	InputSchema map[string]any
	Required    []string
	Handler     Handler
}

// Verifier is the slice of the verification client the verify tools need.
type Verifier interface {
	Document(ctx context.Context, req verify.DocumentRequest) (*verify.DocumentResult, float64, error)
	Image(ctx context.Context, req verify.ImageRequest) (*verify.ImageResult, float64, error)
	Fraud(ctx context.Context, req verify.FraudRequest) (*verify.FraudResult, float64, error)
}

// Deps holds the collaborators the tool handlers call out to.
type Deps struct {
	AI           anthropic.Client
	ExtractModel string
	Calc         *cost.Calculator
	Verifier     Verifier
	Settler      settlement.Client

	// MismatchPct is the amount cross-check tolerance in percent.
	MismatchPct float64
	// Timeout bounds a single tool invocation.
	Timeout time.Duration
}

// Registry holds the registered tools and dispatches invocations.
type Registry struct {
	deps  Deps
	tools map[string]Tool
	order []string
}

// NewRegistry builds the full tool set.
func NewRegistry(deps Deps) *Registry {
	if deps.MismatchPct <= 0 {
		deps.MismatchPct = 10
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 60 * time.Second
	}
	r := &Registry{deps: deps, tools: make(map[string]Tool)}
	r.register(extractDocumentTool(deps))
	r.register(extractImageTool(deps))
	r.register(estimateRepairTool())
	r.register(crossCheckTool(deps))
	r.register(validateClaimTool(deps))
	r.register(verifyDocumentTool(deps))
	r.register(verifyImageTool(deps))
	r.register(verifyFraudTool(deps))
	r.register(approveClaimTool(deps))
	return r
}

func (r *Registry) register(t Tool) {
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// AgentSpecs returns the tool schemas offered to the reasoning agent, in
// registration order. The settle layer is excluded: approval is triggered
// by the decision enforcer, never requested by the model.
func (r *Registry) AgentSpecs() []anthropic.ToolSpec {
	specs := make([]anthropic.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		if t.Layer == LayerSettle {
			continue
		}
		specs = append(specs, anthropic.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Required:    t.Required,
		})
	}
	return specs
}

// Invoke runs the named tool and records the outcome in rc.Results. It
// never panics and never skips the record: a crashed or failed handler
// produces a failed ToolResult carrying whatever fee was consumed.
func (r *Registry) Invoke(ctx context.Context, rc *RunContext, name string, args json.RawMessage) model.ToolResult {
	result := model.ToolResult{
		ID:         uuid.NewString(),
		RunID:      rc.RunID,
		Tool:       name,
		EvidenceID: evidenceIDFrom(args),
		Timestamp:  time.Now().UTC(),
	}

	tool, ok := r.tools[name]
	if !ok {
		result.Status = model.ToolStatusFailed
		result.Error = fmt.Sprintf("unknown tool %q", name)
		rc.Results.Append(result)
		return result
	}

	callCtx, cancel := context.WithTimeout(ctx, r.deps.Timeout)
	defer cancel()

	output, fee, err := r.run(callCtx, rc, tool, args)
	result.Cost = fee

	if err != nil {
		result.Status = model.ToolStatusFailed
		result.Error = err.Error()
		zap.L().Warn("tool invocation failed",
			zap.String("run_id", rc.RunID),
			zap.String("tool", name),
			zap.Float64("fee_usd", fee),
			zap.Error(err))
	} else {
		raw, merr := json.Marshal(output)
		if merr != nil {
			result.Status = model.ToolStatusFailed
			result.Error = eris.Wrap(merr, "marshal tool output").Error()
		} else {
			result.Status = model.ToolStatusOK
			result.Output = raw
			zap.L().Debug("tool invocation ok",
				zap.String("run_id", rc.RunID),
				zap.String("tool", name),
				zap.Float64("fee_usd", fee))
		}
	}

	rc.Results.Append(result)
	return result
}

// run isolates handler panics.
func (r *Registry) run(ctx context.Context, rc *RunContext, tool Tool, args json.RawMessage) (output any, fee float64, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = eris.Errorf("tool %s panicked: %v", tool.Name, rec)
		}
	}()
	return tool.Handler(ctx, rc, args)
}

// evidenceIDFrom probes the arguments for an evidence_id field so the
// result log can answer per-evidence coverage queries.
func evidenceIDFrom(args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var probe struct {
		EvidenceID string `json:"evidence_id"`
	}
	if err := json.Unmarshal(args, &probe); err != nil {
		return ""
	}
	return probe.EvidenceID
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func numberProp(desc string) map[string]any {
	return map[string]any{"type": "number", "description": desc}
}
