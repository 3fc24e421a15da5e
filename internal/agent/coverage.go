package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/claimpilot/claimpilot/internal/model"
	"github.com/claimpilot/claimpilot/internal/tools"
)

// mandatoryCalls returns the tool calls every run must make: an extraction
// and a verification per evidence item, plus one fraud assessment.
func mandatoryCalls(rc *tools.RunContext) []mandatoryCall {
	var calls []mandatoryCall
	for _, ev := range rc.Evidence {
		extract, verify := tools.ToolExtractDocument, tools.ToolVerifyDocument
		if ev.Kind == model.EvidenceKindImage {
			extract, verify = tools.ToolExtractImage, tools.ToolVerifyImage
		}
		calls = append(calls,
			mandatoryCall{tool: extract, evidenceID: ev.ID},
			mandatoryCall{tool: verify, evidenceID: ev.ID},
		)
	}
	calls = append(calls, mandatoryCall{tool: tools.ToolVerifyFraud})
	return calls
}

type mandatoryCall struct {
	tool       string
	evidenceID string
}

func (c mandatoryCall) String() string {
	if c.evidenceID == "" {
		return c.tool
	}
	return fmt.Sprintf("%s[%s]", c.tool, c.evidenceID)
}

func (c mandatoryCall) args() map[string]string {
	if c.evidenceID == "" {
		return nil
	}
	return map[string]string{"evidence_id": c.evidenceID}
}

// enforceCoverage backfills the mandatory calls the model skipped, in
// parallel through the same registry so every forced call lands in the
// result log. The deterministic cross-check and validation follow, since
// they read the extraction outputs. Calls that still have no successful
// result are reported as gaps; the enforcer turns gaps into a confidence
// cap.
//
// New calls are gated on ctx: once the run is cancelled, nothing further
// is issued and the skipped calls surface as gaps. Calls already started
// run to completion on toolCtx, so a paid call in flight is never
// abandoned half-charged.
func (d *Driver) enforceCoverage(ctx, toolCtx context.Context, rc *tools.RunContext, outcome *Outcome) {
	var forced []string

	g := new(errgroup.Group)
	for _, call := range mandatoryCalls(rc) {
		if rc.Results.Invoked(call.tool, call.evidenceID) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		forced = append(forced, call.String())

		call := call
		g.Go(func() error {
			d.registry.Invoke(toolCtx, rc, call.tool, marshalArgs(call.args()))
			return nil
		})
	}
	_ = g.Wait() // failures land in the result log, not here

	if ctx.Err() == nil && !rc.Results.Invoked(tools.ToolCrossCheck, "") && len(rc.Evidence) > 0 {
		forced = append(forced, tools.ToolCrossCheck)
		d.registry.Invoke(toolCtx, rc, tools.ToolCrossCheck, nil)
	}
	if ctx.Err() == nil && !rc.Results.Invoked(tools.ToolValidateClaim, "") {
		forced = append(forced, tools.ToolValidateClaim)
		d.registry.Invoke(toolCtx, rc, tools.ToolValidateClaim, nil)
	}

	outcome.ForcedCalls = forced
	outcome.CoverageGaps = coverageGaps(rc)
	if len(forced) > 0 {
		zap.L().Info("forced mandatory coverage",
			zap.String("run_id", rc.RunID),
			zap.Strings("forced", forced),
			zap.Strings("gaps", outcome.CoverageGaps))
	}
}

// coverageGaps lists the mandatory calls with no successful result.
func coverageGaps(rc *tools.RunContext) []string {
	succeeded := make(map[string]bool)
	for _, r := range rc.Results.All() {
		if r.OK() {
			succeeded[r.Tool+"|"+r.EvidenceID] = true
			succeeded[r.Tool+"|"] = true
		}
	}

	var gaps []string
	for _, call := range mandatoryCalls(rc) {
		if !succeeded[call.tool+"|"+call.evidenceID] {
			gaps = append(gaps, call.String())
		}
	}
	return gaps
}
