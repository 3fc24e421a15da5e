package tools

import (
	"sync"

	"github.com/claimpilot/claimpilot/internal/model"
)

// RunContext carries the state of one evaluation run through every tool
// invocation. Tools read the claim and its evidence from here and record
// their results in the shared log; nothing run-scoped lives in package
// globals, so concurrent runs never see each other's state.
type RunContext struct {
	RunID    string
	Claim    model.Claim
	Evidence []model.Evidence
	Wallet   string
	Results  *model.ResultLog

	mu        sync.Mutex
	modelCost float64
}

// FindEvidence returns the evidence item with the given ID.
func (rc *RunContext) FindEvidence(id string) (model.Evidence, bool) {
	for _, ev := range rc.Evidence {
		if ev.ID == id {
			return ev, true
		}
	}
	return model.Evidence{}, false
}

// EvidenceOfKind returns all evidence items of the given kind.
func (rc *RunContext) EvidenceOfKind(kind model.EvidenceKind) []model.Evidence {
	var out []model.Evidence
	for _, ev := range rc.Evidence {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// AddModelCost accumulates reasoning backend token cost for this run.
// Token cost is tracked separately from tool fees: the extraction tools are
// free at the tool level, but their model calls still count toward the
// run's processing cost.
func (rc *RunContext) AddModelCost(usd float64) {
	rc.mu.Lock()
	rc.modelCost += usd
	rc.mu.Unlock()
}

// ModelCost returns the accumulated reasoning backend cost.
func (rc *RunContext) ModelCost() float64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.modelCost
}
