package model

import (
	"encoding/json"
	"sync"
	"time"
)

// ToolStatus marks the outcome of a single tool invocation.
type ToolStatus string

const (
	ToolStatusOK     ToolStatus = "ok"
	ToolStatusFailed ToolStatus = "failed"
)

// ToolResult is one entry in the append-only tool invocation log. Results
// are never mutated after creation.
type ToolResult struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	Tool       string          `json:"tool"`
	EvidenceID string          `json:"evidence_id,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Status     ToolStatus      `json:"status"`
	Error      string          `json:"error,omitempty"`
	Cost       float64         `json:"cost"`
	Timestamp  time.Time       `json:"timestamp"`
}

// OK reports whether the invocation succeeded.
func (r ToolResult) OK() bool { return r.Status == ToolStatusOK }

// Content returns what the model should see for this result: the output on
// success, the error message otherwise.
func (r ToolResult) Content() string {
	if r.OK() {
		return string(r.Output)
	}
	return r.Error
}

// Decode unmarshals the raw output into v. Returns false on failed results
// or malformed output.
func (r ToolResult) Decode(v any) bool {
	if !r.OK() || len(r.Output) == 0 {
		return false
	}
	return json.Unmarshal(r.Output, v) == nil
}

// ResultLog accumulates ToolResults for the lifetime of one evaluation run.
// Each run owns its own log; the mutex covers concurrent forced-coverage
// calls within a single run.
type ResultLog struct {
	mu      sync.Mutex
	results []ToolResult
}

// NewResultLog creates an empty accumulator.
func NewResultLog() *ResultLog {
	return &ResultLog{}
}

// Append records one invocation. Entries are append-only.
func (l *ResultLog) Append(r ToolResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
}

// All returns a snapshot of the recorded results in invocation order.
func (l *ResultLog) All() []ToolResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ToolResult, len(l.results))
	copy(out, l.results)
	return out
}

// Latest returns the most recent successful result for the named tool,
// or false if the tool never succeeded in this run.
func (l *ResultLog) Latest(tool string) (ToolResult, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.results) - 1; i >= 0; i-- {
		if l.results[i].Tool == tool && l.results[i].Status == ToolStatusOK {
			return l.results[i], true
		}
	}
	return ToolResult{}, false
}

// Invoked reports whether the named tool was invoked at all (any status).
// An optional evidence ID narrows the check to one evidence item.
func (l *ResultLog) Invoked(tool, evidenceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.results {
		if r.Tool != tool {
			continue
		}
		if evidenceID == "" || r.EvidenceID == evidenceID {
			return true
		}
	}
	return false
}

// TotalCost sums the cost of every recorded invocation, including failures
// whose payment was already consumed.
func (l *ResultLog) TotalCost() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total float64
	for _, r := range l.results {
		total += r.Cost
	}
	return total
}

// Len returns the number of recorded invocations.
func (l *ResultLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.results)
}
