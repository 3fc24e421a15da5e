// Package agent drives the reasoning loop: it presents the claim and the
// tool schemas to the model, executes requested tool calls through the
// registry, and parses the final decision proposal. The proposal is advice
// only; the decision enforcer downstream has the last word.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/claimpilot/claimpilot/internal/llmjson"
	"github.com/claimpilot/claimpilot/internal/model"
	"github.com/claimpilot/claimpilot/internal/tools"
	"github.com/claimpilot/claimpilot/pkg/anthropic"
)

var (
	// ErrIterationsExhausted means the model never produced a final answer
	// within the iteration budget.
	ErrIterationsExhausted = eris.New("agent: iteration budget exhausted without a final answer")
	// ErrUnparseable means the model's final answer never yielded a valid
	// proposal despite reprompting.
	ErrUnparseable = eris.New("agent: final answer could not be parsed")
)

// Config bounds one reasoning run.
type Config struct {
	Model         string
	MaxIterations int
	ParseRetries  int
	MaxTokens     int64
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 16
	}
	if c.ParseRetries < 0 {
		c.ParseRetries = 0
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	return c
}

// Outcome is what one reasoning run produced.
type Outcome struct {
	Proposal   model.AgentProposal
	Usage      anthropic.TokenUsage
	Iterations int
	// ForcedCalls lists mandatory tools the model skipped and the driver
	// invoked itself after the loop ended.
	ForcedCalls []string
	// CoverageGaps lists mandatory calls that are still missing after the
	// forced pass, which caps the run's confidence downstream.
	CoverageGaps []string
}

// Driver runs the reasoning loop for one claim at a time.
type Driver struct {
	ai       anthropic.Client
	registry *tools.Registry
	cfg      Config
}

// New creates a Driver.
func New(ai anthropic.Client, registry *tools.Registry, cfg Config) *Driver {
	return &Driver{ai: ai, registry: registry, cfg: cfg.withDefaults()}
}

// Evaluate runs the loop until the model commits to a final answer or a
// budget runs out. Tool calls already in flight when ctx is cancelled run
// to completion and are recorded; no new calls start after cancellation.
func (d *Driver) Evaluate(ctx context.Context, rc *tools.RunContext) (*Outcome, error) {
	outcome := &Outcome{}
	system := []anthropic.SystemBlock{{
		Text:         systemPrompt,
		CacheControl: &anthropic.CacheControl{TTL: "5m"},
	}}
	messages := []anthropic.Message{anthropic.NewTextMessage("user", claimBrief(rc))}

	// Tool handlers run on a context that survives loop cancellation so a
	// paid call in flight is never abandoned half-charged. The registry's
	// own per-call timeout still bounds it.
	toolCtx := context.WithoutCancel(ctx)

	for iter := 0; iter < d.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return outcome, eris.Wrap(err, "agent: run cancelled")
		}
		outcome.Iterations = iter + 1

		resp, err := d.ai.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     d.cfg.Model,
			MaxTokens: d.cfg.MaxTokens,
			System:    system,
			Messages:  messages,
			Tools:     d.registry.AgentSpecs(),
		})
		if err != nil {
			return outcome, eris.Wrap(err, "agent: reasoning call")
		}
		outcome.Usage.Add(resp.Usage)

		uses := resp.ToolUses()
		if resp.StopReason != "tool_use" || len(uses) == 0 {
			proposal, err := d.parseFinal(ctx, resp, &messages, outcome)
			if err != nil {
				return outcome, err
			}
			outcome.Proposal = *proposal
			d.enforceCoverage(ctx, toolCtx, rc, outcome)
			outcome.Usage.Log(d.cfg.Model, "reasoning")
			return outcome, nil
		}

		messages = append(messages, replayAssistant(resp))
		messages = append(messages, d.runTools(ctx, toolCtx, rc, uses))
	}

	return outcome, ErrIterationsExhausted
}

// runTools executes the requested calls in order and folds every result
// into one user message. A call already running when ctx is cancelled
// finishes on toolCtx; no new call starts once ctx is done.
func (d *Driver) runTools(ctx, toolCtx context.Context, rc *tools.RunContext, uses []anthropic.ContentBlock) anthropic.Message {
	msg := anthropic.Message{Role: "user"}
	for _, use := range uses {
		if err := ctx.Err(); err != nil {
			msg.Blocks = append(msg.Blocks, anthropic.NewToolResultBlock(
				use.ID, "evaluation cancelled before this tool ran", true))
			continue
		}
		result := d.registry.Invoke(toolCtx, rc, use.Name, use.Input)
		msg.Blocks = append(msg.Blocks, anthropic.NewToolResultBlock(
			use.ID, result.Content(), !result.OK()))
	}
	return msg
}

// parseFinal extracts the proposal from the model's closing message,
// reprompting on parse failure up to the configured retry budget.
func (d *Driver) parseFinal(ctx context.Context, resp *anthropic.MessageResponse, messages *[]anthropic.Message, outcome *Outcome) (*model.AgentProposal, error) {
	for attempt := 0; ; attempt++ {
		proposal, err := parseProposal(resp.Text())
		if err == nil {
			return proposal, nil
		}
		if attempt >= d.cfg.ParseRetries {
			return nil, eris.Wrap(ErrUnparseable, err.Error())
		}

		zap.L().Warn("reprompting for parseable answer",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		*messages = append(*messages,
			anthropic.Message{Role: "assistant", Blocks: []anthropic.Block{{Type: anthropic.BlockTypeText, Text: resp.Text()}}},
			anthropic.NewTextMessage("user", reparsePrompt(err)),
		)
		resp, err = d.ai.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     d.cfg.Model,
			MaxTokens: d.cfg.MaxTokens,
			Messages:  *messages,
		})
		if err != nil {
			return nil, eris.Wrap(err, "agent: reparse call")
		}
		outcome.Usage.Add(resp.Usage)
	}
}

// parseProposal decodes and sanity-checks the final answer. A proposal
// with an unknown decision value or a confidence outside [0,1] is treated
// as unparsed, not silently clamped.
func parseProposal(text string) (*model.AgentProposal, error) {
	var p model.AgentProposal
	if err := llmjson.Decode(text, &p); err != nil {
		return nil, err
	}
	if !p.Decision.Valid() {
		return nil, eris.Errorf("unknown decision %q", p.Decision)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return nil, eris.Errorf("confidence %v outside [0,1]", p.Confidence)
	}
	if p.FraudRisk < 0 || p.FraudRisk > 1 {
		return nil, eris.Errorf("fraud_risk %v outside [0,1]", p.FraudRisk)
	}
	return &p, nil
}

func reparsePrompt(cause error) string {
	return fmt.Sprintf("Your previous answer could not be processed (%v). Respond again with ONLY the JSON decision object, no prose and no code fences.", cause)
}

// replayAssistant rebuilds the assistant turn, text and tool_use blocks
// both, so the transcript stays valid for the next call.
func replayAssistant(resp *anthropic.MessageResponse) anthropic.Message {
	msg := anthropic.Message{Role: "assistant"}
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			msg.Blocks = append(msg.Blocks, anthropic.Block{Type: anthropic.BlockTypeText, Text: b.Text})
		case "tool_use":
			msg.Blocks = append(msg.Blocks, anthropic.Block{
				Type:      anthropic.BlockTypeToolUse,
				ToolUseID: b.ID,
				ToolName:  b.Name,
				Input:     b.Input,
			})
		}
	}
	return msg
}

// claimBrief renders the claim facts and evidence manifest the model
// starts from.
func claimBrief(rc *tools.RunContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Evaluate this insurance claim.\n\nClaim ID: %s\nClaimed amount: %.2f USD\nClaimant: %s\nSubmitted: %s\nDescription: %s\n",
		rc.Claim.ID, rc.Claim.Amount, rc.Claim.Claimant,
		rc.Claim.CreatedAt.Format(time.RFC3339), rc.Claim.Description)
	if len(rc.Evidence) == 0 {
		sb.WriteString("\nNo evidence is attached to this claim.\n")
		return sb.String()
	}
	sb.WriteString("\nEvidence:\n")
	for _, ev := range rc.Evidence {
		fmt.Fprintf(&sb, "- id=%s kind=%s\n", ev.ID, ev.Kind)
	}
	return sb.String()
}

// marshalArgs builds tool arguments for forced coverage calls.
func marshalArgs(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
