package anthropic

import (
	"encoding/json"

	"go.uber.org/zap"
)

// MessageRequest is our own request type for CreateMessage.
type MessageRequest struct {
	Model       string
	MaxTokens   int64
	System      []SystemBlock
	Messages    []Message
	Tools       []ToolSpec
	Temperature *float64
}

// SystemBlock represents a system prompt block, optionally with cache control.
type SystemBlock struct {
	Text         string
	CacheControl *CacheControl
}

// CacheControl configures caching for a content block.
type CacheControl struct {
	TTL string // "5m" or "1h"
}

// ToolSpec describes one tool offered to the model: name, description, and
// a JSON-schema properties map for its input.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
	Required    []string
}

// Message represents a single conversational message composed of blocks.
type Message struct {
	Role   string // "user" or "assistant"
	Blocks []Block
}

// BlockType enumerates the content block kinds we exchange.
type BlockType string

const (
	BlockTypeText       BlockType = "text"
	BlockTypeImage      BlockType = "image"
	BlockTypeToolUse    BlockType = "tool_use"
	BlockTypeToolResult BlockType = "tool_result"
)

// Block is one content block within a message.
type Block struct {
	Type BlockType

	// Text blocks.
	Text string

	// Image blocks (base64-encoded).
	MediaType string
	Data      string

	// Tool use blocks (assistant replay) and tool result blocks.
	ToolUseID string
	ToolName  string
	Input     json.RawMessage
	Content   string
	IsError   bool
}

// NewTextMessage builds a single-text-block message.
func NewTextMessage(role, text string) Message {
	return Message{Role: role, Blocks: []Block{{Type: BlockTypeText, Text: text}}}
}

// NewToolResultBlock builds the tool_result block answering one tool_use.
func NewToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{
		Type:      BlockTypeToolResult,
		ToolUseID: toolUseID,
		Content:   content,
		IsError:   isError,
	}
}

// MessageResponse is our own response type from CreateMessage.
type MessageResponse struct {
	ID         string
	Model      string
	Content    []ContentBlock
	StopReason string
	Usage      TokenUsage
}

// ContentBlock represents a block of content in a response.
type ContentBlock struct {
	Type  string
	Text  string
	ID    string          // tool_use id
	Name  string          // tool name
	Input json.RawMessage // tool arguments
}

// Text concatenates all text blocks of the response.
func (r *MessageResponse) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the tool_use blocks of the response, in order.
func (r *MessageResponse) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range r.Content {
		if b.Type == "tool_use" {
			uses = append(uses, b)
		}
	}
	return uses
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// Add accumulates usage from another call.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// Log emits the accumulated token counts with structured zap fields.
// Pricing is the cost calculator's concern; this logs raw consumption.
func (u TokenUsage) Log(model, phase string) {
	zap.L().Info("token usage",
		zap.String("model", model),
		zap.String("phase", phase),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheCreationInputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens),
	)
}
