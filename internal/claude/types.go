// Package claude defines the downstream (caller-facing) wire protocol:
// Messages-style structured content blocks, typed SSE streaming events, and
// the helpers that build them.
package claude

import (
	"strings"

	"github.com/google/uuid"
)

// SSE event names.
const (
	SSEMessageStart      = "message_start"
	SSEContentBlockStart = "content_block_start"
	SSEContentBlockDelta = "content_block_delta"
	SSEContentBlockStop  = "content_block_stop"
	SSEMessageDelta      = "message_delta"
	SSEMessageStop       = "message_stop"
	SSEPing              = "ping"
	SSEError             = "error"
)

// Content block types.
const (
	BlockThinking = "thinking"
	BlockText     = "text"
	BlockToolUse  = "tool_use"
)

// Delta types inside content_block_delta.
const (
	DeltaThinking  = "thinking_delta"
	DeltaText      = "text_delta"
	DeltaSignature = "signature_delta"
	DeltaInputJSON = "input_json_delta"
)

// Stop reasons.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopToolUse      = "tool_use"
	StopStopSequence = "stop_sequence"
)

// Roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Usage carries the turn-level token counters.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ContentBlock is one typed segment of a non-streaming response. Exactly one
// of the type-specific field groups is populated, selected by Type.
type ContentBlock struct {
	Type string `json:"type"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// MessageResponse is the complete non-streaming response shape.
type MessageResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// ErrorBody is the downstream error envelope, used both for HTTP error
// responses and in-band SSE error events.
type ErrorBody struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// MapStopReason converts an upstream finish_reason into the downstream stop
// reason. Unknown reasons default to end_turn.
func MapStopReason(finishReason string) string {
	switch finishReason {
	case "stop":
		return StopEndTurn
	case "length":
		return StopMaxTokens
	case "tool_calls":
		return StopToolUse
	case "content_filter":
		return StopStopSequence
	default:
		return StopEndTurn
	}
}

// NewMessageID returns a fresh downstream message identifier.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewToolID returns a fresh tool-use identifier for upstream tool calls that
// arrive without one.
func NewToolID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
