// Typed SSE event builders for the downstream protocol. Delta events are the
// hot path (one per upstream fragment), so those use pooled pre-shaped
// structs instead of map[string]any.
package claude

import (
	"sync"

	"github.com/lunarfang/ccbridge/internal/json"
)

// BuildSSEEvent frames a JSON payload as a named SSE event.
func BuildSSEEvent(eventType string, jsonData []byte) []byte {
	size := 7 + len(eventType) + 7 + len(jsonData) + 2
	buf := make([]byte, 0, size)
	buf = append(buf, "event: "...)
	buf = append(buf, eventType...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, jsonData...)
	buf = append(buf, "\n\n"...)
	return buf
}

// -----------------------------------------------------------------------------
// message_start / message_delta / message_stop
// -----------------------------------------------------------------------------

type messageStartEvent struct {
	Type    string          `json:"type"`
	Message messageEnvelope `json:"message"`
}

type messageEnvelope struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// BuildMessageStartSSE opens a streamed turn.
func BuildMessageStartSSE(messageID, model string) []byte {
	ev := messageStartEvent{
		Type: SSEMessageStart,
		Message: messageEnvelope{
			ID:      messageID,
			Type:    "message",
			Role:    RoleAssistant,
			Content: []ContentBlock{},
			Model:   model,
		},
	}
	jb, _ := json.Marshal(ev)
	return BuildSSEEvent(SSEMessageStart, jb)
}

type messageDeltaEvent struct {
	Type  string           `json:"type"`
	Delta messageDeltaBody `json:"delta"`
	Usage *Usage           `json:"usage,omitempty"`
}

type messageDeltaBody struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// BuildMessageDeltaSSE carries the final stop reason and usage for a turn.
func BuildMessageDeltaSSE(stopReason string, usage *Usage) []byte {
	ev := messageDeltaEvent{
		Type:  SSEMessageDelta,
		Delta: messageDeltaBody{StopReason: stopReason},
		Usage: usage,
	}
	jb, _ := json.Marshal(ev)
	return BuildSSEEvent(SSEMessageDelta, jb)
}

// BuildMessageStopSSE closes a streamed turn.
func BuildMessageStopSSE() []byte {
	return BuildSSEEvent(SSEMessageStop, []byte(`{"type":"message_stop"}`))
}

// -----------------------------------------------------------------------------
// content_block_start / content_block_stop
// -----------------------------------------------------------------------------

type blockStartEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock any    `json:"content_block"`
}

// toolUseStartBlock always carries input, even when empty.
type toolUseStartBlock struct {
	Type  string         `json:"type"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// BuildThinkingBlockStartSSE opens a thinking block at index.
func BuildThinkingBlockStartSSE(index int) []byte {
	ev := blockStartEvent{
		Type:         SSEContentBlockStart,
		Index:        index,
		ContentBlock: ContentBlock{Type: BlockThinking},
	}
	jb, _ := json.Marshal(ev)
	return BuildSSEEvent(SSEContentBlockStart, jb)
}

// BuildTextBlockStartSSE opens a text block at index.
func BuildTextBlockStartSSE(index int) []byte {
	ev := blockStartEvent{
		Type:         SSEContentBlockStart,
		Index:        index,
		ContentBlock: ContentBlock{Type: BlockText},
	}
	jb, _ := json.Marshal(ev)
	return BuildSSEEvent(SSEContentBlockStart, jb)
}

var emptyInput = map[string]any{}

// BuildToolUseBlockStartSSE opens a tool_use block. The id and name reflect
// whatever the upstream has sent so far; later fragments may complete them.
func BuildToolUseBlockStartSSE(index int, toolID, name string) []byte {
	ev := blockStartEvent{
		Type:  SSEContentBlockStart,
		Index: index,
		ContentBlock: toolUseStartBlock{
			Type:  BlockToolUse,
			ID:    toolID,
			Name:  name,
			Input: emptyInput,
		},
	}
	jb, _ := json.Marshal(ev)
	return BuildSSEEvent(SSEContentBlockStart, jb)
}

type blockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

var blockStopPool = sync.Pool{
	New: func() any {
		return &blockStopEvent{Type: SSEContentBlockStop}
	},
}

// BuildBlockStopSSE closes the block at index.
func BuildBlockStopSSE(index int) []byte {
	ev := blockStopPool.Get().(*blockStopEvent)
	defer func() {
		ev.Index = 0
		blockStopPool.Put(ev)
	}()

	ev.Index = index
	jb, _ := json.Marshal(ev)
	return BuildSSEEvent(SSEContentBlockStop, jb)
}

// -----------------------------------------------------------------------------
// content_block_delta variants (HOT PATH)
// -----------------------------------------------------------------------------

type blockDeltaEvent struct {
	Type  string         `json:"type"`
	Index int            `json:"index"`
	Delta blockDeltaBody `json:"delta"`
}

type blockDeltaBody struct {
	Type        string `json:"type"`
	Thinking    string `json:"thinking,omitempty"`
	Text        string `json:"text,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

var blockDeltaPool = sync.Pool{
	New: func() any {
		return &blockDeltaEvent{Type: SSEContentBlockDelta}
	},
}

func buildBlockDeltaSSE(index int, body blockDeltaBody) []byte {
	ev := blockDeltaPool.Get().(*blockDeltaEvent)
	defer func() {
		ev.Index = 0
		ev.Delta = blockDeltaBody{}
		blockDeltaPool.Put(ev)
	}()

	ev.Index = index
	ev.Delta = body
	jb, _ := json.Marshal(ev)
	return BuildSSEEvent(SSEContentBlockDelta, jb)
}

// BuildThinkingDeltaSSE emits a reasoning fragment.
func BuildThinkingDeltaSSE(index int, thinking string) []byte {
	return buildBlockDeltaSSE(index, blockDeltaBody{Type: DeltaThinking, Thinking: thinking})
}

// BuildTextDeltaSSE emits a text fragment.
func BuildTextDeltaSSE(index int, text string) []byte {
	return buildBlockDeltaSSE(index, blockDeltaBody{Type: DeltaText, Text: text})
}

// BuildSignatureDeltaSSE stamps a completed thinking block.
func BuildSignatureDeltaSSE(index int, signature string) []byte {
	return buildBlockDeltaSSE(index, blockDeltaBody{Type: DeltaSignature, Signature: signature})
}

// BuildInputJSONDeltaSSE forwards a verbatim tool-argument fragment.
func BuildInputJSONDeltaSSE(index int, partialJSON string) []byte {
	return buildBlockDeltaSSE(index, blockDeltaBody{Type: DeltaInputJSON, PartialJSON: partialJSON})
}

// -----------------------------------------------------------------------------
// ping / error
// -----------------------------------------------------------------------------

// BuildPingSSE emits a keepalive event.
func BuildPingSSE() []byte {
	return BuildSSEEvent(SSEPing, []byte(`{"type":"ping"}`))
}

// BuildErrorSSE emits an in-band protocol error on an already-open stream.
func BuildErrorSSE(errType, message string) []byte {
	ev := ErrorBody{
		Type:  SSEError,
		Error: ErrorDetail{Type: errType, Message: message},
	}
	jb, _ := json.Marshal(ev)
	return BuildSSEEvent(SSEError, jb)
}
