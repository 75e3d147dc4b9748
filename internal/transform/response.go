package transform

import (
	"fmt"

	"github.com/lunarfang/ccbridge/internal/claude"
	"github.com/lunarfang/ccbridge/internal/json"
	"github.com/tidwall/gjson"
)

// TransformResponse converts a complete (non-streaming) upstream chat
// completion into the downstream message shape. The downstream model name is
// echoed back so the caller sees the alias it asked for. Like the request
// path, this never fails outright: unusable upstream bodies degrade to a
// single text block carrying a description of the problem.
func (t *Transformer) TransformResponse(body []byte, model string) (result *claude.MessageResponse) {
	defer func() {
		if r := recover(); r != nil {
			result = fallbackResponse(model, fmt.Sprintf("response transform panic: %v", r))
		}
	}()

	t.sink.Dump("response_in", body)

	if !json.Valid(body) {
		return fallbackResponse(model, "upstream returned a non-JSON response body")
	}

	choice := gjson.GetBytes(body, "choices.0")
	if !choice.Exists() {
		return fallbackResponse(model, "upstream response has no choices")
	}
	message := choice.Get("message")

	var content []claude.ContentBlock

	if reasoning := message.Get("reasoning_content").String(); reasoning != "" {
		content = append(content, claude.ContentBlock{
			Type:      claude.BlockThinking,
			Thinking:  reasoning,
			Signature: claude.GenerateSignature(reasoning),
		})
	}
	if text := message.Get("content").String(); text != "" {
		content = append(content, claude.ContentBlock{
			Type: claude.BlockText,
			Text: text,
		})
	}
	message.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		content = append(content, toolUseBlock(call))
		return true
	})

	if len(content) == 0 {
		content = append(content, claude.ContentBlock{Type: claude.BlockText, Text: ""})
	}

	resp := &claude.MessageResponse{
		ID:         claude.NewMessageID(),
		Type:       "message",
		Role:       claude.RoleAssistant,
		Model:      model,
		Content:    content,
		StopReason: claude.MapStopReason(choice.Get("finish_reason").String()),
		Usage: claude.Usage{
			InputTokens:  int(gjson.GetBytes(body, "usage.prompt_tokens").Int()),
			OutputTokens: int(gjson.GetBytes(body, "usage.completion_tokens").Int()),
		},
	}

	if out, err := json.Marshal(resp); err == nil {
		t.sink.Dump("response_out", out)
	}
	return resp
}

// toolUseBlock converts one upstream tool call. Arguments are parsed eagerly;
// malformed argument JSON is preserved under a sentinel wrapper instead of
// being dropped, so the caller can still see what the model produced.
func toolUseBlock(call gjson.Result) claude.ContentBlock {
	id := call.Get("id").String()
	if id == "" {
		id = claude.NewToolID()
	}

	args := call.Get("function.arguments").String()
	input := ParseToolInput(args)

	return claude.ContentBlock{
		Type:  claude.BlockToolUse,
		ID:    id,
		Name:  call.Get("function.name").String(),
		Input: input,
	}
}

// ParseToolInput decodes a tool-call argument string into the structured
// input object. Empty arguments become an empty object; anything that fails
// to parse is wrapped rather than discarded.
func ParseToolInput(args string) map[string]any {
	if args == "" {
		return map[string]any{}
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(args), &input); err != nil || input == nil {
		return map[string]any{
			"__parse_error": "tool arguments were not valid JSON",
			"raw":           args,
		}
	}
	return input
}

func fallbackResponse(model, reason string) *claude.MessageResponse {
	return &claude.MessageResponse{
		ID:         claude.NewMessageID(),
		Type:       "message",
		Role:       claude.RoleAssistant,
		Model:      model,
		Content:    []claude.ContentBlock{{Type: claude.BlockText, Text: reason}},
		StopReason: claude.StopEndTurn,
	}
}
