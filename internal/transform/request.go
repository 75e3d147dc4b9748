// Package transform rewrites requests and responses between the downstream
// Messages-style protocol and the upstream OpenAI-compatible chat protocol.
// Transformation never raises: failures degrade to a best-effort fallback
// plus an error field the caller can inspect.
package transform

import (
	"fmt"

	"github.com/lunarfang/ccbridge/internal/claude"
	"github.com/lunarfang/ccbridge/internal/config"
	"github.com/lunarfang/ccbridge/internal/json"
	"github.com/lunarfang/ccbridge/internal/thinking"
	"github.com/tidwall/gjson"
)

// Transformer converts between the two wire protocols. Safe for concurrent
// use; all per-request state lives in the arguments and results.
type Transformer struct {
	cfg  *config.Config
	sink DebugSink
}

// New creates a Transformer. A nil sink disables snapshots.
func New(cfg *config.Config, sink DebugSink) *Transformer {
	if sink == nil {
		sink = NopSink{}
	}
	return &Transformer{cfg: cfg, sink: sink}
}

// RequestResult is the outcome of one request transformation. When Err is
// non-nil, UpstreamBody holds the original untransformed request and
// Thinking is disabled; the caller decides whether to surface or retry.
type RequestResult struct {
	UpstreamBody  []byte
	Thinking      thinking.Config
	Model         string
	UpstreamModel string
	Stream        bool
	Err           error
}

// TransformRequest rewrites a downstream request into the upstream shape.
func (t *Transformer) TransformRequest(body []byte) (result *RequestResult) {
	defaultThinking := thinking.Config{
		Thinking: t.cfg.Thinking.Enabled,
		Effort:   thinking.Effort(t.cfg.Thinking.Effort),
	}

	defer func() {
		if r := recover(); r != nil {
			result = &RequestResult{
				UpstreamBody: body,
				Thinking:     thinking.Config{Thinking: false, Effort: thinking.EffortMedium},
				Stream:       streamRequested(body),
				Err:          fmt.Errorf("request transform panic: %v", r),
			}
		}
	}()

	t.sink.Dump("request_in", body)

	model := gjson.GetBytes(body, "model").String()
	route := t.cfg.RouteFor(model)
	tc := thinking.Resolve(body, defaultThinking)
	stream := streamRequested(body)

	upstream, err := t.buildUpstreamRequest(body, route, tc, stream)
	if err != nil {
		return &RequestResult{
			UpstreamBody: body,
			Thinking:     thinking.Config{Thinking: false, Effort: thinking.EffortMedium},
			Model:        model,
			Stream:       stream,
			Err:          err,
		}
	}

	t.sink.Dump("request_out", upstream)

	return &RequestResult{
		UpstreamBody:  upstream,
		Thinking:      tc,
		Model:         model,
		UpstreamModel: route.UpstreamModel,
		Stream:        stream,
	}
}

func streamRequested(body []byte) bool {
	stream := gjson.GetBytes(body, "stream")
	return !stream.Exists() || stream.Bool()
}

func (t *Transformer) buildUpstreamRequest(body []byte, route config.ModelRoute, tc thinking.Config, stream bool) ([]byte, error) {
	root := map[string]any{
		"model":  route.UpstreamModel,
		"stream": stream,
	}

	messages, err := flattenMessages(body, t.systemInstructions(tc))
	if err != nil {
		return nil, err
	}
	root["messages"] = messages

	if tools := convertTools(body); len(tools) > 0 {
		root["tools"] = tools
	}

	requested := int(gjson.GetBytes(body, "max_tokens").Int())
	root["max_tokens"] = clampMaxTokens(requested, route.MaxTokens, estimatePromptTokens(body))

	if temp := gjson.GetBytes(body, "temperature"); temp.Exists() {
		root["temperature"] = temp.Float()
	}
	if topP := gjson.GetBytes(body, "top_p"); topP.Exists() {
		root["top_p"] = topP.Float()
	}
	if stops := gjson.GetBytes(body, "stop_sequences"); stops.IsArray() {
		var stop []string
		stops.ForEach(func(_, s gjson.Result) bool {
			stop = append(stop, s.String())
			return true
		})
		if len(stop) > 0 {
			root["stop"] = stop
		}
	}

	if tc.Thinking {
		root["thinking"] = map[string]any{"type": "enabled"}
		root["reasoning_effort"] = wireEffort(tc.Effort)
	} else {
		root["thinking"] = map[string]any{"type": "disabled"}
	}

	return json.Marshal(root)
}

// wireEffort maps the resolved effort onto the upstream field, which only
// knows low/medium/high.
func wireEffort(effort thinking.Effort) string {
	if effort == thinking.EffortMax {
		return string(thinking.EffortHigh)
	}
	if effort == "" {
		return string(thinking.EffortMedium)
	}
	return string(effort)
}

// systemInstructions returns the injected instruction block: locale guidance
// plus a reasoning-style hint when thinking is enabled.
func (t *Transformer) systemInstructions(tc thinking.Config) string {
	out := fmt.Sprintf("Respond in the language the user writes in. Default locale: %s.", t.cfg.Locale)
	if !tc.Thinking {
		return out
	}
	switch tc.Effort {
	case thinking.EffortLow:
		out += " Reason briefly before answering."
	case thinking.EffortHigh, thinking.EffortMax:
		out += " Reason thoroughly and verify each step before answering."
	default:
		out += " Reason step by step before answering."
	}
	return out
}

// flattenMessages converts the structured downstream messages into the flat
// upstream array. Tool-result blocks become separate "tool" role messages
// that precede any sibling text message from the same downstream turn.
func flattenMessages(body []byte, injected string) ([]map[string]any, error) {
	var messages []map[string]any

	systemText := extractSystemText(body)
	if injected != "" {
		if systemText != "" {
			systemText += "\n\n"
		}
		systemText += injected
	}
	if systemText != "" {
		messages = append(messages, map[string]any{"role": "system", "content": systemText})
	}

	raw := gjson.GetBytes(body, "messages")
	if !raw.IsArray() {
		return nil, fmt.Errorf("request has no messages array")
	}

	raw.ForEach(func(_, msg gjson.Result) bool {
		switch msg.Get("role").String() {
		case claude.RoleUser:
			messages = append(messages, flattenUserMessage(msg)...)
		case claude.RoleAssistant:
			if m := flattenAssistantMessage(msg); m != nil {
				messages = append(messages, m)
			}
		default:
			// Unknown roles are dropped rather than failing the turn.
		}
		return true
	})
	if len(messages) == 0 {
		return nil, fmt.Errorf("request flattened to zero messages")
	}
	return messages, nil
}

func extractSystemText(body []byte) string {
	system := gjson.GetBytes(body, "system")
	if !system.Exists() {
		return ""
	}
	if system.Type == gjson.String {
		return system.String()
	}
	var out string
	system.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == claude.BlockText {
			if out != "" {
				out += "\n"
			}
			out += part.Get("text").String()
		}
		return true
	})
	return out
}

func flattenUserMessage(msg gjson.Result) []map[string]any {
	content := msg.Get("content")
	if content.Type == gjson.String {
		text := thinking.StripControlTags(content.String())
		if text == "" {
			return nil
		}
		return []map[string]any{{"role": "user", "content": text}}
	}
	if !content.IsArray() {
		return nil
	}

	var toolMessages []map[string]any
	var text string
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "tool_result":
			toolMessages = append(toolMessages, map[string]any{
				"role":         "tool",
				"tool_call_id": part.Get("tool_use_id").String(),
				"content":      toolResultText(part),
			})
		case claude.BlockText:
			if text != "" {
				text += "\n"
			}
			text += part.Get("text").String()
		}
		return true
	})

	out := toolMessages
	if stripped := thinking.StripControlTags(text); stripped != "" {
		out = append(out, map[string]any{"role": "user", "content": stripped})
	}
	return out
}

// toolResultText flattens a tool_result content field, which may be a plain
// string or an array of text blocks.
func toolResultText(part gjson.Result) string {
	content := part.Get("content")
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return content.Raw
	}
	var out string
	content.ForEach(func(_, inner gjson.Result) bool {
		if inner.Get("type").String() == claude.BlockText {
			if out != "" {
				out += "\n"
			}
			out += inner.Get("text").String()
		}
		return true
	})
	return out
}

func flattenAssistantMessage(msg gjson.Result) map[string]any {
	content := msg.Get("content")

	var text string
	var toolCalls []map[string]any

	if content.Type == gjson.String {
		text = content.String()
	} else if content.IsArray() {
		content.ForEach(func(_, part gjson.Result) bool {
			switch part.Get("type").String() {
			case claude.BlockText:
				if text != "" {
					text += "\n"
				}
				text += part.Get("text").String()
			case claude.BlockToolUse:
				args := part.Get("input").Raw
				if args == "" {
					args = "{}"
				}
				toolCalls = append(toolCalls, map[string]any{
					"id":   part.Get("id").String(),
					"type": "function",
					"function": map[string]any{
						"name":      part.Get("name").String(),
						"arguments": args,
					},
				})
			case claude.BlockThinking:
				// Reasoning is never echoed back upstream.
			}
			return true
		})
	}

	if text == "" && len(toolCalls) == 0 {
		return nil
	}
	out := map[string]any{"role": "assistant"}
	if text != "" {
		out["content"] = text
	}
	if len(toolCalls) > 0 {
		out["tool_calls"] = toolCalls
	}
	return out
}

func convertTools(body []byte) []map[string]any {
	raw := gjson.GetBytes(body, "tools")
	if !raw.IsArray() {
		return nil
	}
	var tools []map[string]any
	raw.ForEach(func(_, tool gjson.Result) bool {
		fn := map[string]any{
			"name":        tool.Get("name").String(),
			"description": tool.Get("description").String(),
		}
		if schema := tool.Get("input_schema"); schema.Exists() {
			fn["parameters"] = schema.Value()
		} else {
			fn["parameters"] = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, map[string]any{"type": "function", "function": fn})
		return true
	})
	return tools
}
