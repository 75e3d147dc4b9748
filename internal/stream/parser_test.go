package stream

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

// eventName extracts the SSE event name from one framed event.
func eventName(ev []byte) string {
	s := string(ev)
	if !strings.HasPrefix(s, "event: ") {
		return ""
	}
	return s[len("event: "):strings.Index(s, "\n")]
}

// eventData extracts the JSON payload from one framed event.
func eventData(ev []byte) gjson.Result {
	s := string(ev)
	i := strings.Index(s, "\ndata: ")
	return gjson.Parse(strings.TrimSpace(s[i+len("\ndata: "):]))
}

func names(events [][]byte) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = eventName(ev)
	}
	return out
}

func collect(p *Parser, payloads ...string) [][]byte {
	var all [][]byte
	for _, payload := range payloads {
		all = append(all, p.ProcessLine([]byte(payload))...)
	}
	return all
}

func TestParserFullTurnEventSequence(t *testing.T) {
	p := NewParser("claude-sonnet-4", 3)

	events := collect(p,
		`{"choices":[{"delta":{"reasoning_content":"let me check"}}]}`,
		`{"choices":[{"delta":{"reasoning_content":" the file"}}]}`,
		`{"choices":[{"delta":{"content":"Here is"}}]}`,
		`{"choices":[{"delta":{"content":" the fix."}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":100,"completion_tokens":40}}`,
	)

	got := names(events)
	want := []string{
		"message_start",
		"content_block_start",
		"content_block_delta", // thinking
		"content_block_delta",
		"content_block_delta", // signature
		"content_block_stop",
		"content_block_start",
		"content_block_delta", // text
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	if len(got) != len(want) {
		t.Fatalf("event names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}

	// thinking close must carry a signature
	sig := eventData(events[4])
	if sig.Get("delta.type").String() != "signature_delta" {
		t.Errorf("events[4] delta.type = %q, want signature_delta", sig.Get("delta.type").String())
	}
	if sig.Get("delta.signature").String() == "" {
		t.Error("signature_delta has empty signature")
	}

	// message_delta carries the mapped stop reason and usage
	md := eventData(events[len(events)-2])
	if md.Get("delta.stop_reason").String() != "end_turn" {
		t.Errorf("stop_reason = %q, want end_turn", md.Get("delta.stop_reason").String())
	}
	if md.Get("usage.input_tokens").Int() != 100 || md.Get("usage.output_tokens").Int() != 40 {
		t.Errorf("usage = %s, want 100/40", md.Get("usage").Raw)
	}

	if !p.Finalized() {
		t.Error("parser should be finalized after usage+finish_reason")
	}
}

func TestParserExactlyOneMessageStartAndStop(t *testing.T) {
	p := NewParser("m", 3)
	events := collect(p,
		`{"choices":[{"delta":{"content":"a"}}]}`,
		`{"choices":[{"delta":{"content":"b"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	)
	events = append(events, p.ProcessDone()...)
	events = append(events, p.ProcessDone()...)

	counts := map[string]int{}
	for _, n := range names(events) {
		counts[n]++
	}
	if counts["message_start"] != 1 {
		t.Errorf("message_start count = %d, want 1", counts["message_start"])
	}
	if counts["message_delta"] != 1 || counts["message_stop"] != 1 {
		t.Errorf("message_delta/stop counts = %d/%d, want 1/1", counts["message_delta"], counts["message_stop"])
	}
	got := names(events)
	if got[0] != "message_start" || got[len(got)-2] != "message_delta" || got[len(got)-1] != "message_stop" {
		t.Errorf("sequence boundaries wrong: %v", got)
	}
}

func TestParserDoubleFinalizeIsIdempotent(t *testing.T) {
	p := NewParser("m", 3)
	p.ProcessLine([]byte(`{"choices":[{"delta":{"content":"x"}}]}`))

	first := p.ProcessDone()
	if len(first) == 0 {
		t.Fatal("first finalize produced no events")
	}
	second := p.ProcessDone()
	if len(second) != 0 {
		t.Errorf("second finalize produced %d events, want 0: %v", len(second), names(second))
	}

	// finalized parsers ignore further chunks
	late := p.ProcessLine([]byte(`{"choices":[{"delta":{"content":"late"}}]}`))
	if len(late) != 0 {
		t.Errorf("post-finalize chunk produced %d events, want 0", len(late))
	}
}

func TestParserEmptyThinkingCloseHasNoSignature(t *testing.T) {
	p := NewParser("m", 3)

	// Open a thinking block via the accumulator without any delta, then
	// close it by switching to text.
	var out [][]byte
	p.acc.ensureStarted(&out)
	p.acc.openThinking(&out)

	events := p.ProcessLine([]byte(`{"choices":[{"delta":{"content":"hello"}}]}`))
	for _, ev := range events {
		if eventData(ev).Get("delta.type").String() == "signature_delta" {
			t.Fatal("empty thinking block close emitted a signature_delta")
		}
	}
	if names(events)[0] != "content_block_stop" {
		t.Errorf("expected the empty thinking block to close first, got %v", names(events))
	}
}

func TestParserLoopGuardForcesFinalization(t *testing.T) {
	p := NewParser("m", 3)

	// thinking / text alternation with no tool calls: the guard fires the
	// moment the third thinking block closes, before any further block opens.
	var events [][]byte
	for i := 0; i < 2; i++ {
		events = append(events, p.ProcessLine([]byte(`{"choices":[{"delta":{"reasoning_content":"loop"}}]}`))...)
		events = append(events, p.ProcessLine([]byte(`{"choices":[{"delta":{"content":"hmm"}}]}`))...)
	}
	events = append(events, p.ProcessLine([]byte(`{"choices":[{"delta":{"reasoning_content":"loop"}}]}`))...)
	if p.Finalized() {
		t.Fatal("guard fired too early")
	}

	events = append(events, p.ProcessLine([]byte(`{"choices":[{"delta":{"content":"hmm"}}]}`))...)
	if !p.Finalized() {
		t.Fatal("guard did not fire after three thinking blocks with no tool_use")
	}

	got := names(events)
	if got[len(got)-1] != "message_stop" || got[len(got)-2] != "message_delta" {
		t.Errorf("forced finalization should end with message_delta, message_stop: %v", got[len(got)-4:])
	}
	// no fourth thinking block opened
	starts := 0
	for _, ev := range events {
		if eventName(ev) == "content_block_start" && eventData(ev).Get("content_block.type").String() == "thinking" {
			starts++
		}
	}
	if starts != 3 {
		t.Errorf("thinking content_block_start count = %d, want 3", starts)
	}
	// forced stop maps to end_turn
	for _, ev := range events {
		if eventName(ev) == "message_delta" {
			if got := eventData(ev).Get("delta.stop_reason").String(); got != "end_turn" {
				t.Errorf("forced stop_reason = %q, want end_turn", got)
			}
		}
	}
}

func TestParserToolUseResetsLoopGuard(t *testing.T) {
	p := NewParser("m", 3)

	chunks := []string{
		`{"choices":[{"delta":{"reasoning_content":"r1"}}]}`,
		`{"choices":[{"delta":{"content":"t1"}}]}`,
		`{"choices":[{"delta":{"reasoning_content":"r2"}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"bash","arguments":"{\"c"}}]}}]}`,
		`{"choices":[{"delta":{"reasoning_content":"r3"}}]}`,
		`{"choices":[{"delta":{"content":"t3"}}]}`,
		`{"choices":[{"delta":{"reasoning_content":"r4"}}]}`,
	}
	collect(p, chunks...)

	if p.Finalized() {
		t.Error("tool_use between thinking blocks should reset the loop counter")
	}
}

func TestParserToolCallStreaming(t *testing.T) {
	p := NewParser("m", 3)

	events := collect(p,
		`{"choices":[{"delta":{"content":"running it"}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_9","function":{"name":"bash","arguments":"{\"cmd\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"ls\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5}}`,
	)

	var starts, argDeltas []gjson.Result
	for _, ev := range events {
		data := eventData(ev)
		switch {
		case eventName(ev) == "content_block_start" && data.Get("content_block.type").String() == "tool_use":
			starts = append(starts, data)
		case data.Get("delta.type").String() == "input_json_delta":
			argDeltas = append(argDeltas, data)
		}
	}

	if len(starts) != 1 {
		t.Fatalf("tool_use content_block_start count = %d, want 1", len(starts))
	}
	if starts[0].Get("content_block.id").String() != "call_9" {
		t.Errorf("tool id = %q, want call_9", starts[0].Get("content_block.id").String())
	}
	if starts[0].Get("content_block.name").String() != "bash" {
		t.Errorf("tool name = %q, want bash", starts[0].Get("content_block.name").String())
	}

	if len(argDeltas) != 2 {
		t.Fatalf("input_json_delta count = %d, want 2", len(argDeltas))
	}
	joined := argDeltas[0].Get("delta.partial_json").String() + argDeltas[1].Get("delta.partial_json").String()
	if joined != `{"cmd":"ls"}` {
		t.Errorf("verbatim fragments reassemble to %q", joined)
	}

	// tool_calls finish maps to tool_use
	for _, ev := range events {
		if eventName(ev) == "message_delta" {
			if got := eventData(ev).Get("delta.stop_reason").String(); got != "tool_use" {
				t.Errorf("stop_reason = %q, want tool_use", got)
			}
		}
	}
}

func TestParserGeneratesToolIDWhenMissing(t *testing.T) {
	p := NewParser("m", 3)
	events := collect(p,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"name":"bash","arguments":"{}"}}]}}]}`,
	)
	for _, ev := range events {
		data := eventData(ev)
		if data.Get("content_block.type").String() == "tool_use" {
			if id := data.Get("content_block.id").String(); !strings.HasPrefix(id, "toolu_") {
				t.Errorf("generated tool id = %q, want toolu_ prefix", id)
			}
			return
		}
	}
	t.Fatal("no tool_use block start emitted")
}

func TestParserIgnoresPayloadFreeChunks(t *testing.T) {
	p := NewParser("m", 3)

	// Keepalive-style chunks carry no delta, finish_reason, or usage and
	// must not start the turn.
	for _, payload := range []string{`{}`, `{"choices":[{"delta":{}}]}`, `{"choices":[]}`} {
		if out := p.ProcessLine([]byte(payload)); len(out) != 0 {
			t.Errorf("ProcessLine(%q) produced %v, want none", payload, names(out))
		}
	}

	events := collect(p, `{"choices":[{"delta":{"content":"ok"}}]}`)
	if len(events) == 0 || names(events)[0] != "message_start" {
		t.Errorf("first payload-bearing chunk should open the turn: %v", names(events))
	}
}

func TestParserSkipsMalformedChunks(t *testing.T) {
	p := NewParser("m", 3)
	if out := p.ProcessLine([]byte(`{garbage`)); len(out) != 0 {
		t.Errorf("malformed chunk produced %d events, want 0", len(out))
	}
	events := collect(p, `{"choices":[{"delta":{"content":"ok"}}]}`)
	if names(events)[0] != "message_start" {
		t.Errorf("stream should recover after a malformed chunk: %v", names(events))
	}
}
