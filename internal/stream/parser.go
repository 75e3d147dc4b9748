package stream

import (
	"github.com/lunarfang/ccbridge/internal/claude"
	"github.com/tidwall/gjson"
)

// Parser converts upstream chunk payloads (the JSON after each "data:" line)
// into downstream SSE events. One Parser handles one turn; not safe for
// concurrent use.
type Parser struct {
	acc                *Accumulator
	tools              toolCallSet
	loopGuardThreshold int
}

// NewParser starts a parser for one streamed turn. The model is the
// downstream alias; threshold bounds consecutive thinking blocks before the
// turn is force-finalized.
func NewParser(model string, loopGuardThreshold int) *Parser {
	return &Parser{
		acc:                NewAccumulator(model),
		tools:              make(toolCallSet),
		loopGuardThreshold: loopGuardThreshold,
	}
}

// ProcessLine handles one upstream chunk payload and returns the downstream
// events it produces. Unparseable chunks are skipped rather than failing the
// stream. After finalization all further chunks are ignored.
func (p *Parser) ProcessLine(payload []byte) [][]byte {
	if p.acc.finalized || !gjson.ValidBytes(payload) {
		return nil
	}

	var out [][]byte
	chunk := gjson.ParseBytes(payload)

	choice := chunk.Get("choices.0")
	delta := choice.Get("delta")

	reasoning := delta.Get("reasoning_content").String()
	text := delta.Get("content").String()
	calls := delta.Get("tool_calls")
	finish := choice.Get("finish_reason")
	usage := chunk.Get("usage")

	sawFinish := finish.Exists() && finish.Type == gjson.String

	// Only a chunk carrying some payload starts the turn; empty keepalive
	// chunks must not emit message_start.
	if reasoning == "" && text == "" && !calls.IsArray() && !sawFinish && !usage.IsObject() {
		return nil
	}
	p.acc.ensureStarted(&out)

	if reasoning != "" {
		p.handleThinking(&out, reasoning)
	}
	if p.acc.finalized {
		return out
	}

	if text != "" {
		p.handleText(&out, text)
	}

	if calls.IsArray() {
		calls.ForEach(func(_, call gjson.Result) bool {
			p.handleToolCall(&out, call)
			return !p.acc.finalized
		})
	}

	if sawFinish {
		p.acc.recordFinish(finish.String())
	}
	if usage.IsObject() {
		p.acc.recordUsage(
			int(usage.Get("prompt_tokens").Int()),
			int(usage.Get("completion_tokens").Int()),
		)
	}

	if !p.acc.finalized && p.acc.readyToFinalize() {
		p.acc.finalize(&out)
	}
	return out
}

// ProcessDone finalizes the turn at end of stream. Idempotent.
func (p *Parser) ProcessDone() [][]byte {
	var out [][]byte
	p.acc.finalize(&out)
	return out
}

// Usage returns the recorded token counters once the upstream has sent them.
func (p *Parser) Usage() *claude.Usage {
	return p.acc.Usage()
}

// Finalized reports whether the downstream turn has been closed.
func (p *Parser) Finalized() bool {
	return p.acc.Finalized()
}

func (p *Parser) handleThinking(out *[][]byte, fragment string) {
	if p.acc.open != blockThinking {
		p.acc.closeOpenBlock(out)
		if p.acc.loopGuardTripped(p.loopGuardThreshold) {
			p.acc.finalize(out)
			return
		}
		p.acc.openThinking(out)
	}
	p.acc.appendThinking(out, fragment)
}

func (p *Parser) handleText(out *[][]byte, fragment string) {
	if p.acc.open != blockText {
		p.acc.closeOpenBlock(out)
		if p.acc.loopGuardTripped(p.loopGuardThreshold) {
			p.acc.finalize(out)
			return
		}
		p.acc.openText(out)
	}
	p.acc.appendText(out, fragment)
}

func (p *Parser) handleToolCall(out *[][]byte, call gjson.Result) {
	index := int(call.Get("index").Int())
	tc, fresh := p.tools.ensure(index, call.Get("id").String(), call.Get("function.name").String())

	if fresh {
		p.acc.closeOpenBlock(out)
		if p.acc.loopGuardTripped(p.loopGuardThreshold) {
			p.acc.finalize(out)
			return
		}
		tc.blockIndex = p.acc.openTool(out, tc.id, tc.name)
	}

	if args := call.Get("function.arguments").String(); args != "" {
		*out = append(*out, claude.BuildInputJSONDeltaSSE(tc.blockIndex, args))
	}
}
