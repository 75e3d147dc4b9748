// Package stream converts upstream chat-completion chunks into the typed
// downstream SSE event sequence. The Accumulator owns cross-chunk turn state;
// the Parser drives it from raw chunk payloads.
package stream

import (
	"strings"

	"github.com/lunarfang/ccbridge/internal/claude"
)

// blockKind tags the currently open content block. At most one block is open
// at any moment; illegal double-open states are unrepresentable.
type blockKind int

const (
	blockNone blockKind = iota
	blockThinking
	blockText
	blockTool
)

// Accumulator tracks the downstream view of one streamed turn: message
// lifecycle, the single open block, block indices, thinking text for
// signature generation, and the consecutive-thinking loop counter.
type Accumulator struct {
	messageID string
	model     string

	messageStarted bool
	finalized      bool

	open        blockKind
	openIndex   int
	nextIndex   int
	thinkingBuf strings.Builder

	// thinkingRun counts thinking blocks closed since the last tool_use
	// block. Text blocks do not reset it.
	thinkingRun int

	usage        claude.Usage
	sawUsage     bool
	finishReason string
	sawFinish    bool
}

// NewAccumulator starts a fresh turn. The model is the downstream alias so
// message_start echoes what the caller asked for.
func NewAccumulator(model string) *Accumulator {
	return &Accumulator{
		messageID: claude.NewMessageID(),
		model:     model,
	}
}

// ensureStarted emits message_start exactly once per turn.
func (a *Accumulator) ensureStarted(out *[][]byte) {
	if a.messageStarted {
		return
	}
	a.messageStarted = true
	*out = append(*out, claude.BuildMessageStartSSE(a.messageID, a.model))
}

// closeOpenBlock closes whatever block is open. A thinking block with
// accumulated text gets a signature_delta first; an empty one closes silently
// apart from its block_stop.
func (a *Accumulator) closeOpenBlock(out *[][]byte) {
	switch a.open {
	case blockNone:
		return
	case blockThinking:
		if text := a.thinkingBuf.String(); text != "" {
			*out = append(*out, claude.BuildSignatureDeltaSSE(a.openIndex, claude.GenerateSignature(text)))
		}
		a.thinkingBuf.Reset()
		a.thinkingRun++
	case blockTool:
		a.thinkingRun = 0
	}
	*out = append(*out, claude.BuildBlockStopSSE(a.openIndex))
	a.open = blockNone
}

// loopGuardTripped reports whether the consecutive-thinking counter has
// reached the threshold. A non-positive threshold disables the guard.
func (a *Accumulator) loopGuardTripped(threshold int) bool {
	return threshold > 0 && a.thinkingRun >= threshold
}

func (a *Accumulator) openThinking(out *[][]byte) {
	a.open = blockThinking
	a.openIndex = a.nextIndex
	a.nextIndex++
	*out = append(*out, claude.BuildThinkingBlockStartSSE(a.openIndex))
}

func (a *Accumulator) openText(out *[][]byte) {
	a.open = blockText
	a.openIndex = a.nextIndex
	a.nextIndex++
	*out = append(*out, claude.BuildTextBlockStartSSE(a.openIndex))
}

func (a *Accumulator) openTool(out *[][]byte, toolID, name string) int {
	a.open = blockTool
	a.openIndex = a.nextIndex
	a.nextIndex++
	*out = append(*out, claude.BuildToolUseBlockStartSSE(a.openIndex, toolID, name))
	return a.openIndex
}

func (a *Accumulator) appendThinking(out *[][]byte, fragment string) {
	a.thinkingBuf.WriteString(fragment)
	*out = append(*out, claude.BuildThinkingDeltaSSE(a.openIndex, fragment))
}

func (a *Accumulator) appendText(out *[][]byte, fragment string) {
	*out = append(*out, claude.BuildTextDeltaSSE(a.openIndex, fragment))
}

func (a *Accumulator) recordUsage(input, output int) {
	a.usage = claude.Usage{InputTokens: input, OutputTokens: output}
	a.sawUsage = true
}

func (a *Accumulator) recordFinish(reason string) {
	a.finishReason = reason
	a.sawFinish = true
}

// readyToFinalize reports whether both finalization triggers have arrived.
func (a *Accumulator) readyToFinalize() bool {
	return a.sawUsage && a.sawFinish
}

// finalize closes any open block and emits message_delta plus message_stop.
// Idempotent: a second call appends nothing.
func (a *Accumulator) finalize(out *[][]byte) {
	if a.finalized {
		return
	}
	a.finalized = true

	a.ensureStarted(out)
	a.closeOpenBlock(out)

	var usage *claude.Usage
	if a.sawUsage {
		usage = &a.usage
	}
	*out = append(*out, claude.BuildMessageDeltaSSE(claude.MapStopReason(a.finishReason), usage))
	*out = append(*out, claude.BuildMessageStopSSE())
}

// Finalized reports whether the turn has been closed.
func (a *Accumulator) Finalized() bool {
	return a.finalized
}

// Usage returns the recorded token counters, or nil if none arrived.
func (a *Accumulator) Usage() *claude.Usage {
	if !a.sawUsage {
		return nil
	}
	u := a.usage
	return &u
}
