package stream

import "github.com/lunarfang/ccbridge/internal/claude"

// toolCall tracks one upstream tool call, keyed by the upstream index field.
// The downstream block index is assigned when the first fragment for the
// index arrives; argument fragments are forwarded verbatim, never parsed.
type toolCall struct {
	id         string
	name       string
	blockIndex int
}

// toolCallSet maps upstream tool-call indices to their downstream blocks.
type toolCallSet map[int]*toolCall

// ensure returns the tracked call for an upstream index, creating it (and
// generating an id when the upstream sent none) on first sight. The second
// return reports whether the call is new.
func (s toolCallSet) ensure(index int, id, name string) (*toolCall, bool) {
	if tc, ok := s[index]; ok {
		if tc.id == "" && id != "" {
			tc.id = id
		}
		if tc.name == "" && name != "" {
			tc.name = name
		}
		return tc, false
	}
	if id == "" {
		id = claude.NewToolID()
	}
	tc := &toolCall{id: id, name: name}
	s[index] = tc
	return tc, true
}
