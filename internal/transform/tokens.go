package transform

import (
	"sync"

	log "github.com/lunarfang/ccbridge/internal/logging"
	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

const (
	defaultContextWindow = 131072
	defaultOutputBudget  = 32768
	minOutputBudget      = 1024
)

var codecOnce = sync.OnceValues(func() (tokenizer.Codec, error) {
	return tokenizer.Get(tokenizer.Cl100kBase)
})

// countTokens estimates the token count of text. Falls back to a bytes/4
// heuristic when the tokenizer is unavailable.
func countTokens(text string) int {
	codec, err := codecOnce()
	if err != nil {
		log.WithError(err).Debugf("tokenizer unavailable, using byte heuristic")
		return len(text)/4 + 1
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return len(text)/4 + 1
	}
	return len(ids)
}

// estimatePromptTokens walks the downstream request and sums a rough token
// estimate over system and message text. The estimate only needs to be good
// enough to keep prompt+output inside the context window.
func estimatePromptTokens(body []byte) int {
	total := 0

	if system := gjson.GetBytes(body, "system"); system.Exists() {
		if system.Type == gjson.String {
			total += countTokens(system.String())
		} else if system.IsArray() {
			system.ForEach(func(_, part gjson.Result) bool {
				total += countTokens(part.Get("text").String())
				return true
			})
		}
	}

	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.Type == gjson.String {
			total += countTokens(content.String())
			return true
		}
		content.ForEach(func(_, part gjson.Result) bool {
			switch part.Get("type").String() {
			case "text":
				total += countTokens(part.Get("text").String())
			case "tool_result":
				total += countTokens(part.Get("content").Raw)
			case "tool_use":
				total += countTokens(part.Get("input").Raw)
			}
			return true
		})
		return true
	})

	gjson.GetBytes(body, "tools").ForEach(func(_, tool gjson.Result) bool {
		total += countTokens(tool.Raw)
		return true
	})

	return total
}

// clampMaxTokens bounds the requested output tokens to the mapped model's
// budget, then shrinks further if the prompt estimate would overflow the
// context window. Never returns less than minOutputBudget.
func clampMaxTokens(requested, budget, promptTokens int) int {
	if budget <= 0 {
		budget = defaultOutputBudget
	}
	out := requested
	if out <= 0 || out > budget {
		out = budget
	}
	if remaining := defaultContextWindow - promptTokens; out > remaining {
		out = remaining
	}
	if out < minOutputBudget {
		out = minOutputBudget
	}
	return out
}
