// Package thinking resolves whether a turn should ask the upstream model to
// reason, and how hard. Resolution never fails: unrecognized input falls
// through to the next tier.
package thinking

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Effort grades the requested reasoning depth.
type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
	EffortMax    Effort = "max"
)

// Config is the fully-resolved thinking setting for one request. Immutable
// once resolved.
type Config struct {
	Thinking bool
	Effort   Effort
}

var (
	thinkingTagRe = regexp.MustCompile(`(?i)<\s*thinking\s*:\s*(on|off)\s*>`)
	effortTagRe   = regexp.MustCompile(`(?i)<\s*effort\s*:\s*(low|medium|high)\s*>`)
)

// Keyword triggers in priority order: the first match wins even when several
// appear in the same message.
var keywordTriggers = []struct {
	keyword string
	effort  Effort
}{
	{"ultrathink", EffortMax},
	{"think harder", EffortHigh},
	{"think hard", EffortMedium},
	{"think", EffortLow},
}

// Resolve derives the effective thinking configuration from the downstream
// request body. Precedence: explicit thinking parameter, inline control tags
// in the latest user message, keyword triggers, configured default.
func Resolve(body []byte, def Config) Config {
	if def.Effort == "" {
		def.Effort = EffortMedium
	}

	if cfg, ok := resolveExplicit(body, def); ok {
		return cfg
	}

	text := latestUserText(body)

	if cfg, ok := resolveTags(text, def); ok {
		return cfg
	}
	if cfg, ok := resolveKeywords(text); ok {
		return cfg
	}
	return def
}

// resolveExplicit honors a per-request thinking parameter, which always wins.
func resolveExplicit(body []byte, def Config) (Config, bool) {
	typ := gjson.GetBytes(body, "thinking.type")
	if !typ.Exists() {
		return Config{}, false
	}
	switch typ.String() {
	case "enabled":
		effort := def.Effort
		if budget := gjson.GetBytes(body, "thinking.budget_tokens"); budget.Exists() {
			effort = budgetToEffort(int(budget.Int()), def.Effort)
		}
		return Config{Thinking: true, Effort: effort}, true
	case "disabled":
		return Config{Thinking: false, Effort: def.Effort}, true
	}
	// Unrecognized type falls through to the next tier.
	return Config{}, false
}

// resolveTags consults inline control tags embedded in the latest user text.
func resolveTags(text string, def Config) (Config, bool) {
	thinkingMatch := thinkingTagRe.FindStringSubmatch(text)
	effortMatch := effortTagRe.FindStringSubmatch(text)
	if thinkingMatch == nil && effortMatch == nil {
		return Config{}, false
	}

	cfg := Config{Thinking: true, Effort: def.Effort}
	if thinkingMatch != nil && strings.EqualFold(thinkingMatch[1], "off") {
		cfg.Thinking = false
	}
	if effortMatch != nil {
		cfg.Effort = Effort(strings.ToLower(effortMatch[1]))
	}
	return cfg, true
}

// resolveKeywords scans for natural-language triggers by priority.
func resolveKeywords(text string) (Config, bool) {
	lowered := strings.ToLower(text)
	for _, trigger := range keywordTriggers {
		if strings.Contains(lowered, trigger.keyword) {
			return Config{Thinking: true, Effort: trigger.effort}, true
		}
	}
	return Config{}, false
}

// StripControlTags removes inline thinking and effort tags so they never
// reach the upstream model as prompt text.
func StripControlTags(text string) string {
	text = thinkingTagRe.ReplaceAllString(text, "")
	text = effortTagRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

func budgetToEffort(budget int, fallback Effort) Effort {
	switch {
	case budget <= 0:
		return fallback
	case budget <= 1024:
		return EffortLow
	case budget <= 8192:
		return EffortMedium
	case budget <= 32768:
		return EffortHigh
	default:
		return EffortMax
	}
}

// latestUserText returns the concatenated text content of the most recent
// user message. Structured content contributes only its text parts.
func latestUserText(body []byte) string {
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() {
		return ""
	}

	var latest gjson.Result
	messages.ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() == "user" {
			latest = msg
		}
		return true
	})
	if !latest.Exists() {
		return ""
	}

	content := latest.Get("content")
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}

	var sb strings.Builder
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			sb.WriteString(part.Get("text").String())
			sb.WriteByte('\n')
		}
		return true
	})
	return sb.String()
}
