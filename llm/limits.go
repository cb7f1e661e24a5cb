package llm

import "strings"

// DefaultContextLimit is used for models missing from a ContextLimits table.
const DefaultContextLimit = 8192

// ContextLimits maps model identifiers to their context window, in tokens.
type ContextLimits map[string]int

// DefaultContextLimits returns limits for commonly used models.
func DefaultContextLimits() ContextLimits {
	return ContextLimits{
		"gpt-4o":            128000,
		"gpt-4o-mini":       128000,
		"gpt-4-turbo":       128000,
		"gpt-4":             8192,
		"gpt-3.5-turbo":     16385,
		"claude-3-5-sonnet": 200000,
		"claude-3-haiku":    200000,
		"llama3":            8192,
	}
}

// Lookup returns the context window for model. An exact match wins; then
// the longest table key that prefixes model (so "gpt-4o-2024-08-06" uses
// "gpt-4o"); otherwise DefaultContextLimit.
func (l ContextLimits) Lookup(model string) int {
	if n, ok := l[model]; ok && n > 0 {
		return n
	}

	best, bestLen := 0, 0
	for name, n := range l {
		if n > 0 && len(name) > bestLen && strings.HasPrefix(model, name) {
			best, bestLen = n, len(name)
		}
	}
	if best > 0 {
		return best
	}
	return DefaultContextLimit
}

// Validate checks that every message has a known role.
func Validate(msgs []Message) error {
	if len(msgs) == 0 {
		return ErrEmptyConversation
	}
	for _, m := range msgs {
		if !m.Role.Valid() {
			return ErrInvalidRole
		}
	}
	return nil
}
