package tokens

import (
	"github.com/jonwraymond/llmguard/llm"
)

const (
	// ReserveBuffer is held back from the context window on top of the
	// output budget.
	ReserveBuffer = 500

	// MinPartialBudget is the remaining budget, in tokens, required before a
	// message that does not fit is cut down instead of dropped.
	MinPartialBudget = 100

	// TruncationMarker is appended to a message whose content was cut.
	TruncationMarker = "\n[...truncated]"
)

// Available returns the input budget left for the conversation once the
// output budget and ReserveBuffer are taken out of the context window.
func Available(contextLimit, maxOutputTokens int) int {
	return contextLimit - maxOutputTokens - ReserveBuffer
}

// Truncate fits conv into the model's context window. See Fit.
func Truncate(conv []llm.Message, maxOutputTokens, contextLimit int) []llm.Message {
	return Fit(conv, Available(contextLimit, maxOutputTokens))
}

// Fit returns a conversation whose estimated size is at most available.
//
// A conversation that already fits is returned as a copy. Otherwise the
// leading system message is kept whole, then the remaining messages are
// kept newest first while they fit. The first message that does not fit is
// cut to the remaining budget when more than MinPartialBudget tokens are
// left, and the walk stops there. Output order is chronological.
//
// When available is not positive only the leading system message (if any)
// survives. Fit never fails.
func Fit(conv []llm.Message, available int) []llm.Message {
	var system *llm.Message
	rest := conv
	if len(conv) > 0 && conv[0].Role == llm.RoleSystem {
		system = &conv[0]
		rest = conv[1:]
	}

	if available <= 0 {
		if system != nil {
			return []llm.Message{*system}
		}
		return []llm.Message{}
	}

	if EstimateMessages(conv) <= available {
		return llm.Clone(conv)
	}

	budget := available
	if system != nil {
		budget -= Estimate(system.Content)
		if budget <= 0 {
			return []llm.Message{*system}
		}
	}

	// kept is filled newest first and reversed at the end.
	kept := make([]llm.Message, 0, len(rest))
	for i := len(rest) - 1; i >= 0; i-- {
		msg := rest[i]
		size := Estimate(msg.Content)
		if size <= budget {
			kept = append(kept, msg)
			budget -= size
			continue
		}
		if budget > MinPartialBudget {
			msg.Content = cut(msg.Content, budget)
			kept = append(kept, msg)
		}
		break
	}

	out := make([]llm.Message, 0, len(kept)+1)
	if system != nil {
		out = append(out, *system)
	}
	for i := len(kept) - 1; i >= 0; i-- {
		out = append(out, kept[i])
	}
	return out
}

// cut shortens content so that content plus TruncationMarker estimates to
// at most budget tokens.
func cut(content string, budget int) string {
	markerLen := len([]rune(TruncationMarker))
	keep := budget*CharsPerToken - markerLen
	if keep <= 0 {
		return TruncationMarker
	}
	runes := []rune(content)
	if keep >= len(runes) {
		return content
	}
	return string(runes[:keep]) + TruncationMarker
}
