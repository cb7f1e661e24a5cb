// Package tokens estimates text size in model tokens and fits conversations
// into a token budget.
//
// The estimate is deliberately coarse (four characters per token) so the
// package never depends on a model-specific tokenizer.
package tokens

import (
	"unicode/utf8"

	"github.com/jonwraymond/llmguard/llm"
)

// CharsPerToken is the characters-per-token ratio used by Estimate.
const CharsPerToken = 4

// Estimate approximates the number of tokens in text.
// It returns 0 for empty text and at least 1 otherwise.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return max(1, n/CharsPerToken)
}

// EstimateMessages sums Estimate over the content of msgs.
func EstimateMessages(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += Estimate(m.Content)
	}
	return total
}
