// Package tokens provides tiktoken-based token counting for context budgeting.
package tokens

import (
	"fmt"
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// Counter provides token counting for provider context budgeting.
// All supported models approximate with the GPT-4 encoding; Claude, Gemini,
// and the open-weight models tokenize closely enough for budget math.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter creates a token counter for the given model name.
func NewCounter(model string) (*Counter, error) {
	tikModel := tokenizer.GPT4
	if strings.HasPrefix(model, "gpt-3.5") {
		tikModel = tokenizer.GPT35Turbo
	}

	codec, err := tokenizer.ForModel(tikModel)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &Counter{codec: codec}, nil
}

// Count returns the number of tokens in the given text.
func (c *Counter) Count(text string) int {
	if c == nil || c.codec == nil {
		// Fallback to character-based estimation (4 chars ≈ 1 token)
		return len(text) / 4
	}

	count, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// CountAll sums the token counts of several texts plus a small per-message
// overhead for role framing.
func (c *Counter) CountAll(texts ...string) int {
	const perMessageOverhead = 4

	total := 0
	for _, text := range texts {
		total += c.Count(text) + perMessageOverhead
	}
	return total
}

// WithinLimit checks if text fits within the specified token limit.
func (c *Counter) WithinLimit(text string, limit int) bool {
	return c.Count(text) <= limit
}

// Truncate trims text to roughly fit within the token limit. Truncation is
// by characters, not exact token boundaries.
func (c *Counter) Truncate(text string, limit int) string {
	currentTokens := c.Count(text)
	if currentTokens <= limit {
		return text
	}

	ratio := float64(limit) / float64(currentTokens)
	charLimit := int(float64(len(text)) * ratio * 0.9) // 0.9 safety margin
	if charLimit >= len(text) {
		return text
	}
	return text[:charLimit] + "..."
}

// Estimate counts tokens without a Counter instance, using GPT-4 encoding.
func Estimate(text string) int {
	counter, err := NewCounter("gpt-4")
	if err != nil {
		return len(text) / 4
	}
	return counter.Count(text)
}
