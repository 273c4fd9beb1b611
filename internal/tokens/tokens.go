// Package tokens estimates token usage when a provider does not report it.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/whoshyam/maxim-cookbooks/internal/llm"
)

const (
	fallbackEncoding = "cl100k_base"
	// per-message framing tokens used by chat formats
	messageOverhead = 3
	replyPriming    = 3
)

var (
	mu        sync.Mutex
	encodings = map[string]*tiktoken.Tiktoken{}
)

// encoder returns the tiktoken encoding for model, or nil when none can be loaded
func encoder(model string) *tiktoken.Tiktoken {
	mu.Lock()
	defer mu.Unlock()

	if enc, ok := encodings[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		enc = nil
	}
	encodings[model] = enc
	return enc
}

// Count returns the number of tokens in text for model.
// Without an encoding it falls back to one token per four bytes.
func Count(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := encoder(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return approximate(text)
}

func approximate(text string) int {
	n := len(text) / 4
	if n == 0 {
		return 1
	}
	return n
}

// CountMessages returns the prompt size of a chat transcript
func CountMessages(model string, msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += messageOverhead + Count(model, m.Role) + Count(model, m.Content)
		if m.Name != "" {
			total += Count(model, m.Name)
		}
		for _, tc := range m.ToolCalls {
			total += Count(model, tc.Name) + Count(model, tc.Arguments)
		}
	}
	if total > 0 {
		total += replyPriming
	}
	return total
}

// EstimateUsage approximates usage for a call whose response carried none
func EstimateUsage(model string, msgs []llm.Message, completion string) llm.Usage {
	prompt := CountMessages(model, msgs)
	out := Count(model, strings.TrimSpace(completion))
	return llm.Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}
}

// Fill returns u unchanged when it has counts, otherwise an estimate
func Fill(u llm.Usage, model string, msgs []llm.Message, completion string) llm.Usage {
	if u.TotalTokens > 0 || u.PromptTokens > 0 || u.CompletionTokens > 0 {
		if u.TotalTokens == 0 {
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
		}
		return u
	}
	return EstimateUsage(model, msgs, completion)
}
