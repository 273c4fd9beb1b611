package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/whoshyam/maxim-cookbooks/internal/llm"
)

func TestApproximate(t *testing.T) {
	assert.Equal(t, 1, approximate("hi"))
	assert.Equal(t, 3, approximate("twelve chars"))
}

func TestCountEmpty(t *testing.T) {
	assert.Zero(t, Count("gpt-4o", ""))
	assert.Zero(t, CountMessages("gpt-4o", nil))
}

func TestCountPositive(t *testing.T) {
	// Either the tiktoken encoding or the byte fallback must give a positive count.
	assert.Positive(t, Count("gpt-4o", "What is the weather in New York?"))
}

func TestFill(t *testing.T) {
	reported := llm.Usage{PromptTokens: 10, CompletionTokens: 5}
	assert.Equal(t, llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Fill(reported, "gpt-4o", nil, ""))

	est := Fill(llm.Usage{}, "some-unknown-model", []llm.Message{llm.User("hello there")}, "general kenobi")
	assert.Positive(t, est.PromptTokens)
	assert.Positive(t, est.CompletionTokens)
	assert.Equal(t, est.PromptTokens+est.CompletionTokens, est.TotalTokens)
}
