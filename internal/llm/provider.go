// Package llm defines the narrow chat-completion contract the extraction
// worker pool (C4) uses for summarization, atomic-fact extraction, and
// foresight generation, plus two concrete provider backends.
package llm

import "context"

// Message is one turn in a completion request.
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// Request bundles everything a Provider needs to run one completion.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int64
	Temperature float64
	// JSONMode asks the provider to constrain output to a single JSON value,
	// used by C4 when parsing structured extraction results.
	JSONMode bool
}

// Response is a provider's completion result plus basic usage accounting
// for logging/metrics.
type Response struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// Provider is implemented by each LLM backend (internal/llm/anthropic,
// internal/llm/openai). Complete must be safe for concurrent use.
type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
