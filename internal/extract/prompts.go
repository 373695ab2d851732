package extract

import (
	"context"
	"encoding/json"
	"fmt"

	everrors "evermem/internal/errors"
	"evermem/internal/llm"
)

type summarizeResult struct {
	Subject      string   `json:"subject"`
	Summary      string   `json:"summary"`
	Episode      string   `json:"episode"`
	Participants []string `json:"participants"`
	Keywords     []string `json:"keywords"`
}

type foresightItem struct {
	Content      string `json:"content"`
	Evidence     string `json:"evidence"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	DurationDays int    `json:"duration_days"`
}

const summarizeSystemPrompt = `You summarize a closed conversation episode into a single structured record.
Respond with a single JSON object: {"subject":string,"summary":string,"episode":string,"participants":[string],"keywords":[string]}.
"episode" is a narrative retelling of what happened; "summary" is one or two sentences; "subject" is a short title.`

func summarize(ctx context.Context, provider llm.Provider, transcript string) (summarizeResult, error) {
	resp, err := provider.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: summarizeSystemPrompt},
			{Role: "user", Content: transcript},
		},
		JSONMode:    true,
		Temperature: 0.2,
		MaxTokens:   1024,
	})
	if err != nil {
		return summarizeResult{}, everrors.New(everrors.KindExtractionFailed, "extract.summarize", err)
	}
	var out summarizeResult
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
		return summarizeResult{}, everrors.New(everrors.KindExtractionFailed, "extract.summarize.parse", err)
	}
	return out, nil
}

const atomicFactsSystemPrompt = `Extract every atomic fact from the conversation: single-sentence declarative
claims that are directly grounded in what was said. Respond with a single JSON object:
{"facts":[string]}. Omit facts that are speculative or not stated.`

func extractAtomicFacts(ctx context.Context, provider llm.Provider, transcript string) ([]string, error) {
	resp, err := provider.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: atomicFactsSystemPrompt},
			{Role: "user", Content: transcript},
		},
		JSONMode:    true,
		Temperature: 0.1,
		MaxTokens:   2048,
	})
	if err != nil {
		return nil, everrors.New(everrors.KindExtractionFailed, "extract.atomicFacts", err)
	}
	var out struct {
		Facts []string `json:"facts"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
		return nil, everrors.New(everrors.KindExtractionFailed, "extract.atomicFacts.parse", err)
	}
	return out.Facts, nil
}

const foresightSystemPromptTemplate = `Given the conversation, predict up to %d concrete future events or
obligations implied by it. Respond with a single JSON object:
{"foresights":[{"content":string,"evidence":string,"start_time":"YYYY-MM-DD or empty","end_time":"YYYY-MM-DD or empty","duration_days":integer or 0}]}.
Dates must be ISO 8601 calendar dates or omitted; leave fields blank/zero rather than guessing.`

func generateForesight(ctx context.Context, provider llm.Provider, transcript string, max int) ([]foresightItem, error) {
	resp, err := provider.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: fmt.Sprintf(foresightSystemPromptTemplate, max)},
			{Role: "user", Content: transcript},
		},
		JSONMode:    true,
		Temperature: 0.4,
		MaxTokens:   1536,
	})
	if err != nil {
		return nil, everrors.New(everrors.KindExtractionFailed, "extract.foresight", err)
	}
	var out struct {
		Foresights []foresightItem `json:"foresights"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
		return nil, everrors.New(everrors.KindExtractionFailed, "extract.foresight.parse", err)
	}
	return out.Foresights, nil
}
