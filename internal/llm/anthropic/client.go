// Package anthropic implements llm.Provider over the Anthropic Messages API.
package anthropic

import (
	"context"
	"net/http"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	everrors "evermem/internal/errors"
	"evermem/internal/llm"
	"evermem/internal/observability"
)

const defaultMaxTokens int64 = 2048

// Client adapts the Anthropic SDK to llm.Provider.
type Client struct {
	sdk   anthropicsdk.Client
	model string
}

// New constructs a Client. httpClient may be nil, in which case
// observability.NewHTTPClient(nil) supplies a trace-instrumented default.
func New(apiKey, baseURL, model string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = observability.NewHTTPClient(nil)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(apiKey)),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(baseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	if model = strings.TrimSpace(model); model == "" {
		model = string(anthropicsdk.ModelClaude3_7SonnetLatest)
	}
	return &Client{sdk: anthropicsdk.NewClient(opts...), model: model}
}

// Complete sends req as a single Anthropic Messages call, splitting out any
// leading system message per the SDK's separate System field.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	var system []anthropicsdk.TextBlockParam
	converted := make([]anthropicsdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system":
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, anthropicsdk.TextBlockParam{Text: m.Content})
			}
		case "assistant":
			converted = append(converted, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(m.Content)))
		default:
			converted = append(converted, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(m.Content)))
		}
	}

	model := req.Model
	if strings.TrimSpace(model) == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		Messages:  converted,
		System:    system,
		MaxTokens: maxTokens,
	}

	log := observability.LoggerWithTrace(ctx)
	start := time.Now()
	resp, err := c.sdk.Messages.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", model).Dur("duration", dur).Msg("anthropic_complete_error")
		return llm.Response{}, everrors.New(everrors.KindExtractionFailed, "anthropic.Complete", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}

	log.Debug().Str("model", model).Dur("duration", dur).
		Int64("prompt_tokens", resp.Usage.InputTokens).
		Int64("completion_tokens", resp.Usage.OutputTokens).
		Msg("anthropic_complete_ok")

	return llm.Response{
		Content:          sb.String(),
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}, nil
}
