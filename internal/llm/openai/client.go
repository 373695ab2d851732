// Package openai implements llm.Provider over the OpenAI Chat Completions API.
package openai

import (
	"context"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	everrors "evermem/internal/errors"
	"evermem/internal/llm"
	"evermem/internal/observability"
)

// Client adapts the OpenAI SDK to llm.Provider.
type Client struct {
	sdk   sdk.Client
	model string
}

// New constructs a Client. baseURL may be empty for api.openai.com, or point
// at a self-hosted OpenAI-compatible endpoint.
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
	return &Client{sdk: sdk.NewClient(opts...), model: strings.TrimSpace(model)}
}

func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	model := req.Model
	if strings.TrimSpace(model) == "" {
		model = c.model
	}

	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system":
			messages = append(messages, sdk.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, sdk.AssistantMessage(m.Content))
		default:
			messages = append(messages, sdk.UserMessage(m.Content))
		}
	}

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if req.JSONMode {
		params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &sdk.ResponseFormatJSONObjectParam{},
		}
	}

	log := observability.LoggerWithTrace(ctx)
	start := time.Now()
	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", model).Dur("duration", dur).Msg("openai_complete_error")
		return llm.Response{}, everrors.New(everrors.KindExtractionFailed, "openai.Complete", err)
	}
	if len(comp.Choices) == 0 {
		return llm.Response{}, everrors.New(everrors.KindExtractionFailed, "openai.Complete", errEmptyChoices)
	}

	log.Debug().Str("model", model).Dur("duration", dur).
		Int64("prompt_tokens", comp.Usage.PromptTokens).
		Int64("completion_tokens", comp.Usage.CompletionTokens).
		Msg("openai_complete_ok")

	return llm.Response{
		Content:          comp.Choices[0].Message.Content,
		PromptTokens:     int(comp.Usage.PromptTokens),
		CompletionTokens: int(comp.Usage.CompletionTokens),
	}, nil
}

var errEmptyChoices = emptyChoicesError{}

type emptyChoicesError struct{}

func (emptyChoicesError) Error() string { return "openai: completion returned no choices" }
