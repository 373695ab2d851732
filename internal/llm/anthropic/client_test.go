package anthropic_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evermem/internal/llm"
	"evermem/internal/llm/anthropic"
)

func minimalUsage() sdk.Usage {
	return sdk.Usage{InputTokens: 12, OutputTokens: 34, ServiceTier: sdk.UsageServiceTierStandard}
}

func TestCompleteReturnsText(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		defer r.Body.Close()
		w.Header().Set("Content-Type", "application/json")
		resp := sdk.Message{
			ID:         "msg_1",
			Type:       constant.Message("message"),
			Role:       constant.Assistant("assistant"),
			Model:      sdk.ModelClaude3_7SonnetLatest,
			StopReason: sdk.StopReasonEndTurn,
			Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "hello there"}},
			Usage:      minimalUsage(),
		}
		b, _ := json.Marshal(resp)
		_, _ = w.Write(b)
	}))
	t.Cleanup(srv.Close)

	client := anthropic.New("k", srv.URL, "claude-3-7-sonnet-latest", srv.Client())
	resp, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, 12, resp.PromptTokens)
	assert.Equal(t, 34, resp.CompletionTokens)
	assert.Equal(t, "/v1/messages", gotPath)
}

func TestCompleteSplitsSystemMessage(t *testing.T) {
	var reqBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		_ = json.NewDecoder(r.Body).Decode(&reqBody)
		w.Header().Set("Content-Type", "application/json")
		resp := sdk.Message{
			ID: "msg_2", Type: constant.Message("message"), Role: constant.Assistant("assistant"),
			Model: sdk.ModelClaude3_7SonnetLatest, StopReason: sdk.StopReasonEndTurn,
			Content: []sdk.ContentBlockUnion{{Type: "text", Text: "ok"}}, Usage: minimalUsage(),
		}
		b, _ := json.Marshal(resp)
		_, _ = w.Write(b)
	}))
	t.Cleanup(srv.Close)

	client := anthropic.New("k", srv.URL, "m", srv.Client())
	_, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "system", Content: "system prompt"}, {Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	assert.NotContains(t, reqBody, "system prompt")
	sys, ok := reqBody["system"].([]any)
	require.True(t, ok)
	require.Len(t, sys, 1)
	messages, ok := reqBody["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 1, "system message must not appear in the Messages slice")
}

func TestCompleteErrorIsWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"boom"}}`))
	}))
	t.Cleanup(srv.Close)

	client := anthropic.New("k", srv.URL, "m", srv.Client())
	_, err := client.Complete(context.Background(), llm.Request{Messages: []llm.Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
}
