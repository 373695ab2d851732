package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evermem/internal/llm"
	"evermem/internal/llm/openai"
)

func chatCompletionFixture(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o",
		"choices": []map[string]any{
			{"index": 0, "message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]any{"prompt_tokens": 7, "completion_tokens": 3, "total_tokens": 10},
	}
}

func TestCompleteReturnsText(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		defer r.Body.Close()
		w.Header().Set("Content-Type", "application/json")
		b, _ := json.Marshal(chatCompletionFixture("hello there"))
		_, _ = w.Write(b)
	}))
	t.Cleanup(srv.Close)

	client := openai.New("k", srv.URL, "gpt-4o", srv.Client())
	resp, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "system", Content: "be terse"}, {Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, 7, resp.PromptTokens)
	assert.Equal(t, 3, resp.CompletionTokens)
	assert.Equal(t, "/chat/completions", gotPath)
}

func TestCompleteJSONModeSetsResponseFormat(t *testing.T) {
	var reqBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		_ = json.NewDecoder(r.Body).Decode(&reqBody)
		w.Header().Set("Content-Type", "application/json")
		b, _ := json.Marshal(chatCompletionFixture(`{"ok":true}`))
		_, _ = w.Write(b)
	}))
	t.Cleanup(srv.Close)

	client := openai.New("k", srv.URL, "gpt-4o", srv.Client())
	_, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
		JSONMode: true,
	})
	require.NoError(t, err)

	rf, ok := reqBody["response_format"].(map[string]any)
	require.True(t, ok, "expected response_format in request body, got %#v", reqBody)
	assert.Equal(t, "json_object", rf["type"])
}

func TestCompleteEmptyChoicesIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp := chatCompletionFixture("")
		resp["choices"] = []map[string]any{}
		b, _ := json.Marshal(resp)
		_, _ = w.Write(b)
	}))
	t.Cleanup(srv.Close)

	client := openai.New("k", srv.URL, "gpt-4o", srv.Client())
	_, err := client.Complete(context.Background(), llm.Request{Messages: []llm.Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
}
