package embedding_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evermem/internal/embedding"
)

func fakeServer(t *testing.T, wantPrefix string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
		}{}
		for _, in := range req.Input {
			if wantPrefix != "" {
				assert.Contains(t, in, wantPrefix)
			}
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
			}{Embedding: []float32{1, 2, 3, 4}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestEmbed_PreservesOrderAcrossBatches(t *testing.T) {
	// Each input's vector carries the input's first byte, so a batch placed
	// out of order shows up as a mismatched first element.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		type item struct {
			Embedding []float32 `json:"embedding"`
		}
		resp := struct {
			Data []item `json:"data"`
		}{}
		for _, in := range req.Input {
			resp.Data = append(resp.Data, item{Embedding: []float32{float32(in[0])}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cli := embedding.New(embedding.Config{
		BaseURL:   srv.URL,
		Path:      "/v1/embeddings",
		Model:     "test-model",
		BatchSize: 2,
	}, srv.Client())

	texts := []string{"a", "b", "c", "d", "e"}
	vecs, err := cli.Embed(context.Background(), texts, false)
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	for i, v := range vecs {
		assert.Equal(t, float32('a'+i), v[0])
	}
}

func TestEmbed_QueryPrefixApplied(t *testing.T) {
	srv := fakeServer(t, "search_query: ")
	defer srv.Close()

	cli := embedding.New(embedding.Config{
		BaseURL:     srv.URL,
		Path:        "/v1/embeddings",
		Model:       "test-model",
		QueryPrefix: "search_query: ",
	}, srv.Client())

	_, err := cli.Embed(context.Background(), []string{"hello"}, true)
	require.NoError(t, err)
}

func TestEmbed_TruncatesOversizedVectors(t *testing.T) {
	srv := fakeServer(t, "")
	defer srv.Close()

	cli := embedding.New(embedding.Config{
		BaseURL:    srv.URL,
		Path:       "/v1/embeddings",
		Model:      "test-model",
		Dimensions: 2,
	}, srv.Client())

	vecs, err := cli.Embed(context.Background(), []string{"hi"}, false)
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, []float32{1, 2}, vecs[0])
}

func TestEmbed_EmptyInputReturnsNil(t *testing.T) {
	cli := embedding.New(embedding.Config{}, http.DefaultClient)
	vecs, err := cli.Embed(context.Background(), nil, false)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}
