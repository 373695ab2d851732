// Package embedding implements the embedding collaborator: a batched,
// bounded-concurrency `texts[] -> vectors[]` client with instruction
// prefixing for query-side asymmetric retrieval and client-side truncation
// for over-sized models.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	everrors "evermem/internal/errors"
	"evermem/internal/observability"
)

// Config mirrors config.EmbeddingConfig; duplicated here as the package's
// own contract so embedding stays importable without the config package.
type Config struct {
	BaseURL     string
	Path        string
	Model       string
	APIKey      string
	APIHeader   string
	Dimensions  int
	QueryPrefix string
	BatchSize   int
	Concurrency int
	TimeoutSecs int
}

// Embedder is the interface C4 and C9 consume.
type Embedder interface {
	Embed(ctx context.Context, texts []string, isQuery bool) ([][]float32, error)
}

// Client is the HTTP-backed Embedder, grounded on a batched
// OpenAI-compatible /v1/embeddings endpoint.
type Client struct {
	cfg  Config
	http *http.Client
}

// New constructs a Client. httpClient may be nil for a trace-instrumented
// default.
func New(cfg Config, httpClient *http.Client) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 30
	}
	if httpClient == nil {
		httpClient = observability.NewHTTPClient(nil)
	}
	return &Client{cfg: cfg, http: httpClient}
}

type embedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed batches texts into cfg.BatchSize-sized requests run with up to
// cfg.Concurrency requests in flight, preserving input order in the output.
// When isQuery is true, cfg.QueryPrefix is prepended to each text before
// sending, per the asymmetric-retrieval instruction-prefix convention.
func (c *Client) Embed(ctx context.Context, texts []string, isQuery bool) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	prepared := make([]string, len(texts))
	for i, t := range texts {
		if isQuery && c.cfg.QueryPrefix != "" {
			prepared[i] = c.cfg.QueryPrefix + t
		} else {
			prepared[i] = t
		}
	}

	batches := chunk(prepared, c.cfg.BatchSize)
	results := make([][][]float32, len(batches))

	sem := semaphore.NewWeighted(int64(c.cfg.Concurrency))
	g, gctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		i, batch := i, batch
		if err := sem.Acquire(gctx, 1); err != nil {
			return nil, everrors.New(everrors.KindCancelled, "embedding.Embed", err)
		}
		g.Go(func() error {
			defer sem.Release(1)
			vecs, err := c.embedBatchWithRetry(gctx, batch)
			if err != nil {
				return err
			}
			results[i] = vecs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([][]float32, 0, len(texts))
	for _, r := range results {
		out = append(out, r...)
	}
	if c.cfg.Dimensions > 0 {
		for i := range out {
			out[i] = truncate(out[i], c.cfg.Dimensions)
		}
	}
	return out, nil
}

func (c *Client) embedBatchWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * time.Second
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, everrors.New(everrors.KindCancelled, "embedding.embedBatchWithRetry", ctx.Err())
			case <-timer.C:
			}
		}
		vecs, err := c.embedBatch(ctx, batch)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
	}
	return nil, everrors.New(everrors.KindExtractionFailed, "embedding.embedBatchWithRetry", lastErr)
}

func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	body, err := json.Marshal(embedReq{Model: c.cfg.Model, Input: batch})
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(c.cfg.TimeoutSecs) * time.Second
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := c.cfg.BaseURL + c.cfg.Path
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIHeader == "Authorization" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	} else if c.cfg.APIHeader != "" {
		req.Header.Set(c.cfg.APIHeader, c.cfg.APIKey)
	}

	log := observability.LoggerWithTrace(ctx)
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		log.Error().Err(err).Dur("duration", time.Since(start)).Msg("embedding_request_error")
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("embedding endpoint %s: %d: %s", url, resp.StatusCode, string(raw))
	}

	var er embedResp
	if err := json.Unmarshal(raw, &er); err != nil {
		return nil, fmt.Errorf("parse embedding response: %w", err)
	}
	if len(er.Data) != len(batch) {
		return nil, fmt.Errorf("embedding count mismatch: got %d want %d", len(er.Data), len(batch))
	}

	log.Debug().Int("batch_size", len(batch)).Dur("duration", time.Since(start)).Msg("embedding_batch_ok")

	out := make([][]float32, len(er.Data))
	for i := range er.Data {
		out[i] = er.Data[i].Embedding
	}
	return out, nil
}

func chunk(items []string, size int) [][]string {
	var out [][]string
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

// truncate applies a simple head-slice for over-sized embeddings, with no
// renormalization.
func truncate(vec []float32, dim int) []float32 {
	if len(vec) <= dim {
		return vec
	}
	return vec[:dim]
}
