package api_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evermem/internal/api"
	"evermem/internal/boundary"
	"evermem/internal/buffer"
	"evermem/internal/config"
	"evermem/internal/domain"
	everrors "evermem/internal/errors"
	"evermem/internal/extract"
	"evermem/internal/index/keyword"
	"evermem/internal/index/vector"
	"evermem/internal/llm"
	"evermem/internal/retrieve"
	"evermem/internal/store"
	"evermem/internal/sync"
	"evermem/internal/tenancy"
)

type fakeProvider struct{}

func (fakeProvider) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	sys := req.Messages[0].Content
	switch {
	case strings.Contains(sys, "atomic fact"):
		facts, _ := json.Marshal(map[string]any{"facts": []string{"Ann's passport needs renewal."}})
		return llm.Response{Content: string(facts)}, nil
	case strings.Contains(sys, "predict up to"):
		return llm.Response{Content: `{"foresights":[]}`}, nil
	default:
		summary, _ := json.Marshal(map[string]any{
			"subject": "Passport renewal", "summary": "Ann plans to renew her passport.",
			"episode": "Ann mentioned her passport renewal.", "participants": []string{"u1"},
			"keywords": []string{"passport"},
		})
		return llm.Response{Content: string(summary)}, nil
	}
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, texts []string, _ bool) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func testTenant() tenancy.Tenant { return tenancy.Tenant{OrgID: "acme", SpaceID: "prod"} }

type harness struct {
	facade *api.Facade
	st     store.Store
	buf    buffer.Store
	queue  *extract.MemoryQueue
}

func newHarness(t *testing.T, extractionCfg config.ExtractionConfig) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	kw := keyword.NewMemoryIndex()
	vec := vector.NewMemoryIndex()
	buf := buffer.NewMemoryStore()
	syncSvc := sync.New(sync.NewMemoryQueue(), kw, vec, time.Hour)
	worker := extract.NewWorker(fakeProvider{}, fakeEmbedder{}, st, syncSvc, extract.Config{})
	queue := extract.NewMemoryQueue(10)
	pool := extract.NewPool(worker, queue, nil, 2)
	det := boundary.New(boundary.Config{MaxBuffer: 3})
	eng := retrieve.New(st, kw, vec, fakeEmbedder{}, buf)

	f := api.New(buf, det, pool, worker, st, eng, extractionCfg)
	return &harness{facade: f, st: st, buf: buf, queue: queue}
}

func msg(id, conv, content string, t time.Time) domain.Message {
	return domain.Message{MessageID: id, ConversationID: conv, SenderID: "u1", Role: domain.RoleUser, Content: content, CreateTime: t}
}

func TestIngest_AccumulatesUntilBoundary(t *testing.T) {
	h := newHarness(t, config.ExtractionConfig{})
	now := time.Now()

	res, err := h.facade.Ingest(context.Background(), testTenant(), msg("m1", "conv-1", "hi", now), false)
	require.NoError(t, err)
	assert.Equal(t, api.StatusAccumulated, res.Status)

	res, err = h.facade.Ingest(context.Background(), testTenant(), msg("m2", "conv-1", "still here", now.Add(time.Second)), false)
	require.NoError(t, err)
	assert.Equal(t, api.StatusAccumulated, res.Status)
}

func TestIngest_ForceFlushSubmitsToQueue(t *testing.T) {
	h := newHarness(t, config.ExtractionConfig{})
	now := time.Now()
	for i := 0; i < 3; i++ {
		_, err := h.facade.Ingest(context.Background(), testTenant(), msg(string(rune('a'+i)), "conv-1", "msg", now.Add(time.Duration(i)*time.Second)), false)
		require.NoError(t, err)
	}
	res, err := h.facade.Ingest(context.Background(), testTenant(), msg("trigger", "conv-1", "one more", now.Add(4*time.Second)), false)
	require.NoError(t, err)
	assert.Equal(t, api.StatusProcessing, res.Status)
	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, 1, h.queue.Len())
}

func TestIngest_SyncModeBlocksAndExtracts(t *testing.T) {
	h := newHarness(t, config.ExtractionConfig{})
	now := time.Now()
	for i := 0; i < 3; i++ {
		_, err := h.facade.Ingest(context.Background(), testTenant(), msg(string(rune('a'+i)), "conv-1", "msg", now.Add(time.Duration(i)*time.Second)), false)
		require.NoError(t, err)
	}
	res, err := h.facade.Ingest(context.Background(), testTenant(), msg("trigger", "conv-1", "one more", now.Add(4*time.Second)), true)
	require.NoError(t, err)
	assert.Equal(t, api.StatusExtracted, res.Status)
	assert.NotEmpty(t, res.SavedMemories)
	assert.Equal(t, 0, h.queue.Len(), "sync mode must bypass the Queue entirely")
}

func TestIngest_HardCapRejects(t *testing.T) {
	h := newHarness(t, config.ExtractionConfig{HardCap: 1})
	require.NoError(t, h.queue.Submit(context.Background(), extract.Episode{ConversationID: "filler"}))

	now := time.Now()
	for i := 0; i < 3; i++ {
		_, err := h.facade.Ingest(context.Background(), testTenant(), msg(string(rune('a'+i)), "conv-2", "msg", now.Add(time.Duration(i)*time.Second)), false)
		require.NoError(t, err)
	}
	_, err := h.facade.Ingest(context.Background(), testTenant(), msg("trigger", "conv-2", "one more", now.Add(4*time.Second)), false)
	require.Error(t, err)
	assert.True(t, everrors.Is(err, everrors.KindBufferUnavailable))
}

func TestFetch_EpisodicMemoryByScope(t *testing.T) {
	h := newHarness(t, config.ExtractionConfig{})
	uid := "u1"
	require.NoError(t, h.st.UpsertMemCell(context.Background(), testTenant(), domain.MemCell{
		EventID: "e1", UserID: &uid, Timestamp: time.Now(), Subject: "s", Summary: "s", Episode: "s", Type: domain.MemCellTypeConversation,
	}))

	res, err := h.facade.Fetch(context.Background(), testTenant(), api.FetchQuery{
		UserID: store.Exact("u1"), GroupID: store.All(), MemoryType: retrieve.TypeEpisodicMemory, Limit: 10,
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.TotalCount)
	assert.Equal(t, "e1", res.Memories[0].ID)
}

func TestDelete_RequiresScopeOrEventID(t *testing.T) {
	h := newHarness(t, config.ExtractionConfig{})
	_, err := h.facade.Delete(context.Background(), testTenant(), api.DeleteQuery{
		UserID: store.All(), GroupID: store.All(), DeletedBy: "admin",
	})
	require.Error(t, err)
	assert.True(t, everrors.Is(err, everrors.KindScopeTooBroad))
}

func TestDelete_ByEventIDIsIdempotent(t *testing.T) {
	h := newHarness(t, config.ExtractionConfig{})
	uid := "u1"
	require.NoError(t, h.st.UpsertMemCell(context.Background(), testTenant(), domain.MemCell{
		EventID: "e1", UserID: &uid, Timestamp: time.Now(), Subject: "s", Summary: "s", Episode: "s", Type: domain.MemCellTypeConversation,
	}))

	res, err := h.facade.Delete(context.Background(), testTenant(), api.DeleteQuery{EventID: "e1", DeletedBy: "admin"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)

	res, err = h.facade.Delete(context.Background(), testTenant(), api.DeleteQuery{EventID: "e1", DeletedBy: "someone-else"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count, "repeating the delete must be a no-op")

	cell, err := h.st.HardFindMemCell(context.Background(), testTenant(), "e1")
	require.NoError(t, err)
	require.NotNil(t, cell.DeletedBy)
	assert.Equal(t, "admin", *cell.DeletedBy, "the original deleted_by must be preserved")
}

func TestUpsertConversationMeta_RoundTrips(t *testing.T) {
	h := newHarness(t, config.ExtractionConfig{})
	meta := domain.ConversationMeta{GroupID: "g1", Scene: domain.SceneGroupChat, Name: "team"}
	stored, err := h.facade.UpsertConversationMeta(context.Background(), testTenant(), meta)
	require.NoError(t, err)
	assert.Equal(t, "team", stored.Name)
}

func TestSearch_RejectsScopeTooBroad(t *testing.T) {
	h := newHarness(t, config.ExtractionConfig{})
	_, err := h.facade.Search(context.Background(), testTenant(), retrieve.Query{
		UserID: store.All(), GroupID: store.All(), QueryText: "x", Method: retrieve.MethodKeyword,
	})
	require.Error(t, err)
	assert.True(t, everrors.Is(err, everrors.KindScopeTooBroad))
}

func TestIngest_RejectsUnresolvedTenant(t *testing.T) {
	h := newHarness(t, config.ExtractionConfig{})
	_, err := h.facade.Ingest(context.Background(), tenancy.Tenant{}, msg("m1", "conv-3", "hi", time.Now()), false)
	require.Error(t, err)
	assert.True(t, everrors.Is(err, everrors.KindTenantUnresolved))
}
