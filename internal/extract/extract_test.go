package extract_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evermem/internal/domain"
	"evermem/internal/extract"
	"evermem/internal/index/keyword"
	"evermem/internal/index/vector"
	"evermem/internal/llm"
	"evermem/internal/store"
	"evermem/internal/sync"
	"evermem/internal/tenancy"
)

// fakeProvider returns a canned JSON response keyed by a marker found in
// the system prompt, so the same fake serves summarize/atomic-facts/
// foresight without needing three separate types.
type fakeProvider struct {
	summary   string
	facts     string
	foresight string
}

func (f fakeProvider) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	sys := req.Messages[0].Content
	switch {
	case strings.Contains(sys, "atomic fact"):
		return llm.Response{Content: f.facts}, nil
	case strings.Contains(sys, "predict up to"):
		return llm.Response{Content: f.foresight}, nil
	default:
		return llm.Response{Content: f.summary}, nil
	}
}

type fakeEmbedder struct{ dims int }

func (f fakeEmbedder) Embed(_ context.Context, texts []string, _ bool) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dims)
		v[0] = float32(i + 1)
		out[i] = v
	}
	return out, nil
}

func testTenant() tenancy.Tenant { return tenancy.Tenant{OrgID: "acme", SpaceID: "prod"} }

func testEpisode() extract.Episode {
	now := time.Now()
	return extract.Episode{
		Tenant:         testTenant(),
		ConversationID: "conv-1",
		Messages: []domain.Message{
			{MessageID: "m1", ConversationID: "conv-1", SenderID: "u1", SenderName: "Ann", Role: domain.RoleUser, Content: "I need to renew my passport next month.", CreateTime: now},
			{MessageID: "m2", ConversationID: "conv-1", SenderID: "bot", SenderName: "Assistant", Role: domain.RoleAssistant, Content: "I'll remind you to start the renewal process.", CreateTime: now.Add(time.Minute)},
		},
		ConversationMeta: domain.ConversationMeta{GroupID: "", Scene: domain.SceneAssistant, DefaultTimezone: "UTC"},
	}
}

func newTestWorker(t *testing.T, llmProvider llm.Provider, st store.Store) (*extract.Worker, *sync.Service, keyword.Index, vector.Index) {
	t.Helper()
	kw := keyword.NewMemoryIndex()
	vec := vector.NewMemoryIndex()
	syncSvc := sync.New(sync.NewMemoryQueue(), kw, vec, time.Hour)
	w := extract.NewWorker(llmProvider, fakeEmbedder{dims: 4}, st, syncSvc, extract.Config{})
	return w, syncSvc, kw, vec
}

func TestProcess_CommitsMemCellEventLogsAndForesights(t *testing.T) {
	summary, _ := json.Marshal(map[string]any{
		"subject": "Passport renewal", "summary": "Ann plans to renew her passport.",
		"episode": "Ann mentioned her passport renewal; the assistant offered to remind her.",
		"participants": []string{"u1"}, "keywords": []string{"passport", "renewal"},
	})
	facts, _ := json.Marshal(map[string]any{"facts": []string{"Ann's passport needs renewal.", "Ann's passport needs renewal."}})
	foresight, _ := json.Marshal(map[string]any{"foresights": []map[string]any{
		{"content": "Ann will start the renewal process.", "evidence": "assistant offered to remind her", "start_time": "2026-08-01", "end_time": "", "duration_days": 0},
	}})

	provider := fakeProvider{summary: string(summary), facts: string(facts), foresight: string(foresight)}
	st := store.NewMemoryStore()
	w, _, kw, vec := newTestWorker(t, provider, st)

	result, err := w.Process(context.Background(), testEpisode())
	require.NoError(t, err)

	assert.Equal(t, "Passport renewal", result.MemCell.Subject)
	require.Len(t, result.EventLogs, 1, "duplicate facts must be de-duplicated")
	require.Len(t, result.Foresights, 1)
	assert.Equal(t, "2026-08-01", result.Foresights[0].StartTime.String())

	stored, err := st.FindMemCell(context.Background(), testTenant(), result.MemCell.EventID)
	require.NoError(t, err)
	require.NotNil(t, stored)

	hits, err := kw.Search(context.Background(), testTenant(), nil, "passport", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, hits, "committed memcell should be projected into the keyword index")

	vhits, err := vec.Search(context.Background(), testTenant(), nil, result.MemCell.Embedding, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, vhits, "committed memcell should be projected into the vector index")
}

func TestProcess_UpdatesProfileForParticipant(t *testing.T) {
	summary, _ := json.Marshal(map[string]any{
		"subject": "Passport renewal", "summary": "short", "episode": "long",
		"participants": []string{"u1"}, "keywords": []string{"passport"},
	})
	facts, _ := json.Marshal(map[string]any{"facts": []string{}})
	provider := fakeProvider{summary: string(summary), facts: string(facts), foresight: `{"foresights":[]}`}

	st := store.NewMemoryStore()
	w, _, _, _ := newTestWorker(t, provider, st)

	_, err := w.Process(context.Background(), testEpisode())
	require.NoError(t, err)

	profile, err := st.FindProfile(context.Background(), testTenant(), "u1", "")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, int64(1), profile.Version)
}

func TestProcess_RejectsEmptyEpisode(t *testing.T) {
	st := store.NewMemoryStore()
	w, _, _, _ := newTestWorker(t, fakeProvider{}, st)

	ep := testEpisode()
	ep.Messages = nil
	_, err := w.Process(context.Background(), ep)
	assert.Error(t, err)
}

type failingProvider struct{}

func (failingProvider) Complete(context.Context, llm.Request) (llm.Response, error) {
	return llm.Response{}, assert.AnError
}

func TestPool_ArchivesFailedEpisodeToDeadLetter(t *testing.T) {
	st := store.NewMemoryStore()
	w, _, _, _ := newTestWorker(t, failingProvider{}, st)
	w.Cfg.RetryAttempts = 1

	queue := extract.NewMemoryQueue(10)
	dlq := extract.NewMemoryDeadLetter()
	pool := extract.NewPool(w, queue, dlq, 2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, queue.Submit(ctx, testEpisode()))
	require.NoError(t, queue.Close())

	pool.Run(ctx)

	items := dlq.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "conv-1", items[0].Episode.ConversationID)
}
