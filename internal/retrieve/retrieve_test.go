package retrieve_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evermem/internal/buffer"
	"evermem/internal/domain"
	"evermem/internal/index/keyword"
	"evermem/internal/index/vector"
	"evermem/internal/retrieve"
	"evermem/internal/store"
	"evermem/internal/tenancy"
)

type fakeEmbedder struct{ vec []float32 }

func (f fakeEmbedder) Embed(_ context.Context, texts []string, _ bool) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func testTenant() tenancy.Tenant { return tenancy.Tenant{OrgID: "acme", SpaceID: "prod"} }

func seedCell(t *testing.T, st store.Store, kw keyword.Index, vec vector.Index, id, userID, content string, embedding []float32, ts time.Time) {
	t.Helper()
	uid := userID
	cell := domain.MemCell{
		EventID:   id,
		UserID:    &uid,
		Timestamp: ts,
		Subject:   content,
		Summary:   content,
		Episode:   content,
		Type:      domain.MemCellTypeConversation,
		Embedding: embedding,
	}
	require.NoError(t, st.UpsertMemCell(context.Background(), testTenant(), cell))
	require.NoError(t, kw.Upsert(context.Background(), testTenant(), keyword.Document{
		ID: id, Family: keyword.FamilyEpisodic, ContentA: content, UserID: userID, Recency: ts.Unix(),
	}))
	require.NoError(t, vec.Upsert(context.Background(), testTenant(), vector.Document{
		ID: id, Family: keyword.FamilyEpisodic, Vector: embedding, UserID: userID, Recency: ts.Unix(),
	}))
}

func newEngine(t *testing.T) (*retrieve.Engine, store.Store, keyword.Index, vector.Index, buffer.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	kw := keyword.NewMemoryIndex()
	vec := vector.NewMemoryIndex()
	buf := buffer.NewMemoryStore()
	eng := retrieve.New(st, kw, vec, fakeEmbedder{vec: []float32{1, 0, 0}}, buf)
	return eng, st, kw, vec, buf
}

func TestSearch_RejectsBothScopeFieldsAll(t *testing.T) {
	eng, _, _, _, _ := newEngine(t)
	_, err := eng.Search(context.Background(), testTenant(), retrieve.Query{
		UserID: store.All(), GroupID: store.All(), QueryText: "passport", Method: retrieve.MethodKeyword,
	})
	assert.Error(t, err)
}

func TestSearch_KeywordMethodFindsMatchingEpisode(t *testing.T) {
	eng, st, kw, vec, _ := newEngine(t)
	now := time.Now()
	seedCell(t, st, kw, vec, "e1", "u1", "Ann's passport needs renewal", []float32{1, 0, 0}, now)
	seedCell(t, st, kw, vec, "e2", "u1", "weather forecast for tomorrow", []float32{0, 1, 0}, now.Add(time.Minute))

	result, err := eng.Search(context.Background(), testTenant(), retrieve.Query{
		UserID: store.Exact("u1"), GroupID: store.All(), QueryText: "passport", Method: retrieve.MethodKeyword, TopK: 10,
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalCount)
	require.Contains(t, result.Memories, retrieve.PersonalBucket)
	assert.Equal(t, "e1", result.Memories[retrieve.PersonalBucket][0].ID)
}

func TestSearch_RRFMergesBothSources(t *testing.T) {
	eng, st, kw, vec, _ := newEngine(t)
	now := time.Now()
	seedCell(t, st, kw, vec, "e1", "u1", "Ann's passport needs renewal", []float32{1, 0, 0}, now)

	result, err := eng.Search(context.Background(), testTenant(), retrieve.Query{
		UserID: store.Exact("u1"), GroupID: store.All(), QueryText: "passport", Method: retrieve.MethodRRF, TopK: 10,
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalCount)
}

func TestSearch_GroupsByGroupIDWithPersonalFallback(t *testing.T) {
	eng, st, kw, vec, _ := newEngine(t)
	now := time.Now()
	gid := "g1"
	cell := domain.MemCell{EventID: "e-grp", GroupID: &gid, Timestamp: now, Subject: "team sync", Summary: "team sync", Episode: "team sync", Type: domain.MemCellTypeConversation, Embedding: []float32{1, 0, 0}}
	require.NoError(t, st.UpsertMemCell(context.Background(), testTenant(), cell))
	require.NoError(t, kw.Upsert(context.Background(), testTenant(), keyword.Document{ID: "e-grp", Family: keyword.FamilyEpisodic, ContentA: "team sync", GroupID: gid, Recency: now.Unix()}))
	require.NoError(t, vec.Upsert(context.Background(), testTenant(), vector.Document{ID: "e-grp", Family: keyword.FamilyEpisodic, Vector: []float32{1, 0, 0}, GroupID: gid, Recency: now.Unix()}))

	result, err := eng.Search(context.Background(), testTenant(), retrieve.Query{
		UserID: store.All(), GroupID: store.Exact("g1"), QueryText: "team sync", Method: retrieve.MethodKeyword, TopK: 10,
	})
	require.NoError(t, err)
	require.Contains(t, result.Memories, "g1")
	assert.NotContains(t, result.Memories, retrieve.PersonalBucket)
}

func TestSearch_DropsStaleSoftDeletedHits(t *testing.T) {
	eng, st, kw, vec, _ := newEngine(t)
	now := time.Now()
	seedCell(t, st, kw, vec, "e1", "u1", "passport renewal", []float32{1, 0, 0}, now)

	require.NoError(t, st.SoftDeleteMemCell(context.Background(), testTenant(), store.DeleteRef{ID: "e1", DeletedBy: "tester"}))

	result, err := eng.Search(context.Background(), testTenant(), retrieve.Query{
		UserID: store.Exact("u1"), GroupID: store.All(), QueryText: "passport", Method: retrieve.MethodKeyword, TopK: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.TotalCount)
}

func TestSearch_ScoresMatchMemoriesKeysAndLengths(t *testing.T) {
	eng, st, kw, vec, _ := newEngine(t)
	now := time.Now()
	seedCell(t, st, kw, vec, "e1", "u1", "Ann's passport needs renewal", []float32{1, 0, 0}, now)
	seedCell(t, st, kw, vec, "e2", "u1", "passport office hours", []float32{1, 0, 0}, now.Add(time.Minute))

	result, err := eng.Search(context.Background(), testTenant(), retrieve.Query{
		UserID: store.Exact("u1"), GroupID: store.All(), QueryText: "passport", Method: retrieve.MethodKeyword, TopK: 10,
	})
	require.NoError(t, err)

	require.Len(t, result.Scores, len(result.Memories))
	for key, mems := range result.Memories {
		require.Contains(t, result.Scores, key)
		require.Len(t, result.Scores[key], len(mems))
		for i, m := range mems {
			assert.Equal(t, m.Score, result.Scores[key][i])
		}
	}
}

func TestSearch_IncludesPendingMessagesInformationally(t *testing.T) {
	eng, _, _, _, buf := newEngine(t)
	require.NoError(t, buf.Append(context.Background(), testTenant(), "conv-9", domain.Message{MessageID: "m1", ConversationID: "conv-9", Content: "hello"}))

	result, err := eng.Search(context.Background(), testTenant(), retrieve.Query{
		UserID: store.Exact("u1"), GroupID: store.All(), QueryText: "hello", Method: retrieve.MethodKeyword, TopK: 10,
	})
	require.NoError(t, err)
	require.Len(t, result.PendingMessages, 1)
	assert.Equal(t, "conv-9", result.PendingMessages[0].ConversationID)
}
