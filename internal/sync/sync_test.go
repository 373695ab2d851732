package sync_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evermem/internal/index/keyword"
	"evermem/internal/index/vector"
	"evermem/internal/sync"
	"evermem/internal/tenancy"
)

func TestSync_ProjectsIntoBothIndexes(t *testing.T) {
	kw := keyword.NewMemoryIndex()
	vec := vector.NewMemoryIndex()
	svc := sync.New(sync.NewMemoryQueue(), kw, vec, time.Millisecond)
	ctx := context.Background()
	tenant := tenancy.Tenant{OrgID: "acme", SpaceID: "prod"}

	item := sync.Item{
		EntityType: keyword.FamilyEpisodic,
		EntityID:   "e1",
		UpdatedAt:  time.Now(),
		Keyword:    keyword.Document{ID: "e1", Family: keyword.FamilyEpisodic, ContentA: "roadmap discussion"},
		Vector:     vector.Document{ID: "e1", Family: keyword.FamilyEpisodic, Vector: []float32{1, 0, 0}},
	}
	require.NoError(t, svc.Sync(ctx, tenant, item))

	hits, err := kw.Search(ctx, tenant, nil, "roadmap", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	vhits, err := vec.Search(ctx, tenant, nil, []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, vhits, 1)
}

func TestSync_DeleteRemovesFromBothIndexes(t *testing.T) {
	kw := keyword.NewMemoryIndex()
	vec := vector.NewMemoryIndex()
	svc := sync.New(sync.NewMemoryQueue(), kw, vec, time.Millisecond)
	ctx := context.Background()
	tenant := tenancy.Tenant{OrgID: "acme", SpaceID: "prod"}

	upsert := sync.Item{
		EntityType: keyword.FamilyEpisodic,
		EntityID:   "e1",
		UpdatedAt:  time.Now(),
		Keyword:    keyword.Document{ID: "e1", Family: keyword.FamilyEpisodic, ContentA: "roadmap discussion"},
		Vector:     vector.Document{ID: "e1", Family: keyword.FamilyEpisodic, Vector: []float32{1, 0, 0}},
	}
	require.NoError(t, svc.Sync(ctx, tenant, upsert))

	del := upsert
	del.Deleted = true
	del.UpdatedAt = upsert.UpdatedAt.Add(time.Second)
	require.NoError(t, svc.Sync(ctx, tenant, del))

	hits, err := kw.Search(ctx, tenant, nil, "roadmap", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

type failingKeywordIndex struct {
	keyword.Index
	calls int
}

func (f *failingKeywordIndex) Upsert(ctx context.Context, tenant tenancy.Tenant, doc keyword.Document) error {
	f.calls++
	if f.calls == 1 {
		return assert.AnError
	}
	return f.Index.Upsert(ctx, tenant, doc)
}

func TestSync_PendingItemRetrySucceedsAfterTransientFailure(t *testing.T) {
	inner := keyword.NewMemoryIndex()
	kw := &failingKeywordIndex{Index: inner}
	vec := vector.NewMemoryIndex()
	queue := sync.NewMemoryQueue()
	svc := sync.New(queue, kw, vec, time.Millisecond)
	ctx := context.Background()
	tenant := tenancy.Tenant{OrgID: "acme", SpaceID: "prod"}

	item := sync.Item{
		EntityType: keyword.FamilyEpisodic,
		EntityID:   "e1",
		UpdatedAt:  time.Now(),
		Keyword:    keyword.Document{ID: "e1", Family: keyword.FamilyEpisodic, ContentA: "roadmap discussion"},
		Vector:     vector.Document{ID: "e1", Family: keyword.FamilyEpisodic, Vector: []float32{1, 0, 0}},
	}
	err := svc.Sync(ctx, tenant, item)
	require.Error(t, err)

	hits, err := inner.Search(ctx, tenant, nil, "roadmap", 10)
	require.NoError(t, err)
	assert.Empty(t, hits, "keyword upsert should have failed on first attempt")

	pending, err := queue.Pending(ctx, tenant, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, svc.Sync(ctx, tenant, pending[0]))

	hits, err = inner.Search(ctx, tenant, nil, "roadmap", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1, "retry should succeed once the transient failure clears")
}
