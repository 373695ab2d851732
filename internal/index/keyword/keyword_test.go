package keyword_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evermem/internal/index/keyword"
	"evermem/internal/tenancy"
)

func TestMemoryIndex_SearchRanksByTermOverlap(t *testing.T) {
	idx := keyword.NewMemoryIndex()
	ctx := context.Background()
	tenant := tenancy.Tenant{OrgID: "acme", SpaceID: "prod"}

	require.NoError(t, idx.Upsert(ctx, tenant, keyword.Document{ID: "e1", Family: keyword.FamilyEpisodic, ContentA: "roadmap timeline discussion", Recency: 1}))
	require.NoError(t, idx.Upsert(ctx, tenant, keyword.Document{ID: "e2", Family: keyword.FamilyEpisodic, ContentA: "unrelated cooking recipe", Recency: 2}))

	hits, err := idx.Search(ctx, tenant, nil, "roadmap timeline", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "e1", hits[0].ID)
}

func TestMemoryIndex_FamilyFilter(t *testing.T) {
	idx := keyword.NewMemoryIndex()
	ctx := context.Background()
	tenant := tenancy.Tenant{OrgID: "acme", SpaceID: "prod"}

	require.NoError(t, idx.Upsert(ctx, tenant, keyword.Document{ID: "e1", Family: keyword.FamilyEpisodic, ContentA: "budget review"}))
	require.NoError(t, idx.Upsert(ctx, tenant, keyword.Document{ID: "f1", Family: keyword.FamilyForesight, ContentA: "budget review"}))

	hits, err := idx.Search(ctx, tenant, []keyword.Family{keyword.FamilyForesight}, "budget", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "f1", hits[0].ID)
}

func TestMemoryIndex_DeleteRemovesFromPostings(t *testing.T) {
	idx := keyword.NewMemoryIndex()
	ctx := context.Background()
	tenant := tenancy.Tenant{OrgID: "acme", SpaceID: "prod"}

	require.NoError(t, idx.Upsert(ctx, tenant, keyword.Document{ID: "e1", Family: keyword.FamilyEpisodic, ContentA: "budget review"}))
	require.NoError(t, idx.Delete(ctx, tenant, keyword.FamilyEpisodic, "e1"))

	hits, err := idx.Search(ctx, tenant, nil, "budget", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMemoryIndex_FieldWeightBoostsSubjectMatch(t *testing.T) {
	idx := keyword.NewMemoryIndex()
	ctx := context.Background()
	tenant := tenancy.Tenant{OrgID: "acme", SpaceID: "prod"}

	// "roadmap" appears only in e1's subject (class A, weight 3) and only in
	// e2's episode (class C, weight 1); e1 must outrank e2 despite identical
	// term-overlap counts.
	require.NoError(t, idx.Upsert(ctx, tenant, keyword.Document{ID: "e1", Family: keyword.FamilyEpisodic, ContentA: "roadmap", ContentB: "quarterly check-in", ContentC: "long transcript text"}))
	require.NoError(t, idx.Upsert(ctx, tenant, keyword.Document{ID: "e2", Family: keyword.FamilyEpisodic, ContentA: "unrelated", ContentB: "quarterly check-in", ContentC: "roadmap discussion buried in transcript"}))

	hits, err := idx.Search(ctx, tenant, nil, "roadmap", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "e1", hits[0].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}
