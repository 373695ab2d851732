package vector_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evermem/internal/index/keyword"
	"evermem/internal/index/vector"
	"evermem/internal/tenancy"
)

func TestMemoryIndex_SearchRanksByCosineSimilarity(t *testing.T) {
	idx := vector.NewMemoryIndex()
	ctx := context.Background()
	tenant := tenancy.Tenant{OrgID: "acme", SpaceID: "prod"}

	require.NoError(t, idx.Upsert(ctx, tenant, vector.Document{ID: "e1", Family: keyword.FamilyEpisodic, Vector: []float32{1, 0, 0}}))
	require.NoError(t, idx.Upsert(ctx, tenant, vector.Document{ID: "e2", Family: keyword.FamilyEpisodic, Vector: []float32{0, 1, 0}}))

	hits, err := idx.Search(ctx, tenant, nil, []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "e1", hits[0].ID)
}

func TestMemoryIndex_FamilyFilter(t *testing.T) {
	idx := vector.NewMemoryIndex()
	ctx := context.Background()
	tenant := tenancy.Tenant{OrgID: "acme", SpaceID: "prod"}

	require.NoError(t, idx.Upsert(ctx, tenant, vector.Document{ID: "e1", Family: keyword.FamilyEpisodic, Vector: []float32{1, 0}}))
	require.NoError(t, idx.Upsert(ctx, tenant, vector.Document{ID: "f1", Family: keyword.FamilyForesight, Vector: []float32{1, 0}}))

	hits, err := idx.Search(ctx, tenant, []keyword.Family{keyword.FamilyForesight}, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "f1", hits[0].ID)
}

func TestMemoryIndex_DeleteRemovesFromScan(t *testing.T) {
	idx := vector.NewMemoryIndex()
	ctx := context.Background()
	tenant := tenancy.Tenant{OrgID: "acme", SpaceID: "prod"}

	require.NoError(t, idx.Upsert(ctx, tenant, vector.Document{ID: "e1", Family: keyword.FamilyEpisodic, Vector: []float32{1, 0}}))
	require.NoError(t, idx.Delete(ctx, tenant, keyword.FamilyEpisodic, "e1"))

	hits, err := idx.Search(ctx, tenant, nil, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMemoryIndex_TenantIsolation(t *testing.T) {
	idx := vector.NewMemoryIndex()
	ctx := context.Background()
	tenantA := tenancy.Tenant{OrgID: "acme", SpaceID: "prod"}
	tenantB := tenancy.Tenant{OrgID: "acme", SpaceID: "staging"}

	require.NoError(t, idx.Upsert(ctx, tenantA, vector.Document{ID: "e1", Family: keyword.FamilyEpisodic, Vector: []float32{1, 0}}))

	hits, err := idx.Search(ctx, tenantB, nil, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
