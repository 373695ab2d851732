package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evermem/internal/domain"
	everrors "evermem/internal/errors"
	"evermem/internal/store"
	"evermem/internal/tenancy"
)

func testTenant() tenancy.Tenant {
	return tenancy.Tenant{OrgID: "acme", SpaceID: "prod"}
}

func TestMemCell_SoftDeleteIsInvisibleAndIdempotent(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	tenant := testTenant()
	uid := "u1"

	cell := domain.MemCell{EventID: "e1", UserID: &uid, Timestamp: time.Now()}
	require.NoError(t, s.UpsertMemCell(ctx, tenant, cell))

	found, err := s.FindMemCell(ctx, tenant, "e1")
	require.NoError(t, err)
	require.NotNil(t, found)

	require.NoError(t, s.SoftDeleteMemCell(ctx, tenant, store.DeleteRef{ID: "e1", DeletedBy: "op1"}))

	found, err = s.FindMemCell(ctx, tenant, "e1")
	require.NoError(t, err)
	assert.Nil(t, found)

	hard, err := s.HardFindMemCell(ctx, tenant, "e1")
	require.NoError(t, err)
	require.NotNil(t, hard)
	firstDeletedID := hard.DeletedID
	firstDeletedBy := *hard.DeletedBy

	// Re-delete with a different actor is a no-op; audit fields unchanged.
	require.NoError(t, s.SoftDeleteMemCell(ctx, tenant, store.DeleteRef{ID: "e1", DeletedBy: "op2"}))
	hard2, err := s.HardFindMemCell(ctx, tenant, "e1")
	require.NoError(t, err)
	assert.Equal(t, firstDeletedID, hard2.DeletedID)
	assert.Equal(t, firstDeletedBy, *hard2.DeletedBy)
}

func TestScopeFilter_BothAllRejected(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	tenant := testTenant()

	_, err := s.FindMemCellsByFilter(ctx, tenant, store.MemCellFilter{
		Scope: store.ScopeFilter{UserID: store.All(), GroupID: store.All()},
	})
	require.Error(t, err)
	kind, ok := everrors.Of(err)
	require.True(t, ok)
	assert.Equal(t, everrors.KindScopeTooBroad, kind)
}

func TestScopeFilter_NullMatchesEmptyField(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	tenant := testTenant()

	gid := "g1"
	require.NoError(t, s.UpsertMemCell(ctx, tenant, domain.MemCell{EventID: "e1", GroupID: &gid, Timestamp: time.Now()}))
	require.NoError(t, s.UpsertMemCell(ctx, tenant, domain.MemCell{EventID: "e2", Timestamp: time.Now()}))

	cells, err := s.FindMemCellsByFilter(ctx, tenant, store.MemCellFilter{
		Scope: store.ScopeFilter{UserID: store.IsNull(), GroupID: store.All()},
	})
	require.NoError(t, err)
	require.Len(t, cells, 2)
}

func TestProfile_UpsertBumpsVersion(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	tenant := testTenant()

	p1, err := s.UpsertProfile(ctx, tenant, "u1", "", map[string]any{"likes": "go"}, 0.5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p1.Version)

	p2, err := s.UpsertProfile(ctx, tenant, "u1", "", map[string]any{"dislikes": "bugs"}, 0.7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p2.Version)
	assert.Equal(t, "go", p2.ProfileData["likes"])
	assert.Equal(t, "bugs", p2.ProfileData["dislikes"])
}

func TestForesight_OverlapFilter(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	tenant := testTenant()

	start := domain.NewDate(time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))
	end := domain.NewDate(time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, s.UpsertForesight(ctx, tenant, domain.ForesightRecord{
		ID: "f1", StartTime: &start, EndTime: &end,
	}))

	queryStart := domain.NewDate(time.Date(2026, 1, 19, 0, 0, 0, 0, time.UTC))
	queryEnd := domain.NewDate(time.Date(2026, 1, 25, 0, 0, 0, 0, time.UTC))
	recs, err := s.FindForesightByFilter(ctx, tenant, store.ForesightFilter{
		Scope: store.ScopeFilter{UserID: store.All(), GroupID: store.IsNull()},
		Start: &queryStart, End: &queryEnd,
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	queryStart2 := domain.NewDate(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	queryEnd2 := domain.NewDate(time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC))
	recs2, err := s.FindForesightByFilter(ctx, tenant, store.ForesightFilter{
		Scope: store.ScopeFilter{UserID: store.All(), GroupID: store.IsNull()},
		Start: &queryStart2, End: &queryEnd2,
	})
	require.NoError(t, err)
	assert.Empty(t, recs2)
}

func TestTenantIsolation(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	a := tenancy.Tenant{OrgID: "acme", SpaceID: "prod"}
	b := tenancy.Tenant{OrgID: "other", SpaceID: "prod"}

	require.NoError(t, s.UpsertMemCell(ctx, a, domain.MemCell{EventID: "e1", Timestamp: time.Now()}))
	found, err := s.FindMemCell(ctx, b, "e1")
	require.NoError(t, err)
	assert.Nil(t, found)
}
