package store

import (
	"context"

	"evermem/internal/domain"
	"evermem/internal/tenancy"
)

// MemCellFilter bounds a find_memcells_by_filter call.
type MemCellFilter struct {
	Scope     ScopeFilter
	TimeRange TimeRange
	Page      Page
}

// EventLogFilter bounds a find-by-filter call over EventLogRecords.
type EventLogFilter struct {
	Scope      ScopeFilter
	ParentID   string
	ParentType domain.ParentType
	Page       Page
}

// ForesightFilter bounds a find-by-filter call over ForesightRecords, using
// date-overlap semantics against StartTime/EndTime.
type ForesightFilter struct {
	Scope      ScopeFilter
	ParentID   string
	ParentType domain.ParentType
	Start      *domain.Date
	End        *domain.Date
	Page       Page
}

// DeleteRef identifies the row(s) a soft/hard delete targets and who
// performed it.
type DeleteRef struct {
	ID        string
	Scope     ScopeFilter
	DeletedBy string
}

// MemCellStore is C5's MemCell family of operations.
type MemCellStore interface {
	UpsertMemCell(ctx context.Context, tenant tenancy.Tenant, cell domain.MemCell) error
	FindMemCell(ctx context.Context, tenant tenancy.Tenant, eventID string) (*domain.MemCell, error)
	FindMemCellsByFilter(ctx context.Context, tenant tenancy.Tenant, f MemCellFilter) ([]domain.MemCell, error)
	SoftDeleteMemCell(ctx context.Context, tenant tenancy.Tenant, ref DeleteRef) error
	HardDeleteMemCell(ctx context.Context, tenant tenancy.Tenant, eventID string) error
	HardFindMemCell(ctx context.Context, tenant tenancy.Tenant, eventID string) (*domain.MemCell, error)
}

// EventLogStore is C5's EventLogRecord family of operations.
type EventLogStore interface {
	UpsertEventLog(ctx context.Context, tenant tenancy.Tenant, rec domain.EventLogRecord) error
	FindByParent(ctx context.Context, tenant tenancy.Tenant, parentID string, parentType domain.ParentType) ([]domain.EventLogRecord, error)
	FindEventLogByFilter(ctx context.Context, tenant tenancy.Tenant, f EventLogFilter) ([]domain.EventLogRecord, error)
	// FindEventLogByID hydrates a single record by ID, used by C9 to
	// resolve a keyword/vector hit (which references the record ID, not
	// its parent) back to its full entity.
	FindEventLogByID(ctx context.Context, tenant tenancy.Tenant, id string) (*domain.EventLogRecord, error)
	SoftDeleteEventLog(ctx context.Context, tenant tenancy.Tenant, ref DeleteRef) error
	HardDeleteEventLog(ctx context.Context, tenant tenancy.Tenant, id string) error
}

// ForesightStore is C5's ForesightRecord family of operations.
type ForesightStore interface {
	UpsertForesight(ctx context.Context, tenant tenancy.Tenant, rec domain.ForesightRecord) error
	FindForesightByParent(ctx context.Context, tenant tenancy.Tenant, parentID string, parentType domain.ParentType) ([]domain.ForesightRecord, error)
	FindForesightByFilter(ctx context.Context, tenant tenancy.Tenant, f ForesightFilter) ([]domain.ForesightRecord, error)
	// FindForesightByID hydrates a single record by ID; see
	// EventLogStore.FindEventLogByID.
	FindForesightByID(ctx context.Context, tenant tenancy.Tenant, id string) (*domain.ForesightRecord, error)
	SoftDeleteForesight(ctx context.Context, tenant tenancy.Tenant, ref DeleteRef) error
	HardDeleteForesight(ctx context.Context, tenant tenancy.Tenant, id string) error
}

// ProfileStore is C5's UserProfile family of operations.
type ProfileStore interface {
	// UpsertProfile merges data into the existing profile for
	// (userID, groupID), bumping Version atomically, or creates one at
	// version 1 if none exists.
	UpsertProfile(ctx context.Context, tenant tenancy.Tenant, userID, groupID string, data map[string]any, confidence float64) (domain.UserProfile, error)
	FindProfile(ctx context.Context, tenant tenancy.Tenant, userID, groupID string) (*domain.UserProfile, error)
}

// ConversationMetaStore is C5's direct-write ConversationMeta operations,
// consumed by C10's upsert-conversation-meta façade call and read by C4.
type ConversationMetaStore interface {
	UpsertConversationMeta(ctx context.Context, tenant tenancy.Tenant, meta domain.ConversationMeta) error
	FindConversationMeta(ctx context.Context, tenant tenancy.Tenant, groupID string) (*domain.ConversationMeta, error)
}

// Store is the full C5 contract: the union every backend (memory,
// postgres) implements.
type Store interface {
	MemCellStore
	EventLogStore
	ForesightStore
	ProfileStore
	ConversationMetaStore
}
