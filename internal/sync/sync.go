// Package sync implements C8: the fan-out writer that projects C5's durable
// entities into C6 (keyword) and C7 (vector), plus a background reconciler
// that retries entities left in a non-synced state after a partial failure.
package sync

import (
	"context"
	stdsync "sync"
	"time"

	"evermem/internal/index/keyword"
	"evermem/internal/index/vector"
	"evermem/internal/observability"
	"evermem/internal/tenancy"

	"golang.org/x/sync/errgroup"
)

// EntityType reuses keyword.Family: the three durable entity families are
// exactly the three index families.
type EntityType = keyword.Family

// Item is one unit of projection work: the already-built keyword and vector
// documents for one entity, queued until both sub-indexes confirm the
// write. C8 has no independent source of truth over C5, so Item carries
// everything needed to retry without re-reading C5.
type Item struct {
	EntityType EntityType
	EntityID   string
	UpdatedAt  time.Time
	Deleted    bool
	Keyword    keyword.Document
	Vector     vector.Document
}

// Status describes per-entity sync progress as a Queue backend tracks it.
// Queue.Pending returns the pending Items themselves, not Status values.
type Status struct {
	EntityType      EntityType
	EntityID        string
	UpdatedAt       time.Time
	KeywordSyncedAt *time.Time
	VectorSyncedAt  *time.Time
	LastError       string
	Attempts        int
}

// Queue tracks per-entity sync state across (keyword, vector) so an entity
// stays pending until both sub-indexes have confirmed its latest write. A
// retry re-projects both sides; Pending does not say which side failed.
type Queue interface {
	Enqueue(ctx context.Context, tenant tenancy.Tenant, item Item) error
	MarkKeywordSynced(ctx context.Context, tenant tenancy.Tenant, entityType EntityType, entityID string, at time.Time) error
	MarkVectorSynced(ctx context.Context, tenant tenancy.Tenant, entityType EntityType, entityID string, at time.Time) error
	MarkError(ctx context.Context, tenant tenancy.Tenant, entityType EntityType, entityID string, errMsg string) error
	Pending(ctx context.Context, tenant tenancy.Tenant, limit int) ([]Item, error)
}

// Service is the C8 fan-out writer and reconciler. The reconciler needs to
// know which tenants exist; since C5/C6/C7 bootstrap schemas/collections
// lazily with no central tenant registry, Service keeps its own set,
// populated as tenants pass through Sync.
type Service struct {
	Queue    Queue
	Keyword  keyword.Index
	Vector   vector.Index
	Interval time.Duration

	mu      stdsync.Mutex
	tenants map[tenancy.Tenant]struct{}
}

// New constructs a Service with the default 30s reconcile interval when cfg
// doesn't override it.
func New(queue Queue, kw keyword.Index, vec vector.Index, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Service{
		Queue:    queue,
		Keyword:  kw,
		Vector:   vec,
		Interval: interval,
		tenants:  make(map[tenancy.Tenant]struct{}),
	}
}

func (s *Service) registerTenant(tenant tenancy.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[tenant] = struct{}{}
}

func (s *Service) knownTenants() []tenancy.Tenant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tenancy.Tenant, 0, len(s.tenants))
	for t := range s.tenants {
		out = append(out, t)
	}
	return out
}

// Sync enqueues item, then projects it into both sub-indexes in parallel,
// immediately. Each side that succeeds is marked synced and a failing side
// records its error; the item stays pending until both sides are synced,
// and the reconciler then re-projects both sides.
func (s *Service) Sync(ctx context.Context, tenant tenancy.Tenant, item Item) error {
	s.registerTenant(tenant)
	if err := s.Queue.Enqueue(ctx, tenant, item); err != nil {
		return err
	}
	return s.project(ctx, tenant, item)
}

func (s *Service) project(ctx context.Context, tenant tenancy.Tenant, item Item) error {
	log := observability.LoggerWithTrace(ctx)
	now := item.UpdatedAt

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if item.Deleted {
			err = s.Keyword.Delete(gctx, tenant, item.EntityType, item.EntityID)
		} else {
			err = s.Keyword.Upsert(gctx, tenant, item.Keyword)
		}
		if err != nil {
			if markErr := s.Queue.MarkError(ctx, tenant, item.EntityType, item.EntityID, "keyword: "+err.Error()); markErr != nil {
				return markErr
			}
			return err
		}
		return s.Queue.MarkKeywordSynced(ctx, tenant, item.EntityType, item.EntityID, now)
	})
	g.Go(func() error {
		var err error
		if item.Deleted {
			err = s.Vector.Delete(gctx, tenant, item.EntityType, item.EntityID)
		} else {
			err = s.Vector.Upsert(gctx, tenant, item.Vector)
		}
		if err != nil {
			if markErr := s.Queue.MarkError(ctx, tenant, item.EntityType, item.EntityID, "vector: "+err.Error()); markErr != nil {
				return markErr
			}
			return err
		}
		return s.Queue.MarkVectorSynced(ctx, tenant, item.EntityType, item.EntityID, now)
	})
	err := g.Wait()
	if err != nil {
		log.Warn().Err(err).Str("entity_id", item.EntityID).Str("entity_type", string(item.EntityType)).Msg("sync: projection incomplete, reconciler will retry")
	}
	return err
}

// Run blocks, reconciling every Interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcileOnce(ctx)
		}
	}
}

func (s *Service) reconcileOnce(ctx context.Context) {
	log := observability.LoggerWithTrace(ctx)
	for _, tenant := range s.knownTenants() {
		items, err := s.Queue.Pending(ctx, tenant, 100)
		if err != nil {
			log.Error().Err(err).Str("namespace", tenant.Namespace()).Msg("sync: reconcile pending lookup failed")
			continue
		}
		for _, item := range items {
			if err := s.project(ctx, tenant, item); err != nil {
				log.Warn().Err(err).Str("entity_id", item.EntityID).Msg("sync: reconcile retry failed")
			}
		}
	}
}
