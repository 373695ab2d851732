// Package api implements C10: the thin contract surface the outer transport
// consumes — ingest-one-message, fetch, search, delete, conversation-meta
// upsert. It owns no storage of its own; every operation is
// a direct call into C1-C9.
package api

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"evermem/internal/boundary"
	"evermem/internal/buffer"
	"evermem/internal/config"
	"evermem/internal/domain"
	everrors "evermem/internal/errors"
	"evermem/internal/extract"
	"evermem/internal/observability"
	"evermem/internal/retrieve"
	"evermem/internal/store"
	"evermem/internal/tenancy"
)

// IngestStatus is the ingest response's status field.
type IngestStatus string

const (
	StatusAccumulated IngestStatus = "accumulated"
	StatusProcessing  IngestStatus = "processing"
	StatusExtracted   IngestStatus = "extracted"
)

// IngestResult is the façade's response to one ingested Message.
type IngestResult struct {
	Status        IngestStatus
	Count         int
	SavedMemories []string
	RequestID     string
	Queued        bool
	Depth         int
}

// FetchQuery bounds a fetch-by-filter call (singular memory_type, unlike
// search's memory_types[]).
type FetchQuery struct {
	UserID     store.ScopeValue
	GroupID    store.ScopeValue
	MemoryType retrieve.MemoryType
	TimeRange  store.TimeRange
	Limit      int
	Offset     int
}

// FetchResult packages fetched memories without ranking.
type FetchResult struct {
	Memories   []retrieve.Memory
	TotalCount int
	HasMore    bool
}

// DeleteQuery targets either one MemCell by EventID or every MemCell
// matching the scope filter; exactly one of the two paths is taken.
type DeleteQuery struct {
	EventID   string
	UserID    store.ScopeValue
	GroupID   store.ScopeValue
	DeletedBy string
}

// DeleteResult reports how many entities were soft-deleted.
type DeleteResult struct {
	Filters string
	Count   int
}

// depther is satisfied by queue backends that can report current depth
// (extract.MemoryQueue); durable backends (Kafka) have no cheap equivalent
// and are simply skipped by the backpressure check.
type depther interface {
	Len() int
}

// Facade is C10, constructed with a functional-options pattern.
type Facade struct {
	Buffer   buffer.Store
	Boundary *boundary.Detector
	Pool     *extract.Pool
	Worker   *extract.Worker
	Store    store.Store
	Retrieve *retrieve.Engine

	extractionCfg config.ExtractionConfig

	metrics observability.Metrics
	clock   Clock
	idGen   func() string
}

// New constructs a Facade. buf/det/pool/worker/st/eng are the C1-C9
// collaborators this façade sequences; extractionCfg supplies the
// backpressure thresholds.
func New(
	buf buffer.Store,
	det *boundary.Detector,
	pool *extract.Pool,
	worker *extract.Worker,
	st store.Store,
	eng *retrieve.Engine,
	extractionCfg config.ExtractionConfig,
	opts ...Option,
) *Facade {
	f := &Facade{
		Buffer:        buf,
		Boundary:      det,
		Pool:          pool,
		Worker:        worker,
		Store:         st,
		Retrieve:      eng,
		extractionCfg: extractionCfg,
		metrics:       observability.NoopMetrics{},
		clock:         SystemClock{},
		idGen:         uuid.NewString,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Ingest is C10's ingest-one-message operation.
//
// syncMode blocks until extraction completes, bypassing the Pool/Queue
// entirely — used by tests/eval.
func (f *Facade) Ingest(ctx context.Context, tenant tenancy.Tenant, msg domain.Message, syncMode bool) (IngestResult, error) {
	if err := tenant.Validate(); err != nil {
		return IngestResult{}, err
	}
	start := f.clock.Now()
	f.metrics.IncCounter(ctx, "api_ingest_total", map[string]string{"tenant": tenant.Namespace()})
	defer func() {
		f.metrics.ObserveHistogram(ctx, "api_ingest_latency_ms", float64(f.clock.Now().Sub(start).Milliseconds()), map[string]string{"tenant": tenant.Namespace()})
	}()

	if err := f.Buffer.Append(ctx, tenant, msg.ConversationID, msg); err != nil {
		return IngestResult{}, err
	}

	buffered, err := f.Buffer.Peek(ctx, tenant, msg.ConversationID)
	if err != nil {
		return IngestResult{}, err
	}
	var history []domain.Message
	if len(buffered) > 0 {
		history = buffered[:len(buffered)-1]
	}
	decision := f.Boundary.Evaluate(history, &msg)
	if !decision.Fire {
		return IngestResult{Status: StatusAccumulated, Count: len(buffered)}, nil
	}

	drained, err := f.Buffer.Drain(ctx, tenant, msg.ConversationID)
	if err != nil {
		return IngestResult{}, err
	}
	// A forced flush closes the episode with the probe in it; any other
	// boundary closes it before the probe, which goes back to seed the next
	// buffer.
	if !decision.Forced {
		for i := len(drained) - 1; i >= 0; i-- {
			if drained[i].MessageID == msg.MessageID {
				if err := f.Buffer.Requeue(ctx, tenant, msg.ConversationID, drained[i:]); err != nil {
					return IngestResult{}, err
				}
				drained = drained[:i]
				break
			}
		}
	}

	meta := conversationMetaFor(ctx, f.Store, tenant, msg)
	ep := extract.Episode{Tenant: tenant, ConversationID: msg.ConversationID, Messages: drained, ConversationMeta: meta}
	requestID := f.idGen()

	if syncMode {
		result, err := f.Worker.Process(ctx, ep)
		if err != nil {
			return IngestResult{}, err
		}
		return IngestResult{
			Status:        StatusExtracted,
			Count:         len(drained),
			SavedMemories: savedMemoryIDs(result),
			RequestID:     requestID,
		}, nil
	}

	depth := -1
	if d, ok := f.Pool.Queue.(depther); ok {
		depth = d.Len()
	}
	if hc := f.extractionCfg.HardCap; hc > 0 && depth >= hc {
		return IngestResult{}, everrors.New(everrors.KindBufferUnavailable, "api.Ingest", fmt.Errorf("extraction queue at hard cap (%d)", hc))
	}
	if err := f.Pool.Queue.Submit(ctx, ep); err != nil {
		return IngestResult{}, err
	}
	res := IngestResult{Status: StatusProcessing, Count: len(drained), RequestID: requestID}
	if hw := f.extractionCfg.HighWatermark; hw > 0 && depth >= hw {
		res.Queued = true
		res.Depth = depth
	}
	return res, nil
}

// conversationMetaFor reads the stored ConversationMeta for msg's group, or
// falls back to a minimal meta keyed by conversation_id when none is on
// file yet (first message of a brand-new conversation).
func conversationMetaFor(ctx context.Context, st store.Store, tenant tenancy.Tenant, msg domain.Message) domain.ConversationMeta {
	groupID := msg.GroupName
	if groupID == "" {
		groupID = msg.ConversationID
	}
	meta, err := st.FindConversationMeta(ctx, tenant, groupID)
	if err != nil || meta == nil {
		return domain.ConversationMeta{GroupID: groupID, Scene: domain.SceneAssistant}
	}
	return *meta
}

func savedMemoryIDs(result extract.Result) []string {
	ids := make([]string, 0, 1+len(result.EventLogs)+len(result.Foresights))
	if result.MemCell.EventID != "" {
		ids = append(ids, result.MemCell.EventID)
	}
	for _, r := range result.EventLogs {
		ids = append(ids, r.ID)
	}
	for _, r := range result.Foresights {
		ids = append(ids, r.ID)
	}
	return ids
}

// Fetch is C10's fetch-by-filter operation: straight to C5, no ranking.
func (f *Facade) Fetch(ctx context.Context, tenant tenancy.Tenant, q FetchQuery) (FetchResult, error) {
	if err := tenant.Validate(); err != nil {
		return FetchResult{}, err
	}
	scope := store.ScopeFilter{UserID: q.UserID, GroupID: q.GroupID}
	if err := scope.Validate(); err != nil {
		return FetchResult{}, err
	}
	page := store.Page{Limit: q.Limit, Offset: q.Offset}

	switch q.MemoryType {
	case retrieve.TypeEventLog:
		recs, err := f.Store.FindEventLogByFilter(ctx, tenant, store.EventLogFilter{Scope: scope, Page: page})
		if err != nil {
			return FetchResult{}, err
		}
		recs = filterEventLogsByTime(recs, q.TimeRange)
		mems := make([]retrieve.Memory, 0, len(recs))
		for i := range recs {
			mems = append(mems, retrieve.Memory{Type: retrieve.TypeEventLog, ID: recs[i].ID, Log: &recs[i]})
		}
		return FetchResult{Memories: mems, TotalCount: len(mems), HasMore: hasMore(page, len(mems))}, nil

	case retrieve.TypeForesight:
		ff := store.ForesightFilter{Scope: scope, Page: page}
		if !q.TimeRange.Start.IsZero() {
			d := domain.NewDate(q.TimeRange.Start)
			ff.Start = &d
		}
		if !q.TimeRange.End.IsZero() {
			d := domain.NewDate(q.TimeRange.End)
			ff.End = &d
		}
		recs, err := f.Store.FindForesightByFilter(ctx, tenant, ff)
		if err != nil {
			return FetchResult{}, err
		}
		mems := make([]retrieve.Memory, 0, len(recs))
		for i := range recs {
			mems = append(mems, retrieve.Memory{Type: retrieve.TypeForesight, ID: recs[i].ID, Fore: &recs[i]})
		}
		return FetchResult{Memories: mems, TotalCount: len(mems), HasMore: hasMore(page, len(mems))}, nil

	case retrieve.TypeProfile:
		if !q.UserID.Filter || q.UserID.Null || q.UserID.Value == "" {
			return FetchResult{}, everrors.New(everrors.KindValidation, "api.Fetch", fmt.Errorf("profile fetch requires an exact user_id"))
		}
		profile, err := f.Store.FindProfile(ctx, tenant, q.UserID.Value, q.GroupID.Value)
		if err != nil {
			return FetchResult{}, err
		}
		if profile == nil {
			return FetchResult{}, nil
		}
		return FetchResult{Memories: []retrieve.Memory{{Type: retrieve.TypeProfile, ID: profile.UserID}}, TotalCount: 1}, nil

	default: // episodic_memory, or omitted
		cells, err := f.Store.FindMemCellsByFilter(ctx, tenant, store.MemCellFilter{Scope: scope, TimeRange: q.TimeRange, Page: page})
		if err != nil {
			return FetchResult{}, err
		}
		mems := make([]retrieve.Memory, 0, len(cells))
		for i := range cells {
			mems = append(mems, retrieve.Memory{Type: retrieve.TypeEpisodicMemory, ID: cells[i].EventID, Cell: &cells[i]})
		}
		return FetchResult{Memories: mems, TotalCount: len(mems), HasMore: hasMore(page, len(mems))}, nil
	}
}

// filterEventLogsByTime applies tr client-side since store.EventLogFilter
// carries no time bound (C5's EventLogRecord fetch is parent/scope-keyed
// only); this mirrors C9's hydration-time filtering for the same reason.
func filterEventLogsByTime(recs []domain.EventLogRecord, tr store.TimeRange) []domain.EventLogRecord {
	if tr.Start.IsZero() && tr.End.IsZero() {
		return recs
	}
	out := recs[:0:0]
	for _, r := range recs {
		if !tr.Start.IsZero() && r.Timestamp.Before(tr.Start) {
			continue
		}
		if !tr.End.IsZero() && r.Timestamp.After(tr.End) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// hasMore is a conservative heuristic: a full page suggests more rows may
// follow. C5's filter calls don't report a total count independent of the
// page, so an exact has_more would require a second count query per fetch.
func hasMore(page store.Page, got int) bool {
	return page.Limit > 0 && got == page.Limit
}

// Search is C10's search operation: straight to C9.
func (f *Facade) Search(ctx context.Context, tenant tenancy.Tenant, q retrieve.Query) (retrieve.Result, error) {
	if err := tenant.Validate(); err != nil {
		return retrieve.Result{}, err
	}
	return f.Retrieve.Search(ctx, tenant, q)
}

// Delete is C10's delete operation: C5 soft-delete, requiring at least one
// non-"__all__" scoping field.
func (f *Facade) Delete(ctx context.Context, tenant tenancy.Tenant, q DeleteQuery) (DeleteResult, error) {
	if err := tenant.Validate(); err != nil {
		return DeleteResult{}, err
	}
	if q.DeletedBy == "" {
		return DeleteResult{}, everrors.New(everrors.KindValidation, "api.Delete", fmt.Errorf("deleted_by is required"))
	}
	scope := store.ScopeFilter{UserID: q.UserID, GroupID: q.GroupID}

	if q.EventID != "" {
		existing, err := f.Store.FindMemCell(ctx, tenant, q.EventID)
		if err != nil {
			return DeleteResult{}, err
		}
		if existing == nil {
			return DeleteResult{Filters: describeDeleteFilters(q), Count: 0}, nil
		}
		if err := f.Store.SoftDeleteMemCell(ctx, tenant, store.DeleteRef{ID: q.EventID, Scope: scope, DeletedBy: q.DeletedBy}); err != nil {
			return DeleteResult{}, err
		}
		return DeleteResult{Filters: describeDeleteFilters(q), Count: 1}, nil
	}

	if err := scope.Validate(); err != nil {
		return DeleteResult{}, err
	}
	cells, err := f.Store.FindMemCellsByFilter(ctx, tenant, store.MemCellFilter{Scope: scope})
	if err != nil {
		return DeleteResult{}, err
	}
	count := 0
	for _, c := range cells {
		if err := f.Store.SoftDeleteMemCell(ctx, tenant, store.DeleteRef{ID: c.EventID, Scope: scope, DeletedBy: q.DeletedBy}); err != nil {
			return DeleteResult{}, err
		}
		count++
	}
	return DeleteResult{Filters: describeDeleteFilters(q), Count: count}, nil
}

func describeDeleteFilters(q DeleteQuery) string {
	if q.EventID != "" {
		return fmt.Sprintf("event_id=%s", q.EventID)
	}
	return fmt.Sprintf("user_id=%v group_id=%v", q.UserID, q.GroupID)
}

// UpsertConversationMeta is C10's conversation-meta upsert: a direct C5
// write, returning the canonical stored value.
func (f *Facade) UpsertConversationMeta(ctx context.Context, tenant tenancy.Tenant, meta domain.ConversationMeta) (domain.ConversationMeta, error) {
	if err := tenant.Validate(); err != nil {
		return domain.ConversationMeta{}, err
	}
	if meta.GroupID == "" {
		return domain.ConversationMeta{}, everrors.New(everrors.KindValidation, "api.UpsertConversationMeta", fmt.Errorf("group_id is required"))
	}
	if err := f.Store.UpsertConversationMeta(ctx, tenant, meta); err != nil {
		return domain.ConversationMeta{}, err
	}
	stored, err := f.Store.FindConversationMeta(ctx, tenant, meta.GroupID)
	if err != nil {
		return domain.ConversationMeta{}, err
	}
	if stored == nil {
		return meta, nil
	}
	return *stored, nil
}
