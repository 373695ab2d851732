// Package retrieve implements C9: hybrid (keyword/vector/RRF) search across
// the three durable families, scope-filtered and reconciled against the
// pending buffer.
package retrieve

import (
	"context"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"evermem/internal/buffer"
	"evermem/internal/domain"
	"evermem/internal/embedding"
	everrors "evermem/internal/errors"
	"evermem/internal/index/keyword"
	"evermem/internal/index/vector"
	"evermem/internal/observability"
	"evermem/internal/store"
	"evermem/internal/tenancy"
)

// Method is one of the four supported retrieval strategies.
type Method string

const (
	MethodKeyword Method = "keyword"
	MethodVector  Method = "vector"
	MethodHybrid  Method = "hybrid"
	MethodRRF     Method = "rrf"
)

// MemoryType is one of the four families a search can be scoped to.
type MemoryType string

const (
	TypeEpisodicMemory MemoryType = "episodic_memory"
	TypeEventLog       MemoryType = "event_log"
	TypeForesight      MemoryType = "foresight"
	TypeProfile        MemoryType = "profile"
)

// Query is C9's input contract.
type Query struct {
	UserID       store.ScopeValue
	GroupID      store.ScopeValue
	QueryText    string
	MemoryTypes  []MemoryType
	Method       Method
	TopK         int
	TimeRange    store.TimeRange
}

// Memory is one hydrated, scored hit returned to the façade.
type Memory struct {
	Type   MemoryType
	ID     string
	Score  float64
	Cell   *domain.MemCell
	Log    *domain.EventLogRecord
	Fore   *domain.ForesightRecord
}

// Metadata carries result-set diagnostics (degraded fan-out, warnings).
type Metadata struct {
	Degraded bool
	Warnings []string
}

// Result is C9's output: memories and scores bucketed by group_id (null
// group_id buckets under the stable "personal" key), plus pending messages
// awaiting boundary closure, returned purely informationally.
type Result struct {
	Memories        map[string][]Memory
	Scores          map[string][]float64
	TotalCount      int
	HasMore         bool
	Metadata        Metadata
	PendingMessages []domain.Message
}

// PersonalBucket is the stable key used for entities with no group_id.
const PersonalBucket = "personal"

const defaultRRFK = 60

// Engine runs C9 against C5/C6/C7/C2.
type Engine struct {
	Store    store.Store
	Keyword  keyword.Index
	Vector   vector.Index
	Embedder embedding.Embedder
	Buffer   buffer.Store
	RRFK     int
}

// New constructs an Engine with the default RRF constant.
func New(st store.Store, kw keyword.Index, vec vector.Index, embedder embedding.Embedder, buf buffer.Store) *Engine {
	return &Engine{Store: st, Keyword: kw, Vector: vec, Embedder: embedder, Buffer: buf, RRFK: defaultRRFK}
}

// candidate is one union-of-IDs row tracked through fan-out and fusion.
type candidate struct {
	family   keyword.Family
	id       string
	kwRank   int
	vecRank  int
	kwScore  float64
	vecScore float64
	recency  int64
}

// Search runs the full C9 algorithm: scope validation, per-method
// sub-search fan-out, fusion, hydration, grouping, and pending-buffer
// reconciliation.
func (e *Engine) Search(ctx context.Context, tenant tenancy.Tenant, q Query) (Result, error) {
	scope := store.ScopeFilter{UserID: q.UserID, GroupID: q.GroupID}
	if err := scope.Validate(); err != nil {
		return Result{}, err
	}
	if q.TopK <= 0 {
		q.TopK = 10
	}

	families := familiesFor(q.MemoryTypes)
	method := q.Method
	if method == "" {
		method = MethodHybrid
	}

	var (
		kwHits  []keyword.Hit
		vecHits []vector.Hit
		meta    Metadata
	)

	runKeyword := method == MethodKeyword || method == MethodHybrid || method == MethodRRF
	runVector := method == MethodVector || method == MethodHybrid || method == MethodRRF

	g, gctx := errgroup.WithContext(ctx)
	if runKeyword && len(families) > 0 {
		g.Go(func() error {
			hits, err := e.Keyword.Search(gctx, tenant, families, q.QueryText, q.TopK)
			if err != nil {
				return err
			}
			kwHits = hits
			return nil
		})
	}
	if runVector && len(families) > 0 {
		g.Go(func() error {
			vecs, err := e.Embedder.Embed(gctx, []string{q.QueryText}, true)
			if err != nil {
				return err
			}
			if len(vecs) == 0 {
				return nil
			}
			hits, err := e.Vector.Search(gctx, tenant, families, vecs[0], q.TopK)
			if err != nil {
				return err
			}
			vecHits = hits
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// Cancellation/deadline degrades to whichever sub-search finished;
		// the other is dropped with a warning.
		if everrors.Is(err, everrors.KindCancelled) || everrors.Is(err, everrors.KindDeadlineExceeded) || ctx.Err() != nil {
			meta.Degraded = true
			meta.Warnings = append(meta.Warnings, "one or more sub-searches did not complete in time: "+err.Error())
		} else {
			return Result{}, err
		}
	}

	fused := fuse(kwHits, vecHits, method, e.rrfK())
	if len(fused) > q.TopK {
		fused = fused[:q.TopK]
	}

	memories, err := e.hydrate(ctx, tenant, scope, q.TimeRange, fused)
	if err != nil {
		return Result{}, err
	}

	pending, err := e.pendingMessages(ctx, tenant)
	if err != nil {
		log := observability.LoggerWithTrace(ctx)
		log.Warn().Err(err).Msg("retrieve: pending-buffer reconciliation failed, omitting pending_messages")
	}

	buckets, scores := bucket(memories)
	return Result{
		Memories:        buckets,
		Scores:          scores,
		TotalCount:      len(memories),
		HasMore:         false,
		Metadata:        meta,
		PendingMessages: pending,
	}, nil
}

func (e *Engine) rrfK() int {
	if e.RRFK <= 0 {
		return defaultRRFK
	}
	return e.RRFK
}

func familiesFor(types []MemoryType) []keyword.Family {
	if len(types) == 0 {
		return []keyword.Family{keyword.FamilyEpisodic, keyword.FamilyEventLog, keyword.FamilyForesight}
	}
	out := make([]keyword.Family, 0, len(types))
	for _, t := range types {
		switch t {
		case TypeEpisodicMemory:
			out = append(out, keyword.FamilyEpisodic)
		case TypeEventLog:
			out = append(out, keyword.FamilyEventLog)
		case TypeForesight:
			out = append(out, keyword.FamilyForesight)
		}
	}
	return out
}

// fuse merges keyword and vector hits per method: keyword/vector pass
// their single list through unchanged (as candidates); hybrid performs a
// weighted-sum after per-list min-max normalization; rrf performs
// reciprocal rank fusion, adapted from a fixed two-list RRF into a union keyed
// by (family, entity_id) instead of a single document family.
func fuse(kwHits []keyword.Hit, vecHits []vector.Hit, method Method, rrfK int) []candidate {
	type key struct {
		family keyword.Family
		id     string
	}
	byKey := map[key]*candidate{}
	order := []key{}
	get := func(family keyword.Family, id string) *candidate {
		k := key{family, id}
		if c, ok := byKey[k]; ok {
			return c
		}
		c := &candidate{family: family, id: id}
		byKey[k] = c
		order = append(order, k)
		return c
	}

	for i, h := range kwHits {
		c := get(h.Family, h.ID)
		c.kwRank = i + 1
		c.kwScore = h.Score
	}
	for i, h := range vecHits {
		c := get(h.Family, h.ID)
		c.vecRank = i + 1
		c.vecScore = h.Score
	}

	out := make([]candidate, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}

	switch method {
	case MethodKeyword:
		sort.SliceStable(out, func(i, j int) bool { return out[i].kwScore > out[j].kwScore })
	case MethodVector:
		sort.SliceStable(out, func(i, j int) bool { return out[i].vecScore > out[j].vecScore })
	case MethodRRF:
		fuseRRF(out, rrfK)
	default: // hybrid
		fuseHybrid(out)
	}
	return out
}

func fuseRRF(out []candidate, k int) {
	for i := range out {
		var kw, vec float64
		if out[i].kwRank > 0 {
			kw = 1.0 / float64(k+out[i].kwRank)
		}
		if out[i].vecRank > 0 {
			vec = 1.0 / float64(k+out[i].vecRank)
		}
		out[i].kwScore = kw
		out[i].vecScore = vec
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].kwScore+out[i].vecScore, out[j].kwScore+out[j].vecScore
		if si != sj {
			return si > sj
		}
		return out[i].recency > out[j].recency
	})
}

// fuseHybrid applies per-list min-max normalization then a 0.5/0.5
// weighted sum; the split point itself is left to the
// implementer, resolved here as an equal split absent further guidance).
func fuseHybrid(out []candidate) {
	kwMin, kwMax := minMaxKw(out)
	vecMin, vecMax := minMaxVec(out)
	for i := range out {
		kwNorm := normalize(out[i].kwScore, kwMin, kwMax, out[i].kwRank > 0)
		vecNorm := normalize(out[i].vecScore, vecMin, vecMax, out[i].vecRank > 0)
		out[i].kwScore = kwNorm
		out[i].vecScore = vecNorm
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := 0.5*out[i].kwScore+0.5*out[i].vecScore, 0.5*out[j].kwScore+0.5*out[j].vecScore
		if si != sj {
			return si > sj
		}
		return out[i].recency > out[j].recency
	})
}

func minMaxKw(cands []candidate) (float64, float64) {
	min, max := math.Inf(1), math.Inf(-1)
	for _, c := range cands {
		if c.kwRank == 0 {
			continue
		}
		if c.kwScore < min {
			min = c.kwScore
		}
		if c.kwScore > max {
			max = c.kwScore
		}
	}
	return min, max
}

func minMaxVec(cands []candidate) (float64, float64) {
	min, max := math.Inf(1), math.Inf(-1)
	for _, c := range cands {
		if c.vecRank == 0 {
			continue
		}
		if c.vecScore < min {
			min = c.vecScore
		}
		if c.vecScore > max {
			max = c.vecScore
		}
	}
	return min, max
}

func normalize(v, min, max float64, present bool) float64 {
	if !present {
		return 0
	}
	if max <= min {
		return 1
	}
	return (v - min) / (max - min)
}

// hydrate loads each candidate's full entity from C5, dropping hits whose
// entity is missing, soft-deleted, or outside the requested scope (a
// StoreInconsistent condition is logged, not surfaced, since C6/C7 lag C5
// by design). Scope is re-checked here rather than at the index layer
// because keyword.Index/vector.Index don't carry a scope-filter parameter
// in their Search contract, which is defined purely by text/vector in,
// ranked IDs out.
func (e *Engine) hydrate(ctx context.Context, tenant tenancy.Tenant, scope store.ScopeFilter, timeRange store.TimeRange, cands []candidate) ([]Memory, error) {
	log := observability.LoggerWithTrace(ctx)
	out := make([]Memory, 0, len(cands))
	for _, c := range cands {
		score := c.kwScore + c.vecScore
		switch c.family {
		case keyword.FamilyEpisodic:
			cell, err := e.Store.FindMemCell(ctx, tenant, c.id)
			if err != nil {
				return nil, err
			}
			if cell == nil || cell.IsDeleted() {
				log.Warn().Str("id", c.id).Msg("retrieve: store_inconsistent, dropping stale episodic hit")
				continue
			}
			if !scopeMatches(scope, strPtrOrEmpty(cell.UserID), strPtrOrEmpty(cell.GroupID)) {
				continue
			}
			if !withinTimeRange(timeRange, cell.Timestamp) {
				continue
			}
			out = append(out, Memory{Type: TypeEpisodicMemory, ID: c.id, Score: score, Cell: cell})
		case keyword.FamilyEventLog:
			rec, err := e.Store.FindEventLogByID(ctx, tenant, c.id)
			if err != nil {
				return nil, err
			}
			if rec == nil || rec.IsDeleted() {
				log.Warn().Str("id", c.id).Msg("retrieve: store_inconsistent, dropping stale event_log hit")
				continue
			}
			if !scopeMatches(scope, strPtrOrEmpty(rec.UserID), strPtrOrEmpty(rec.GroupID)) {
				continue
			}
			if !withinTimeRange(timeRange, rec.Timestamp) {
				continue
			}
			out = append(out, Memory{Type: TypeEventLog, ID: c.id, Score: score, Log: rec})
		case keyword.FamilyForesight:
			rec, err := e.Store.FindForesightByID(ctx, tenant, c.id)
			if err != nil {
				return nil, err
			}
			if rec == nil || rec.IsDeleted() {
				log.Warn().Str("id", c.id).Msg("retrieve: store_inconsistent, dropping stale foresight hit")
				continue
			}
			if !scopeMatches(scope, strPtrOrEmpty(rec.UserID), strPtrOrEmpty(rec.GroupID)) {
				continue
			}
			out = append(out, Memory{Type: TypeForesight, ID: c.id, Score: score, Fore: rec})
		}
	}
	return out, nil
}

// withinTimeRange reports whether ts falls within tr, treating a zero
// Start/End as unbounded (store.TimeRange's convention).
func withinTimeRange(tr store.TimeRange, ts time.Time) bool {
	if !tr.Start.IsZero() && ts.Before(tr.Start) {
		return false
	}
	if !tr.End.IsZero() && ts.After(tr.End) {
		return false
	}
	return true
}

func strPtrOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// scopeMatches applies store's three-valued scope contract client-side,
// against whichever entity hydrate just loaded.
func scopeMatches(scope store.ScopeFilter, userID, groupID string) bool {
	return scopeValueMatches(scope.UserID, userID) && scopeValueMatches(scope.GroupID, groupID)
}

func scopeValueMatches(sv store.ScopeValue, value string) bool {
	if !sv.Filter {
		return true
	}
	if sv.Null {
		return value == ""
	}
	return value == sv.Value
}

func (e *Engine) pendingMessages(ctx context.Context, tenant tenancy.Tenant) ([]domain.Message, error) {
	if e.Buffer == nil {
		return nil, nil
	}
	convs, err := e.Buffer.Conversations(ctx, tenant)
	if err != nil {
		return nil, err
	}
	var out []domain.Message
	for _, conv := range convs {
		msgs, err := e.Buffer.Peek(ctx, tenant, conv)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// bucket groups memories by group_id, with entities carrying no group_id
// bucketed under PersonalBucket. scores is built in lockstep with the
// returned memories map: identical key set, identical per-key length and
// order, so callers can zip Memories[k][i] with Scores[k][i].
func bucket(memories []Memory) (map[string][]Memory, map[string][]float64) {
	out := map[string][]Memory{}
	scores := map[string][]float64{}
	for _, m := range memories {
		key := PersonalBucket
		switch {
		case m.Cell != nil && m.Cell.GroupID != nil && *m.Cell.GroupID != "":
			key = *m.Cell.GroupID
		case m.Log != nil && m.Log.GroupID != nil && *m.Log.GroupID != "":
			key = *m.Log.GroupID
		case m.Fore != nil && m.Fore.GroupID != nil && *m.Fore.GroupID != "":
			key = *m.Fore.GroupID
		}
		out[key] = append(out[key], m)
		scores[key] = append(scores[key], m.Score)
	}
	return out, scores
}
