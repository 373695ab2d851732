// Package extract implements C4: the extraction worker pool that turns a
// closed episode into a MemCell, its EventLogRecords, its ForesightRecords,
// and UserProfile upserts, committed to C5 and handed off to C8.
package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"evermem/internal/domain"
	"evermem/internal/embedding"
	everrors "evermem/internal/errors"
	"evermem/internal/index/keyword"
	"evermem/internal/index/vector"
	"evermem/internal/llm"
	"evermem/internal/observability"
	"evermem/internal/store"
	"evermem/internal/sync"
	"evermem/internal/tenancy"
)

// Episode is C4's unit of work: a closed window handed off by C10/C3.
type Episode struct {
	Tenant           tenancy.Tenant
	ConversationID   string
	Messages         []domain.Message
	ConversationMeta domain.ConversationMeta
}

// Result is the committed batch, returned to callers using sync_mode. On
// failure no Result exists; the Pool archives the Episode to the DLQ.
type Result struct {
	MemCell    domain.MemCell
	EventLogs  []domain.EventLogRecord
	Foresights []domain.ForesightRecord
	Profiles   []domain.UserProfile
}

// Config tunes retry/batching/foresight behavior; zero-value falls back to
// the defaults below.
type Config struct {
	EmbedBatchSize           int
	RetryAttempts            int
	RetryBaseSeconds         int
	TimeoutSeconds           int
	ForesightMax             int
	IncludeForesightInGroups bool
}

func (c Config) withDefaults() Config {
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = 256
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBaseSeconds <= 0 {
		c.RetryBaseSeconds = 2
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 180
	}
	if c.ForesightMax <= 0 {
		c.ForesightMax = 10
	}
	return c
}

// Worker runs the C4 algorithm against one Episode at a time.
type Worker struct {
	LLM      llm.Provider
	Embedder embedding.Embedder
	Store    store.Store
	Sync     *sync.Service
	IDGen    func() string
	Now      func() time.Time
	Cfg      Config
}

// NewWorker constructs a Worker with default ID/clock generators.
func NewWorker(llmProvider llm.Provider, embedder embedding.Embedder, st store.Store, syncSvc *sync.Service, cfg Config) *Worker {
	return &Worker{
		LLM:      llmProvider,
		Embedder: embedder,
		Store:    st,
		Sync:     syncSvc,
		IDGen:    newULID,
		Now:      time.Now,
		Cfg:      cfg.withDefaults(),
	}
}

// Process runs the full C4 algorithm: build transcript, summarize + extract
// facts in parallel, embed, generate foresight, update profiles, commit to
// C5 (all-or-nothing), hand off to C8.
func (w *Worker) Process(ctx context.Context, ep Episode) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(w.Cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	log := observability.LoggerWithTrace(ctx)
	if len(ep.Messages) == 0 {
		return Result{}, everrors.New(everrors.KindValidation, "extract.Process", fmt.Errorf("empty episode"))
	}

	transcript := buildTranscript(ep.Messages)

	var summary summarizeResult
	var facts []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		summary, err = withRetry(gctx, w.Cfg.RetryAttempts, w.Cfg.RetryBaseSeconds, func() (summarizeResult, error) {
			return summarize(gctx, w.LLM, transcript)
		})
		return err
	})
	g.Go(func() error {
		var err error
		facts, err = withRetry(gctx, w.Cfg.RetryAttempts, w.Cfg.RetryBaseSeconds, func() ([]string, error) {
			return extractAtomicFacts(gctx, w.LLM, transcript)
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return Result{}, everrors.New(everrors.KindExtractionFailed, "extract.Process", err)
	}

	facts = dedupeFacts(facts)

	factEmbeddings := [][]float32{}
	if len(facts) > 0 {
		emb, err := withRetry(ctx, w.Cfg.RetryAttempts, w.Cfg.RetryBaseSeconds, func() ([][]float32, error) {
			return w.Embedder.Embed(ctx, facts, false)
		})
		if err != nil {
			return Result{}, everrors.New(everrors.KindExtractionFailed, "extract.embedFacts", err)
		}
		factEmbeddings = emb
	}

	cellContent := memCellEmbedContent(summary, facts)
	cellEmbedding, err := withRetry(ctx, w.Cfg.RetryAttempts, w.Cfg.RetryBaseSeconds, func() ([][]float32, error) {
		return w.Embedder.Embed(ctx, []string{cellContent}, false)
	})
	if err != nil {
		return Result{}, everrors.New(everrors.KindExtractionFailed, "extract.embedCell", err)
	}

	eventID := w.IDGen()
	cell := domain.MemCell{
		EventID:      eventID,
		Timestamp:    ep.Messages[0].CreateTime,
		Subject:      summary.Subject,
		Summary:      summary.Summary,
		Episode:      summary.Episode,
		Participants: summary.Participants,
		Keywords:     summary.Keywords,
		Type:         domain.MemCellTypeConversation,
		OriginalData: ep.Messages,
		EventLog: domain.EventLog{
			AtomicFact:     facts,
			FactEmbeddings: factEmbeddings,
		},
		Embedding: firstOrNil(cellEmbedding),
	}
	assignScope(&cell, ep.ConversationMeta)

	eventLogs := make([]domain.EventLogRecord, len(facts))
	for i, fact := range facts {
		eventLogs[i] = domain.EventLogRecord{
			ID:           w.IDGen(),
			ParentType:   domain.ParentTypeMemCell,
			ParentID:     eventID,
			UserID:       cell.UserID,
			GroupID:      cell.GroupID,
			AtomicFact:   fact,
			Timestamp:    cell.Timestamp,
			Vector:       factEmbeddings[i],
			Participants: summary.Participants,
		}
	}

	var foresights []domain.ForesightRecord
	if shouldGenerateForesight(ep.ConversationMeta.Scene, w.Cfg.IncludeForesightInGroups) {
		foresights, err = w.generateForesights(ctx, eventID, cell, transcript)
		if err != nil {
			return Result{}, everrors.New(everrors.KindExtractionFailed, "extract.foresight", err)
		}
	}

	profiles, err := w.updateProfiles(ctx, ep.Tenant, summary.Participants, ep.ConversationMeta.GroupID, cell)
	if err != nil {
		return Result{}, everrors.New(everrors.KindExtractionFailed, "extract.profiles", err)
	}

	if err := w.commit(ctx, ep.Tenant, cell, eventLogs, foresights); err != nil {
		return Result{}, err
	}

	w.projectToSync(ctx, ep.Tenant, cell, eventLogs, foresights)

	log.Info().Str("event_id", eventID).Int("facts", len(facts)).Int("foresights", len(foresights)).Msg("extract: episode committed")
	return Result{MemCell: cell, EventLogs: eventLogs, Foresights: foresights, Profiles: profiles}, nil
}

func firstOrNil(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	return vecs[0]
}

func assignScope(cell *domain.MemCell, meta domain.ConversationMeta) {
	if meta.GroupID != "" {
		gid := meta.GroupID
		cell.GroupID = &gid
		return
	}
	if len(cell.Participants) > 0 {
		uid := cell.Participants[0]
		cell.UserID = &uid
	}
}

func shouldGenerateForesight(scene domain.SceneType, includeGroups bool) bool {
	switch scene {
	case domain.SceneAssistant, domain.SceneCompanion:
		return true
	case domain.SceneGroupChat:
		return includeGroups
	default:
		return false
	}
}

func buildTranscript(messages []domain.Message) string {
	var b strings.Builder
	for _, m := range messages {
		name := m.SenderName
		if name == "" {
			name = m.SenderID
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.MessageID, name, m.Content)
	}
	return b.String()
}

func dedupeFacts(facts []string) []string {
	seen := make(map[string]struct{}, len(facts))
	out := make([]string, 0, len(facts))
	for _, f := range facts {
		norm := strings.ToLower(strings.TrimSpace(f))
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, strings.TrimSpace(f))
	}
	return out
}

// memCellEmbedContent embeds the joined atomic facts when present,
// otherwise subject×3 + summary×2 + episode×1.
func memCellEmbedContent(s summarizeResult, facts []string) string {
	if len(facts) > 0 {
		return strings.Join(facts, " ")
	}
	parts := []string{s.Subject, s.Subject, s.Subject, s.Summary, s.Summary, s.Episode}
	return strings.Join(parts, " ")
}

func (w *Worker) generateForesights(ctx context.Context, eventID string, cell domain.MemCell, transcript string) ([]domain.ForesightRecord, error) {
	raw, err := withRetry(ctx, w.Cfg.RetryAttempts, w.Cfg.RetryBaseSeconds, func() ([]foresightItem, error) {
		return generateForesight(ctx, w.LLM, transcript, w.Cfg.ForesightMax)
	})
	if err != nil {
		return nil, err
	}
	if len(raw) > w.Cfg.ForesightMax {
		raw = raw[:w.Cfg.ForesightMax]
	}

	contents := make([]string, len(raw))
	for i, r := range raw {
		contents[i] = r.Content
	}
	var vecs [][]float32
	if len(contents) > 0 {
		vecs, err = withRetry(ctx, w.Cfg.RetryAttempts, w.Cfg.RetryBaseSeconds, func() ([][]float32, error) {
			return w.Embedder.Embed(ctx, contents, false)
		})
		if err != nil {
			return nil, err
		}
	}

	out := make([]domain.ForesightRecord, 0, len(raw))
	for i, r := range raw {
		rec := domain.ForesightRecord{
			ID:         w.IDGen(),
			ParentType: domain.ParentTypeMemCell,
			ParentID:   eventID,
			UserID:     cell.UserID,
			GroupID:    cell.GroupID,
			Content:    r.Content,
			Evidence:   r.Evidence,
		}
		if i < len(vecs) {
			rec.Vector = vecs[i]
		}
		if st, ok := domain.ParseDate(r.StartTime); ok {
			rec.StartTime = &st
		}
		if et, ok := domain.ParseDate(r.EndTime); ok {
			rec.EndTime = &et
		}
		if r.DurationDays > 0 {
			d := r.DurationDays
			rec.DurationDays = &d
		}
		rec.FillDerivedTemporalField()
		out = append(out, rec)
	}
	return out, nil
}

func (w *Worker) updateProfiles(ctx context.Context, tenant tenancy.Tenant, participants []string, groupID string, cell domain.MemCell) ([]domain.UserProfile, error) {
	var out []domain.UserProfile
	uniq := make(map[string]struct{}, len(participants))
	for _, userID := range participants {
		if userID == "" {
			continue
		}
		if _, ok := uniq[userID]; ok {
			continue
		}
		uniq[userID] = struct{}{}

		existing, err := w.Store.FindProfile(ctx, tenant, userID, groupID)
		if err != nil {
			return nil, err
		}
		data := mergeProfileData(existing, cell)
		confidence := 0.5
		if existing != nil {
			confidence = existing.Confidence
		}
		updated, err := w.Store.UpsertProfile(ctx, tenant, userID, groupID, data, confidence)
		if err != nil {
			return nil, err
		}
		out = append(out, updated)
	}
	return out, nil
}

// mergeProfileData folds the new episode's keywords into the profile's
// running interest set, deduplicated and capped. No fixed merge algorithm
// is mandated beyond that shape.
func mergeProfileData(existing *domain.UserProfile, cell domain.MemCell) map[string]any {
	data := map[string]any{}
	if existing != nil {
		for k, v := range existing.ProfileData {
			data[k] = v
		}
	}
	interests, _ := data["interests"].([]any)
	seen := make(map[string]struct{}, len(interests))
	for _, v := range interests {
		if s, ok := v.(string); ok {
			seen[s] = struct{}{}
		}
	}
	for _, kw := range cell.Keywords {
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		interests = append(interests, kw)
	}
	const maxInterests = 50
	if len(interests) > maxInterests {
		interests = interests[len(interests)-maxInterests:]
	}
	data["interests"] = interests
	data["last_subject"] = cell.Subject
	return data
}

// commit writes the MemCell, its EventLogRecords, and its ForesightRecords
// to C5. Partial commits are forbidden: if any later write fails,
// already-written rows are hard-deleted as a compensating action.
func (w *Worker) commit(ctx context.Context, tenant tenancy.Tenant, cell domain.MemCell, eventLogs []domain.EventLogRecord, foresights []domain.ForesightRecord) error {
	if err := w.Store.UpsertMemCell(ctx, tenant, cell); err != nil {
		return everrors.New(everrors.KindStoreInconsistent, "extract.commit.memcell", err)
	}

	committedLogs := make([]string, 0, len(eventLogs))
	for _, rec := range eventLogs {
		if err := w.Store.UpsertEventLog(ctx, tenant, rec); err != nil {
			w.rollback(ctx, tenant, cell.EventID, committedLogs, nil)
			return everrors.New(everrors.KindStoreInconsistent, "extract.commit.eventlog", err)
		}
		committedLogs = append(committedLogs, rec.ID)
	}

	committedForesights := make([]string, 0, len(foresights))
	for _, rec := range foresights {
		if err := w.Store.UpsertForesight(ctx, tenant, rec); err != nil {
			w.rollback(ctx, tenant, cell.EventID, committedLogs, committedForesights)
			return everrors.New(everrors.KindStoreInconsistent, "extract.commit.foresight", err)
		}
		committedForesights = append(committedForesights, rec.ID)
	}
	return nil
}

func (w *Worker) rollback(ctx context.Context, tenant tenancy.Tenant, eventID string, logIDs, foresightIDs []string) {
	log := observability.LoggerWithTrace(ctx)
	if err := w.Store.HardDeleteMemCell(ctx, tenant, eventID); err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("extract: rollback memcell failed")
	}
	for _, id := range logIDs {
		if err := w.Store.HardDeleteEventLog(ctx, tenant, id); err != nil {
			log.Error().Err(err).Str("id", id).Msg("extract: rollback eventlog failed")
		}
	}
	for _, id := range foresightIDs {
		if err := w.Store.HardDeleteForesight(ctx, tenant, id); err != nil {
			log.Error().Err(err).Str("id", id).Msg("extract: rollback foresight failed")
		}
	}
}

func (w *Worker) projectToSync(ctx context.Context, tenant tenancy.Tenant, cell domain.MemCell, eventLogs []domain.EventLogRecord, foresights []domain.ForesightRecord) {
	if w.Sync == nil {
		return
	}
	log := observability.LoggerWithTrace(ctx)
	now := w.Now()

	syncOrLog := func(item sync.Item) {
		if err := w.Sync.Sync(ctx, tenant, item); err != nil {
			log.Warn().Err(err).Str("entity_id", item.EntityID).Msg("extract: sync handoff incomplete, reconciler will retry")
		}
	}

	syncOrLog(sync.Item{
		EntityType: keyword.FamilyEpisodic,
		EntityID:   cell.EventID,
		UpdatedAt:  now,
		Keyword: keyword.Document{
			ID: cell.EventID, Family: keyword.FamilyEpisodic,
			ContentA: cell.SearchContent(), ContentB: cell.Summary, ContentC: cell.Episode,
			UserID: strOrEmpty(cell.UserID), GroupID: strOrEmpty(cell.GroupID), Recency: cell.Timestamp.Unix(),
		},
		Vector: vector.Document{
			ID: cell.EventID, Family: keyword.FamilyEpisodic, Vector: cell.Embedding,
			UserID: strOrEmpty(cell.UserID), GroupID: strOrEmpty(cell.GroupID), Recency: cell.Timestamp.Unix(),
		},
	})

	for _, rec := range eventLogs {
		syncOrLog(sync.Item{
			EntityType: keyword.FamilyEventLog,
			EntityID:   rec.ID,
			UpdatedAt:  now,
			Keyword: keyword.Document{
				ID: rec.ID, Family: keyword.FamilyEventLog, ContentA: rec.AtomicFact,
				UserID: strOrEmpty(rec.UserID), GroupID: strOrEmpty(rec.GroupID), Recency: rec.Timestamp.Unix(),
			},
			Vector: vector.Document{
				ID: rec.ID, Family: keyword.FamilyEventLog, Vector: rec.Vector,
				UserID: strOrEmpty(rec.UserID), GroupID: strOrEmpty(rec.GroupID), Recency: rec.Timestamp.Unix(),
			},
		})
	}

	for _, rec := range foresights {
		syncOrLog(sync.Item{
			EntityType: keyword.FamilyForesight,
			EntityID:   rec.ID,
			UpdatedAt:  now,
			Keyword: keyword.Document{
				ID: rec.ID, Family: keyword.FamilyForesight, ContentA: rec.Content,
				UserID: strOrEmpty(rec.UserID), GroupID: strOrEmpty(rec.GroupID), Recency: now.Unix(),
			},
			Vector: vector.Document{
				ID: rec.ID, Family: keyword.FamilyForesight, Vector: rec.Vector,
				UserID: strOrEmpty(rec.UserID), GroupID: strOrEmpty(rec.GroupID), Recency: now.Unix(),
			},
		})
	}
}

func strOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

