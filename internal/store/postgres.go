package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"evermem/internal/domain"
	everrors "evermem/internal/errors"
	"evermem/internal/observability"
	"evermem/internal/tenancy"
)

// PostgresStore is the durable Store backend: one schema per tenant, one
// table per entity family, isolating multi-tenant data within a shared
// Postgres instance.
type PostgresStore struct {
	pool        *pgxpool.Pool
	schemaReady sync.Map // schema name -> struct{}
}

// NewPostgresStore wraps an existing pgxpool.Pool. The pool's lifecycle is
// owned by the caller.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) ensureSchema(ctx context.Context, tenant tenancy.Tenant) error {
	schema := tenant.SchemaName()
	if _, ok := s.schemaReady.Load(schema); ok {
		return nil
	}
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[1]s.memcells (
	event_id TEXT PRIMARY KEY,
	user_id TEXT,
	group_id TEXT,
	timestamp TIMESTAMPTZ NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	episode TEXT NOT NULL DEFAULT '',
	participants JSONB NOT NULL DEFAULT '[]',
	keywords JSONB NOT NULL DEFAULT '[]',
	cell_type TEXT NOT NULL DEFAULT '',
	original_data JSONB NOT NULL DEFAULT '[]',
	semantic_memories JSONB NOT NULL DEFAULT '[]',
	event_log JSONB NOT NULL DEFAULT '{}',
	embedding JSONB NOT NULL DEFAULT '[]',
	deleted_at TIMESTAMPTZ,
	deleted_by TEXT,
	deleted_id BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS memcells_scope_idx ON %[1]s.memcells(user_id, group_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS %[1]s.event_log_records (
	id TEXT PRIMARY KEY,
	parent_type TEXT NOT NULL,
	parent_id TEXT NOT NULL,
	user_id TEXT,
	group_id TEXT,
	atomic_fact TEXT NOT NULL DEFAULT '',
	timestamp TIMESTAMPTZ NOT NULL,
	vector JSONB NOT NULL DEFAULT '[]',
	vector_model TEXT NOT NULL DEFAULT '',
	participants JSONB NOT NULL DEFAULT '[]',
	event_type TEXT NOT NULL DEFAULT '',
	extend JSONB NOT NULL DEFAULT '{}',
	deleted_at TIMESTAMPTZ,
	deleted_by TEXT,
	deleted_id BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS event_log_parent_idx ON %[1]s.event_log_records(parent_id, parent_type);

CREATE TABLE IF NOT EXISTS %[1]s.foresight_records (
	id TEXT PRIMARY KEY,
	parent_type TEXT NOT NULL,
	parent_id TEXT NOT NULL,
	user_id TEXT,
	group_id TEXT,
	content TEXT NOT NULL DEFAULT '',
	evidence TEXT NOT NULL DEFAULT '',
	start_time DATE,
	end_time DATE,
	duration_days INT,
	vector JSONB NOT NULL DEFAULT '[]',
	vector_model TEXT NOT NULL DEFAULT '',
	deleted_at TIMESTAMPTZ,
	deleted_by TEXT,
	deleted_id BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS foresight_parent_idx ON %[1]s.foresight_records(parent_id, parent_type);
CREATE INDEX IF NOT EXISTS foresight_window_idx ON %[1]s.foresight_records(start_time, end_time);

CREATE TABLE IF NOT EXISTS %[1]s.user_profiles (
	user_id TEXT NOT NULL,
	group_id TEXT NOT NULL DEFAULT '',
	version BIGINT NOT NULL DEFAULT 1,
	profile_data JSONB NOT NULL DEFAULT '{}',
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	cluster_ids JSONB NOT NULL DEFAULT '[]',
	memcell_count BIGINT NOT NULL DEFAULT 0,
	last_updated_cluster TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, group_id)
);

CREATE TABLE IF NOT EXISTS %[1]s.conversation_meta (
	group_id TEXT PRIMARY KEY,
	scene TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	default_timezone TEXT NOT NULL DEFAULT 'UTC',
	user_details JSONB NOT NULL DEFAULT '{}',
	tags JSONB NOT NULL DEFAULT '[]'
);
`, pgx.Identifier{schema}.Sanitize())

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return everrors.New(everrors.KindStoreInconsistent, "store.ensureSchema", err)
	}
	s.schemaReady.Store(schema, struct{}{})
	return nil
}

// --- MemCell ---

func (s *PostgresStore) UpsertMemCell(ctx context.Context, tenant tenancy.Tenant, cell domain.MemCell) error {
	if err := s.ensureSchema(ctx, tenant); err != nil {
		return err
	}
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()
	participants, _ := json.Marshal(cell.Participants)
	keywords, _ := json.Marshal(cell.Keywords)
	original, _ := json.Marshal(cell.OriginalData)
	semantic, _ := json.Marshal(cell.SemanticMemories)
	eventLog, _ := json.Marshal(cell.EventLog)
	embedding, _ := json.Marshal(cell.Embedding)

	q := fmt.Sprintf(`
INSERT INTO %s.memcells (event_id, user_id, group_id, timestamp, subject, summary, episode,
	participants, keywords, cell_type, original_data, semantic_memories, event_log, embedding,
	deleted_at, deleted_by, deleted_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (event_id) DO UPDATE SET
	user_id = EXCLUDED.user_id, group_id = EXCLUDED.group_id, timestamp = EXCLUDED.timestamp,
	subject = EXCLUDED.subject, summary = EXCLUDED.summary, episode = EXCLUDED.episode,
	participants = EXCLUDED.participants, keywords = EXCLUDED.keywords, cell_type = EXCLUDED.cell_type,
	original_data = EXCLUDED.original_data, semantic_memories = EXCLUDED.semantic_memories,
	event_log = EXCLUDED.event_log, embedding = EXCLUDED.embedding
	WHERE %s.memcells.deleted_at IS NULL
`, schema, schema)

	_, err := s.pool.Exec(ctx, q, cell.EventID, cell.UserID, cell.GroupID, cell.Timestamp,
		cell.Subject, cell.Summary, cell.Episode, participants, keywords, string(cell.Type),
		original, semantic, eventLog, embedding, cell.DeletedAt, cell.DeletedBy, cell.DeletedID)
	if err != nil {
		return everrors.New(everrors.KindStoreInconsistent, "store.UpsertMemCell", err)
	}
	return nil
}

func (s *PostgresStore) scanMemCell(row pgx.Row) (*domain.MemCell, error) {
	var cell domain.MemCell
	var participants, keywords, original, semantic, eventLog, embedding []byte
	var cellType string
	err := row.Scan(&cell.EventID, &cell.UserID, &cell.GroupID, &cell.Timestamp,
		&cell.Subject, &cell.Summary, &cell.Episode, &participants, &keywords, &cellType,
		&original, &semantic, &eventLog, &embedding, &cell.DeletedAt, &cell.DeletedBy, &cell.DeletedID)
	if err != nil {
		return nil, err
	}
	cell.Type = domain.MemCellType(cellType)
	_ = json.Unmarshal(participants, &cell.Participants)
	_ = json.Unmarshal(keywords, &cell.Keywords)
	_ = json.Unmarshal(original, &cell.OriginalData)
	_ = json.Unmarshal(semantic, &cell.SemanticMemories)
	_ = json.Unmarshal(eventLog, &cell.EventLog)
	_ = json.Unmarshal(embedding, &cell.Embedding)
	return &cell, nil
}

const memCellColumns = `event_id, user_id, group_id, timestamp, subject, summary, episode,
	participants, keywords, cell_type, original_data, semantic_memories, event_log, embedding,
	deleted_at, deleted_by, deleted_id`

func (s *PostgresStore) FindMemCell(ctx context.Context, tenant tenancy.Tenant, eventID string) (*domain.MemCell, error) {
	if err := s.ensureSchema(ctx, tenant); err != nil {
		return nil, err
	}
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()
	q := fmt.Sprintf(`SELECT %s FROM %s.memcells WHERE event_id = $1 AND deleted_at IS NULL`, memCellColumns, schema)
	cell, err := s.scanMemCell(s.pool.QueryRow(ctx, q, eventID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, everrors.New(everrors.KindStoreInconsistent, "store.FindMemCell", err)
	}
	return cell, nil
}

func (s *PostgresStore) HardFindMemCell(ctx context.Context, tenant tenancy.Tenant, eventID string) (*domain.MemCell, error) {
	if err := s.ensureSchema(ctx, tenant); err != nil {
		return nil, err
	}
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()
	q := fmt.Sprintf(`SELECT %s FROM %s.memcells WHERE event_id = $1`, memCellColumns, schema)
	cell, err := s.scanMemCell(s.pool.QueryRow(ctx, q, eventID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, everrors.New(everrors.KindStoreInconsistent, "store.HardFindMemCell", err)
	}
	return cell, nil
}

func (s *PostgresStore) FindMemCellsByFilter(ctx context.Context, tenant tenancy.Tenant, f MemCellFilter) ([]domain.MemCell, error) {
	if err := f.Scope.Validate(); err != nil {
		return nil, err
	}
	if err := s.ensureSchema(ctx, tenant); err != nil {
		return nil, err
	}
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()

	where := []string{"deleted_at IS NULL"}
	args := []any{}
	where, args = appendScopeClause(where, args, "user_id", f.Scope.UserID)
	where, args = appendScopeClause(where, args, "group_id", f.Scope.GroupID)
	if !f.TimeRange.Start.IsZero() {
		args = append(args, f.TimeRange.Start)
		where = append(where, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if !f.TimeRange.End.IsZero() {
		args = append(args, f.TimeRange.End)
		where = append(where, fmt.Sprintf("timestamp <= $%d", len(args)))
	}

	order := "ASC"
	if f.Page.SortDesc {
		order = "DESC"
	}
	q := fmt.Sprintf(`SELECT %s FROM %s.memcells WHERE %s ORDER BY timestamp %s`,
		memCellColumns, schema, joinAnd(where), order)
	if f.Page.Limit > 0 {
		args = append(args, f.Page.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Page.Offset > 0 {
		args = append(args, f.Page.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, everrors.New(everrors.KindStoreInconsistent, "store.FindMemCellsByFilter", err)
	}
	defer rows.Close()

	var out []domain.MemCell
	for rows.Next() {
		cell, err := s.scanMemCell(rows)
		if err != nil {
			return nil, everrors.New(everrors.KindStoreInconsistent, "store.FindMemCellsByFilter", err)
		}
		out = append(out, *cell)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SoftDeleteMemCell(ctx context.Context, tenant tenancy.Tenant, ref DeleteRef) error {
	if err := s.ensureSchema(ctx, tenant); err != nil {
		return err
	}
	return s.softDelete(ctx, tenant, "memcells", "event_id", ref)
}

func (s *PostgresStore) HardDeleteMemCell(ctx context.Context, tenant tenancy.Tenant, eventID string) error {
	if err := s.ensureSchema(ctx, tenant); err != nil {
		return err
	}
	return s.hardDelete(ctx, tenant, "memcells", "event_id", eventID)
}

// --- EventLogRecord ---

const eventLogColumns = `id, parent_type, parent_id, user_id, group_id, atomic_fact, timestamp,
	vector, vector_model, participants, event_type, extend, deleted_at, deleted_by, deleted_id`

func (s *PostgresStore) UpsertEventLog(ctx context.Context, tenant tenancy.Tenant, rec domain.EventLogRecord) error {
	if err := s.ensureSchema(ctx, tenant); err != nil {
		return err
	}
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()
	vector, _ := json.Marshal(rec.Vector)
	participants, _ := json.Marshal(rec.Participants)
	extend, _ := json.Marshal(rec.Extend)

	q := fmt.Sprintf(`
INSERT INTO %s.event_log_records (id, parent_type, parent_id, user_id, group_id, atomic_fact,
	timestamp, vector, vector_model, participants, event_type, extend, deleted_at, deleted_by, deleted_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (id) DO UPDATE SET
	parent_type = EXCLUDED.parent_type, parent_id = EXCLUDED.parent_id, user_id = EXCLUDED.user_id,
	group_id = EXCLUDED.group_id, atomic_fact = EXCLUDED.atomic_fact, timestamp = EXCLUDED.timestamp,
	vector = EXCLUDED.vector, vector_model = EXCLUDED.vector_model, participants = EXCLUDED.participants,
	event_type = EXCLUDED.event_type, extend = EXCLUDED.extend
	WHERE %s.event_log_records.deleted_at IS NULL
`, schema, schema)

	_, err := s.pool.Exec(ctx, q, rec.ID, string(rec.ParentType), rec.ParentID, rec.UserID, rec.GroupID,
		rec.AtomicFact, rec.Timestamp, vector, rec.VectorModel, participants, rec.EventType, extend,
		rec.DeletedAt, rec.DeletedBy, rec.DeletedID)
	if err != nil {
		return everrors.New(everrors.KindStoreInconsistent, "store.UpsertEventLog", err)
	}
	return nil
}

func scanEventLog(row pgx.Row) (*domain.EventLogRecord, error) {
	var rec domain.EventLogRecord
	var parentType, eventType string
	var vector, participants, extend []byte
	err := row.Scan(&rec.ID, &parentType, &rec.ParentID, &rec.UserID, &rec.GroupID, &rec.AtomicFact,
		&rec.Timestamp, &vector, &rec.VectorModel, &participants, &eventType, &extend,
		&rec.DeletedAt, &rec.DeletedBy, &rec.DeletedID)
	if err != nil {
		return nil, err
	}
	rec.ParentType = domain.ParentType(parentType)
	rec.EventType = eventType
	_ = json.Unmarshal(vector, &rec.Vector)
	_ = json.Unmarshal(participants, &rec.Participants)
	_ = json.Unmarshal(extend, &rec.Extend)
	return &rec, nil
}

func (s *PostgresStore) FindByParent(ctx context.Context, tenant tenancy.Tenant, parentID string, parentType domain.ParentType) ([]domain.EventLogRecord, error) {
	if err := s.ensureSchema(ctx, tenant); err != nil {
		return nil, err
	}
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()
	where := "parent_id = $1 AND deleted_at IS NULL"
	args := []any{parentID}
	if parentType != "" {
		args = append(args, string(parentType))
		where += fmt.Sprintf(" AND parent_type = $%d", len(args))
	}
	q := fmt.Sprintf(`SELECT %s FROM %s.event_log_records WHERE %s ORDER BY timestamp ASC`, eventLogColumns, schema, where)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, everrors.New(everrors.KindStoreInconsistent, "store.FindByParent", err)
	}
	defer rows.Close()
	var out []domain.EventLogRecord
	for rows.Next() {
		rec, err := scanEventLog(rows)
		if err != nil {
			return nil, everrors.New(everrors.KindStoreInconsistent, "store.FindByParent", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindEventLogByFilter(ctx context.Context, tenant tenancy.Tenant, f EventLogFilter) ([]domain.EventLogRecord, error) {
	if err := f.Scope.Validate(); err != nil {
		return nil, err
	}
	if err := s.ensureSchema(ctx, tenant); err != nil {
		return nil, err
	}
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()

	where := []string{"deleted_at IS NULL"}
	args := []any{}
	if f.ParentID != "" {
		args = append(args, f.ParentID)
		where = append(where, fmt.Sprintf("parent_id = $%d", len(args)))
	}
	if f.ParentType != "" {
		args = append(args, string(f.ParentType))
		where = append(where, fmt.Sprintf("parent_type = $%d", len(args)))
	}
	where, args = appendScopeClause(where, args, "user_id", f.Scope.UserID)
	where, args = appendScopeClause(where, args, "group_id", f.Scope.GroupID)

	order := "ASC"
	if f.Page.SortDesc {
		order = "DESC"
	}
	q := fmt.Sprintf(`SELECT %s FROM %s.event_log_records WHERE %s ORDER BY timestamp %s`,
		eventLogColumns, schema, joinAnd(where), order)
	if f.Page.Limit > 0 {
		args = append(args, f.Page.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Page.Offset > 0 {
		args = append(args, f.Page.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, everrors.New(everrors.KindStoreInconsistent, "store.FindEventLogByFilter", err)
	}
	defer rows.Close()
	var out []domain.EventLogRecord
	for rows.Next() {
		rec, err := scanEventLog(rows)
		if err != nil {
			return nil, everrors.New(everrors.KindStoreInconsistent, "store.FindEventLogByFilter", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindEventLogByID(ctx context.Context, tenant tenancy.Tenant, id string) (*domain.EventLogRecord, error) {
	if err := s.ensureSchema(ctx, tenant); err != nil {
		return nil, err
	}
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()
	q := fmt.Sprintf(`SELECT %s FROM %s.event_log_records WHERE id = $1 AND deleted_at IS NULL`, eventLogColumns, schema)
	rec, err := scanEventLog(s.pool.QueryRow(ctx, q, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, everrors.New(everrors.KindStoreInconsistent, "store.FindEventLogByID", err)
	}
	return rec, nil
}

func (s *PostgresStore) SoftDeleteEventLog(ctx context.Context, tenant tenancy.Tenant, ref DeleteRef) error {
	if err := s.ensureSchema(ctx, tenant); err != nil {
		return err
	}
	return s.softDelete(ctx, tenant, "event_log_records", "id", ref)
}

func (s *PostgresStore) HardDeleteEventLog(ctx context.Context, tenant tenancy.Tenant, id string) error {
	if err := s.ensureSchema(ctx, tenant); err != nil {
		return err
	}
	return s.hardDelete(ctx, tenant, "event_log_records", "id", id)
}

// --- ForesightRecord ---

const foresightColumns = `id, parent_type, parent_id, user_id, group_id, content, evidence,
	start_time, end_time, duration_days, vector, vector_model, deleted_at, deleted_by, deleted_id`

func (s *PostgresStore) UpsertForesight(ctx context.Context, tenant tenancy.Tenant, rec domain.ForesightRecord) error {
	if err := s.ensureSchema(ctx, tenant); err != nil {
		return err
	}
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()
	vector, _ := json.Marshal(rec.Vector)

	var startTime, endTime *time.Time
	if rec.StartTime != nil {
		startTime = &rec.StartTime.Time
	}
	if rec.EndTime != nil {
		endTime = &rec.EndTime.Time
	}

	q := fmt.Sprintf(`
INSERT INTO %s.foresight_records (id, parent_type, parent_id, user_id, group_id, content, evidence,
	start_time, end_time, duration_days, vector, vector_model, deleted_at, deleted_by, deleted_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (id) DO UPDATE SET
	parent_type = EXCLUDED.parent_type, parent_id = EXCLUDED.parent_id, user_id = EXCLUDED.user_id,
	group_id = EXCLUDED.group_id, content = EXCLUDED.content, evidence = EXCLUDED.evidence,
	start_time = EXCLUDED.start_time, end_time = EXCLUDED.end_time, duration_days = EXCLUDED.duration_days,
	vector = EXCLUDED.vector, vector_model = EXCLUDED.vector_model
	WHERE %s.foresight_records.deleted_at IS NULL
`, schema, schema)

	_, err := s.pool.Exec(ctx, q, rec.ID, string(rec.ParentType), rec.ParentID, rec.UserID, rec.GroupID,
		rec.Content, rec.Evidence, startTime, endTime, rec.DurationDays, vector, rec.VectorModel,
		rec.DeletedAt, rec.DeletedBy, rec.DeletedID)
	if err != nil {
		return everrors.New(everrors.KindStoreInconsistent, "store.UpsertForesight", err)
	}
	return nil
}

func scanForesight(row pgx.Row) (*domain.ForesightRecord, error) {
	var rec domain.ForesightRecord
	var parentType string
	var vector []byte
	var startTime, endTime *time.Time
	err := row.Scan(&rec.ID, &parentType, &rec.ParentID, &rec.UserID, &rec.GroupID, &rec.Content,
		&rec.Evidence, &startTime, &endTime, &rec.DurationDays, &vector, &rec.VectorModel,
		&rec.DeletedAt, &rec.DeletedBy, &rec.DeletedID)
	if err != nil {
		return nil, err
	}
	rec.ParentType = domain.ParentType(parentType)
	if startTime != nil {
		d := domain.NewDate(*startTime)
		rec.StartTime = &d
	}
	if endTime != nil {
		d := domain.NewDate(*endTime)
		rec.EndTime = &d
	}
	_ = json.Unmarshal(vector, &rec.Vector)
	return &rec, nil
}

func (s *PostgresStore) FindForesightByParent(ctx context.Context, tenant tenancy.Tenant, parentID string, parentType domain.ParentType) ([]domain.ForesightRecord, error) {
	if err := s.ensureSchema(ctx, tenant); err != nil {
		return nil, err
	}
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()
	where := "parent_id = $1 AND deleted_at IS NULL"
	args := []any{parentID}
	if parentType != "" {
		args = append(args, string(parentType))
		where += fmt.Sprintf(" AND parent_type = $%d", len(args))
	}
	q := fmt.Sprintf(`SELECT %s FROM %s.foresight_records WHERE %s`, foresightColumns, schema, where)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, everrors.New(everrors.KindStoreInconsistent, "store.FindForesightByParent", err)
	}
	defer rows.Close()
	var out []domain.ForesightRecord
	for rows.Next() {
		rec, err := scanForesight(rows)
		if err != nil {
			return nil, everrors.New(everrors.KindStoreInconsistent, "store.FindForesightByParent", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindForesightByFilter(ctx context.Context, tenant tenancy.Tenant, f ForesightFilter) ([]domain.ForesightRecord, error) {
	if err := f.Scope.Validate(); err != nil {
		return nil, err
	}
	if err := s.ensureSchema(ctx, tenant); err != nil {
		return nil, err
	}
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()

	where := []string{"deleted_at IS NULL"}
	args := []any{}
	if f.ParentID != "" {
		args = append(args, f.ParentID)
		where = append(where, fmt.Sprintf("parent_id = $%d", len(args)))
	}
	if f.ParentType != "" {
		args = append(args, string(f.ParentType))
		where = append(where, fmt.Sprintf("parent_type = $%d", len(args)))
	}
	where, args = appendScopeClause(where, args, "user_id", f.Scope.UserID)
	where, args = appendScopeClause(where, args, "group_id", f.Scope.GroupID)
	if f.Start != nil && f.End != nil {
		// Overlap: record.start <= query.end AND record.end >= query.start,
		// treating a null bound as open-ended.
		args = append(args, f.End.Time)
		startClause := fmt.Sprintf("(start_time IS NULL OR start_time <= $%d)", len(args))
		args = append(args, f.Start.Time)
		endClause := fmt.Sprintf("(end_time IS NULL OR end_time >= $%d)", len(args))
		where = append(where, startClause, endClause)
	}

	q := fmt.Sprintf(`SELECT %s FROM %s.foresight_records WHERE %s`, foresightColumns, schema, joinAnd(where))
	if f.Page.Limit > 0 {
		args = append(args, f.Page.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Page.Offset > 0 {
		args = append(args, f.Page.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, everrors.New(everrors.KindStoreInconsistent, "store.FindForesightByFilter", err)
	}
	defer rows.Close()
	var out []domain.ForesightRecord
	for rows.Next() {
		rec, err := scanForesight(rows)
		if err != nil {
			return nil, everrors.New(everrors.KindStoreInconsistent, "store.FindForesightByFilter", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindForesightByID(ctx context.Context, tenant tenancy.Tenant, id string) (*domain.ForesightRecord, error) {
	if err := s.ensureSchema(ctx, tenant); err != nil {
		return nil, err
	}
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()
	q := fmt.Sprintf(`SELECT %s FROM %s.foresight_records WHERE id = $1 AND deleted_at IS NULL`, foresightColumns, schema)
	rec, err := scanForesight(s.pool.QueryRow(ctx, q, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, everrors.New(everrors.KindStoreInconsistent, "store.FindForesightByID", err)
	}
	return rec, nil
}

func (s *PostgresStore) SoftDeleteForesight(ctx context.Context, tenant tenancy.Tenant, ref DeleteRef) error {
	if err := s.ensureSchema(ctx, tenant); err != nil {
		return err
	}
	return s.softDelete(ctx, tenant, "foresight_records", "id", ref)
}

func (s *PostgresStore) HardDeleteForesight(ctx context.Context, tenant tenancy.Tenant, id string) error {
	if err := s.ensureSchema(ctx, tenant); err != nil {
		return err
	}
	return s.hardDelete(ctx, tenant, "foresight_records", "id", id)
}

// --- UserProfile ---

func (s *PostgresStore) UpsertProfile(ctx context.Context, tenant tenancy.Tenant, userID, groupID string, data map[string]any, confidence float64) (domain.UserProfile, error) {
	if err := s.ensureSchema(ctx, tenant); err != nil {
		return domain.UserProfile{}, err
	}
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.UserProfile{}, everrors.New(everrors.KindStoreInconsistent, "store.UpsertProfile", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existingData []byte
	var version, memCellCount int64
	q := fmt.Sprintf(`SELECT profile_data, version, memcell_count FROM %s.user_profiles WHERE user_id=$1 AND group_id=$2 FOR UPDATE`, schema)
	err = tx.QueryRow(ctx, q, userID, groupID).Scan(&existingData, &version, &memCellCount)
	merged := map[string]any{}
	if err == nil {
		_ = json.Unmarshal(existingData, &merged)
		version++
		memCellCount++
	} else if err == pgx.ErrNoRows {
		version = 1
		memCellCount = 1
	} else {
		return domain.UserProfile{}, everrors.New(everrors.KindStoreInconsistent, "store.UpsertProfile", err)
	}
	for k, v := range data {
		merged[k] = v
	}

	mergedBytes, _ := json.Marshal(merged)
	now := time.Now().UTC()
	upsertQ := fmt.Sprintf(`
INSERT INTO %s.user_profiles (user_id, group_id, version, profile_data, confidence, memcell_count, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (user_id, group_id) DO UPDATE SET
	version = EXCLUDED.version, profile_data = EXCLUDED.profile_data, confidence = EXCLUDED.confidence,
	memcell_count = EXCLUDED.memcell_count, updated_at = EXCLUDED.updated_at
`, schema)
	if _, err := tx.Exec(ctx, upsertQ, userID, groupID, version, mergedBytes, confidence, memCellCount, now); err != nil {
		return domain.UserProfile{}, everrors.New(everrors.KindStoreInconsistent, "store.UpsertProfile", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.UserProfile{}, everrors.New(everrors.KindStoreInconsistent, "store.UpsertProfile", err)
	}

	return domain.UserProfile{
		UserID: userID, GroupID: groupID, Version: version, ProfileData: merged,
		Confidence: confidence, MemCellCount: memCellCount, UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) FindProfile(ctx context.Context, tenant tenancy.Tenant, userID, groupID string) (*domain.UserProfile, error) {
	if err := s.ensureSchema(ctx, tenant); err != nil {
		return nil, err
	}
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()
	q := fmt.Sprintf(`SELECT user_id, group_id, version, profile_data, confidence, cluster_ids,
		memcell_count, last_updated_cluster, updated_at FROM %s.user_profiles WHERE user_id=$1 AND group_id=$2`, schema)

	var p domain.UserProfile
	var profileData, clusterIDs []byte
	err := s.pool.QueryRow(ctx, q, userID, groupID).Scan(&p.UserID, &p.GroupID, &p.Version,
		&profileData, &p.Confidence, &clusterIDs, &p.MemCellCount, &p.LastUpdatedCluster, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, everrors.New(everrors.KindStoreInconsistent, "store.FindProfile", err)
	}
	_ = json.Unmarshal(profileData, &p.ProfileData)
	_ = json.Unmarshal(clusterIDs, &p.ClusterIDs)
	return &p, nil
}

// --- ConversationMeta ---

func (s *PostgresStore) UpsertConversationMeta(ctx context.Context, tenant tenancy.Tenant, meta domain.ConversationMeta) error {
	if err := s.ensureSchema(ctx, tenant); err != nil {
		return err
	}
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()
	userDetails, _ := json.Marshal(meta.UserDetails)
	tags, _ := json.Marshal(meta.Tags)
	q := fmt.Sprintf(`
INSERT INTO %s.conversation_meta (group_id, scene, name, description, created_at, default_timezone, user_details, tags)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (group_id) DO UPDATE SET
	scene = EXCLUDED.scene, name = EXCLUDED.name, description = EXCLUDED.description,
	default_timezone = EXCLUDED.default_timezone, user_details = EXCLUDED.user_details, tags = EXCLUDED.tags
`, schema)
	_, err := s.pool.Exec(ctx, q, meta.GroupID, string(meta.Scene), meta.Name, meta.Description,
		meta.CreatedAt, meta.DefaultTimezone, userDetails, tags)
	if err != nil {
		return everrors.New(everrors.KindStoreInconsistent, "store.UpsertConversationMeta", err)
	}
	return nil
}

func (s *PostgresStore) FindConversationMeta(ctx context.Context, tenant tenancy.Tenant, groupID string) (*domain.ConversationMeta, error) {
	if err := s.ensureSchema(ctx, tenant); err != nil {
		return nil, err
	}
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()
	q := fmt.Sprintf(`SELECT group_id, scene, name, description, created_at, default_timezone, user_details, tags
		FROM %s.conversation_meta WHERE group_id=$1`, schema)

	var meta domain.ConversationMeta
	var scene string
	var userDetails, tags []byte
	err := s.pool.QueryRow(ctx, q, groupID).Scan(&meta.GroupID, &scene, &meta.Name, &meta.Description,
		&meta.CreatedAt, &meta.DefaultTimezone, &userDetails, &tags)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, everrors.New(everrors.KindStoreInconsistent, "store.FindConversationMeta", err)
	}
	meta.Scene = domain.SceneType(scene)
	_ = json.Unmarshal(userDetails, &meta.UserDetails)
	_ = json.Unmarshal(tags, &meta.Tags)
	return &meta, nil
}

// --- shared helpers ---

func (s *PostgresStore) softDelete(ctx context.Context, tenant tenancy.Tenant, table, idCol string, ref DeleteRef) error {
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()
	log := observability.LoggerWithTrace(ctx)
	q := fmt.Sprintf(`
UPDATE %[1]s.%[2]s SET deleted_at = NOW(), deleted_by = $2,
	deleted_id = (SELECT COALESCE(MAX(deleted_id), 0) + 1 FROM %[1]s.%[2]s)
WHERE %[3]s = $1 AND deleted_at IS NULL
`, schema, table, idCol)
	tag, err := s.pool.Exec(ctx, q, ref.ID, ref.DeletedBy)
	if err != nil {
		return everrors.New(everrors.KindStoreInconsistent, "store.softDelete", err)
	}
	log.Debug().Str("table", table).Int64("rows", tag.RowsAffected()).Msg("soft_delete")
	return nil
}

func (s *PostgresStore) hardDelete(ctx context.Context, tenant tenancy.Tenant, table, idCol, id string) error {
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()
	q := fmt.Sprintf(`DELETE FROM %s.%s WHERE %s = $1`, schema, table, idCol)
	if _, err := s.pool.Exec(ctx, q, id); err != nil {
		return everrors.New(everrors.KindStoreInconsistent, "store.hardDelete", err)
	}
	return nil
}

func appendScopeClause(where []string, args []any, col string, sv ScopeValue) ([]string, []any) {
	if !sv.Filter {
		return where, args
	}
	if sv.Null {
		return append(where, fmt.Sprintf("(%s IS NULL OR %s = '')", col, col)), args
	}
	args = append(args, sv.Value)
	return append(where, fmt.Sprintf("%s = $%d", col, len(args))), args
}

func joinAnd(clauses []string) string {
	out := ""
	for i, c := range clauses {
		if i > 0 {
			out += " AND "
		}
		out += c
	}
	return out
}
