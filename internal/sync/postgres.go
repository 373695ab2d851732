package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	everrors "evermem/internal/errors"
	"evermem/internal/tenancy"
)

// PostgresQueue backs Queue with a sync_status table co-located in C5's own
// schema per tenant: C8 has no independent source of truth, so its
// bookkeeping rides along in the same Postgres pool.
type PostgresQueue struct {
	pool        *pgxpool.Pool
	schemaReady sync.Map
}

// NewPostgresQueue wraps an existing pool.
func NewPostgresQueue(pool *pgxpool.Pool) *PostgresQueue {
	return &PostgresQueue{pool: pool}
}

func (q *PostgresQueue) ensureSchema(ctx context.Context, tenant tenancy.Tenant) error {
	schema := tenant.SchemaName()
	if _, ok := q.schemaReady.Load(schema); ok {
		return nil
	}
	ident := pgx.Identifier{schema}.Sanitize()
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;
CREATE TABLE IF NOT EXISTS %[1]s.sync_status (
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	payload JSONB NOT NULL,
	keyword_synced_at TIMESTAMPTZ,
	vector_synced_at TIMESTAMPTZ,
	last_error TEXT NOT NULL DEFAULT '',
	attempts INT NOT NULL DEFAULT 0,
	PRIMARY KEY (entity_type, entity_id)
);
`, ident)
	if _, err := q.pool.Exec(ctx, ddl); err != nil {
		return everrors.New(everrors.KindStoreInconsistent, "sync.ensureSchema", err)
	}
	q.schemaReady.Store(schema, struct{}{})
	return nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, tenant tenancy.Tenant, item Item) error {
	if err := q.ensureSchema(ctx, tenant); err != nil {
		return err
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return everrors.New(everrors.KindValidation, "sync.Enqueue", err)
	}
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()
	sqlStmt := fmt.Sprintf(`
INSERT INTO %s.sync_status (entity_type, entity_id, updated_at, payload, keyword_synced_at, vector_synced_at, last_error, attempts)
VALUES ($1,$2,$3,$4,NULL,NULL,'',0)
ON CONFLICT (entity_type, entity_id) DO UPDATE SET
	updated_at = EXCLUDED.updated_at,
	payload = EXCLUDED.payload,
	keyword_synced_at = CASE WHEN %[1]s.sync_status.updated_at < EXCLUDED.updated_at THEN NULL ELSE %[1]s.sync_status.keyword_synced_at END,
	vector_synced_at = CASE WHEN %[1]s.sync_status.updated_at < EXCLUDED.updated_at THEN NULL ELSE %[1]s.sync_status.vector_synced_at END
`, schema)
	if _, err := q.pool.Exec(ctx, sqlStmt, string(item.EntityType), item.EntityID, item.UpdatedAt, payload); err != nil {
		return everrors.New(everrors.KindStoreInconsistent, "sync.Enqueue", err)
	}
	return nil
}

func (q *PostgresQueue) MarkKeywordSynced(ctx context.Context, tenant tenancy.Tenant, entityType EntityType, entityID string, at time.Time) error {
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()
	sqlStmt := fmt.Sprintf(`UPDATE %s.sync_status SET keyword_synced_at=$1, last_error='' WHERE entity_type=$2 AND entity_id=$3`, schema)
	if _, err := q.pool.Exec(ctx, sqlStmt, at, string(entityType), entityID); err != nil {
		return everrors.New(everrors.KindStoreInconsistent, "sync.MarkKeywordSynced", err)
	}
	return nil
}

func (q *PostgresQueue) MarkVectorSynced(ctx context.Context, tenant tenancy.Tenant, entityType EntityType, entityID string, at time.Time) error {
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()
	sqlStmt := fmt.Sprintf(`UPDATE %s.sync_status SET vector_synced_at=$1, last_error='' WHERE entity_type=$2 AND entity_id=$3`, schema)
	if _, err := q.pool.Exec(ctx, sqlStmt, at, string(entityType), entityID); err != nil {
		return everrors.New(everrors.KindStoreInconsistent, "sync.MarkVectorSynced", err)
	}
	return nil
}

func (q *PostgresQueue) MarkError(ctx context.Context, tenant tenancy.Tenant, entityType EntityType, entityID string, errMsg string) error {
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()
	sqlStmt := fmt.Sprintf(`UPDATE %s.sync_status SET last_error=$1, attempts=attempts+1 WHERE entity_type=$2 AND entity_id=$3`, schema)
	if _, err := q.pool.Exec(ctx, sqlStmt, errMsg, string(entityType), entityID); err != nil {
		return everrors.New(everrors.KindStoreInconsistent, "sync.MarkError", err)
	}
	return nil
}

func (q *PostgresQueue) Pending(ctx context.Context, tenant tenancy.Tenant, limit int) ([]Item, error) {
	if err := q.ensureSchema(ctx, tenant); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()
	sqlStmt := fmt.Sprintf(`
SELECT payload FROM %s.sync_status
WHERE keyword_synced_at IS NULL OR keyword_synced_at < updated_at
   OR vector_synced_at IS NULL OR vector_synced_at < updated_at
ORDER BY updated_at ASC
LIMIT $1
`, schema)
	rows, err := q.pool.Query(ctx, sqlStmt, limit)
	if err != nil {
		return nil, everrors.New(everrors.KindStoreInconsistent, "sync.Pending", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, everrors.New(everrors.KindStoreInconsistent, "sync.Pending", err)
		}
		var item Item
		if err := json.Unmarshal(payload, &item); err != nil {
			return nil, everrors.New(everrors.KindStoreInconsistent, "sync.Pending", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
