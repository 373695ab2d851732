package keyword

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	everrors "evermem/internal/errors"
	"evermem/internal/tenancy"
)

// PostgresIndex backs Index with a tsvector/GIN full-text index, one table
// per tenant schema shared across all three families (distinguished by a
// family column), over a generated-tsvector documents table.
type PostgresIndex struct {
	pool        *pgxpool.Pool
	schemaReady sync.Map
}

// NewPostgresIndex wraps an existing pool.
func NewPostgresIndex(pool *pgxpool.Pool) *PostgresIndex {
	return &PostgresIndex{pool: pool}
}

func (idx *PostgresIndex) ensureSchema(ctx context.Context, tenant tenancy.Tenant) error {
	schema := tenant.SchemaName()
	if _, ok := idx.schemaReady.Load(schema); ok {
		return nil
	}
	ident := pgx.Identifier{schema}.Sanitize()
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;
CREATE TABLE IF NOT EXISTS %[1]s.keyword_docs (
	id TEXT NOT NULL,
	family TEXT NOT NULL,
	content_a TEXT NOT NULL DEFAULT '',
	content_b TEXT NOT NULL DEFAULT '',
	content_c TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	group_id TEXT NOT NULL DEFAULT '',
	recency BIGINT NOT NULL DEFAULT 0,
	ts tsvector GENERATED ALWAYS AS (
		setweight(to_tsvector('simple', coalesce(content_a,'')), 'A') ||
		setweight(to_tsvector('simple', coalesce(content_b,'')), 'B') ||
		setweight(to_tsvector('simple', coalesce(content_c,'')), 'C')
	) STORED,
	PRIMARY KEY (family, id)
);
CREATE INDEX IF NOT EXISTS keyword_docs_ts_idx ON %[1]s.keyword_docs USING GIN (ts);
`, ident)
	if _, err := idx.pool.Exec(ctx, ddl); err != nil {
		return everrors.New(everrors.KindStoreInconsistent, "keyword.ensureSchema", err)
	}
	idx.schemaReady.Store(schema, struct{}{})
	return nil
}

func (idx *PostgresIndex) Upsert(ctx context.Context, tenant tenancy.Tenant, doc Document) error {
	if err := idx.ensureSchema(ctx, tenant); err != nil {
		return err
	}
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()
	q := fmt.Sprintf(`
INSERT INTO %s.keyword_docs (id, family, content_a, content_b, content_c, user_id, group_id, recency)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (family, id) DO UPDATE SET content_a = EXCLUDED.content_a, content_b = EXCLUDED.content_b,
	content_c = EXCLUDED.content_c, user_id = EXCLUDED.user_id, group_id = EXCLUDED.group_id, recency = EXCLUDED.recency
`, schema)
	_, err := idx.pool.Exec(ctx, q, doc.ID, string(doc.Family), doc.ContentA, doc.ContentB, doc.ContentC, doc.UserID, doc.GroupID, doc.Recency)
	if err != nil {
		return everrors.New(everrors.KindStoreInconsistent, "keyword.Upsert", err)
	}
	return nil
}

func (idx *PostgresIndex) Delete(ctx context.Context, tenant tenancy.Tenant, family Family, id string) error {
	if err := idx.ensureSchema(ctx, tenant); err != nil {
		return err
	}
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()
	q := fmt.Sprintf(`DELETE FROM %s.keyword_docs WHERE family=$1 AND id=$2`, schema)
	if _, err := idx.pool.Exec(ctx, q, string(family), id); err != nil {
		return everrors.New(everrors.KindStoreInconsistent, "keyword.Delete", err)
	}
	return nil
}

func (idx *PostgresIndex) Search(ctx context.Context, tenant tenancy.Tenant, families []Family, query string, topK int) ([]Hit, error) {
	if err := idx.ensureSchema(ctx, tenant); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}
	schema := pgx.Identifier{tenant.SchemaName()}.Sanitize()

	args := []any{query}
	where := "ts @@ plainto_tsquery('simple', $1)"
	if len(families) > 0 {
		fams := make([]string, len(families))
		for i, f := range families {
			fams[i] = string(f)
		}
		args = append(args, fams)
		where += fmt.Sprintf(" AND family = ANY($%d)", len(args))
	}
	args = append(args, topK)
	q := fmt.Sprintf(`
SELECT id, family, ts_rank_cd(ts, plainto_tsquery('simple', $1)) AS score
FROM %s.keyword_docs
WHERE %s
ORDER BY score DESC, recency DESC
LIMIT $%d
`, schema, where, len(args))

	rows, err := idx.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, everrors.New(everrors.KindStoreInconsistent, "keyword.Search", err)
	}
	defer rows.Close()

	var out []Hit
	for rows.Next() {
		var h Hit
		var family string
		if err := rows.Scan(&h.ID, &family, &h.Score); err != nil {
			return nil, everrors.New(everrors.KindStoreInconsistent, "keyword.Search", err)
		}
		h.Family = Family(family)
		out = append(out, h)
	}
	return out, rows.Err()
}
