// Package keyword implements C6: a field-weighted keyword index over the
// three entity families (MemCell, EventLogRecord, ForesightRecord), queried
// with BM25-style scoring.
package keyword

import (
	"context"

	"evermem/internal/tenancy"
)

// Family identifies which entity family a keyword document belongs to.
type Family string

const (
	FamilyEpisodic  Family = "episodic"
	FamilyEventLog  Family = "event_log"
	FamilyForesight Family = "foresight"
)

// Document is one keyword-indexable unit, projected from C5 by C8.
// ContentA/B/C are the three full-text weight classes (Postgres 'A'/'B'/'C'
// via setweight, ranked with ts_rank_cd and its default class weights; the
// in-memory backend instead weights A/B/C as 3/2/1, applied at upsert
// time). A caller that has only one piece
// of text for an entity puts it in ContentA and leaves B/C empty.
type Document struct {
	ID       string
	Family   Family
	ContentA string
	ContentB string
	ContentC string
	UserID   string
	GroupID  string
	Recency  int64 // unix seconds, used for tie-breaking
}

// Hit is one scored search result.
type Hit struct {
	ID     string
	Family Family
	Score  float64
}

// Index is the contract C8 writes through and C9 searches.
type Index interface {
	Upsert(ctx context.Context, tenant tenancy.Tenant, doc Document) error
	Delete(ctx context.Context, tenant tenancy.Tenant, family Family, id string) error
	Search(ctx context.Context, tenant tenancy.Tenant, families []Family, query string, topK int) ([]Hit, error)
}
