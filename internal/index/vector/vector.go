// Package vector implements C7: an ANN index over embeddings of the three
// entity families, one collection per tenant per family.
package vector

import (
	"context"

	"evermem/internal/index/keyword"
	"evermem/internal/tenancy"
)

// Document is one vector-indexable unit, projected from C5 by C8.
type Document struct {
	ID      string
	Family  keyword.Family
	Vector  []float32
	UserID  string
	GroupID string
	Recency int64
}

// Hit is one scored ANN result.
type Hit struct {
	ID     string
	Family keyword.Family
	Score  float64
}

// Index is the contract C8 writes through and C9 searches. Distance
// semantics are backend-defined (cosine by default); Score is always
// "higher is better" at the Index boundary.
type Index interface {
	Upsert(ctx context.Context, tenant tenancy.Tenant, doc Document) error
	Delete(ctx context.Context, tenant tenancy.Tenant, family keyword.Family, id string) error
	Search(ctx context.Context, tenant tenancy.Tenant, families []keyword.Family, query []float32, topK int) ([]Hit, error)
}
