package vector

import (
	"context"
	"math"
	"sort"
	"sync"

	"evermem/internal/index/keyword"
	"evermem/internal/tenancy"
)

type docKey struct {
	family keyword.Family
	id     string
}

// MemoryIndex is an in-process flat-scan cosine-similarity index, adequate
// for tests and small single-node deployments where a full ANN engine is
// overkill.
type MemoryIndex struct {
	mu   sync.Mutex
	byNS map[string]map[docKey]Document
}

// NewMemoryIndex constructs an empty in-memory vector index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{byNS: make(map[string]map[docKey]Document)}
}

func (idx *MemoryIndex) Upsert(_ context.Context, tenant tenancy.Tenant, doc Document) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ns := tenant.Namespace()
	if idx.byNS[ns] == nil {
		idx.byNS[ns] = make(map[docKey]Document)
	}
	vec := make([]float32, len(doc.Vector))
	copy(vec, doc.Vector)
	doc.Vector = vec
	idx.byNS[ns][docKey{family: doc.Family, id: doc.ID}] = doc
	return nil
}

func (idx *MemoryIndex) Delete(_ context.Context, tenant tenancy.Tenant, family keyword.Family, id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ns := tenant.Namespace()
	delete(idx.byNS[ns], docKey{family: family, id: id})
	return nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (idx *MemoryIndex) Search(_ context.Context, tenant tenancy.Tenant, families []keyword.Family, query []float32, topK int) ([]Hit, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if topK <= 0 {
		topK = 10
	}
	ns := tenant.Namespace()
	allowed := map[keyword.Family]bool{}
	for _, f := range families {
		allowed[f] = true
	}

	type scored struct {
		key   docKey
		score float64
		rec   int64
	}
	var all []scored
	for key, doc := range idx.byNS[ns] {
		if len(allowed) > 0 && !allowed[key.family] {
			continue
		}
		all = append(all, scored{key: key, score: cosineSimilarity(query, doc.Vector), rec: doc.Recency})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].rec > all[j].rec
	})
	if topK < len(all) {
		all = all[:topK]
	}
	out := make([]Hit, len(all))
	for i, s := range all {
		out[i] = Hit{ID: s.key.id, Family: s.key.family, Score: s.score}
	}
	return out, nil
}
