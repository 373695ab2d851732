package keyword

import (
	"context"
	"sort"
	"strings"
	"sync"

	"evermem/internal/tenancy"
)

type docKey struct {
	family Family
	id     string
}

// weightA/B/C follow the subject×3/summary×2/episode×1 ratio. Postgres's
// default ts_rank_cd weights for 'A'/'B'/'C' are 1.0/0.4/0.2 (a 5/2/1
// ratio), so scores from the two backends are not proportional.
const (
	weightA = 3.0
	weightB = 2.0
	weightC = 1.0
)

// MemoryIndex is an in-process posting-list keyword index. Each document's
// three content fields are tokenized separately and accumulate a per-term
// weight (weightA/B/C); search sums the weight of every query term a
// document's postings carry, a simplified BM25-with-field-weights surrogate
// adequate for tests and single-node deployments.
type MemoryIndex struct {
	mu       sync.Mutex
	byNS     map[string]map[docKey]Document
	postNS   map[string]map[string]map[docKey]struct{} // namespace -> term -> docs
	weightNS map[string]map[docKey]map[string]float64  // namespace -> doc -> term -> weight
}

// NewMemoryIndex constructs an empty in-memory keyword index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		byNS:     make(map[string]map[docKey]Document),
		postNS:   make(map[string]map[string]map[docKey]struct{}),
		weightNS: make(map[string]map[docKey]map[string]float64),
	}
}

func tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// termWeights tokenizes a document's three weight classes and accumulates,
// per term, the sum of the weight of every class it appears in.
func termWeights(doc Document) map[string]float64 {
	out := map[string]float64{}
	classes := [...]struct {
		text   string
		weight float64
	}{
		{doc.ContentA, weightA},
		{doc.ContentB, weightB},
		{doc.ContentC, weightC},
	}
	for _, c := range classes {
		for _, tok := range tokenize(c.text) {
			out[tok] += c.weight
		}
	}
	return out
}

func (idx *MemoryIndex) Upsert(_ context.Context, tenant tenancy.Tenant, doc Document) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ns := tenant.Namespace()
	if idx.byNS[ns] == nil {
		idx.byNS[ns] = make(map[docKey]Document)
		idx.postNS[ns] = make(map[string]map[docKey]struct{})
		idx.weightNS[ns] = make(map[docKey]map[string]float64)
	}
	key := docKey{family: doc.Family, id: doc.ID}
	idx.removeFromPostings(ns, key)
	idx.byNS[ns][key] = doc
	weights := termWeights(doc)
	idx.weightNS[ns][key] = weights
	for tok := range weights {
		if idx.postNS[ns][tok] == nil {
			idx.postNS[ns][tok] = make(map[docKey]struct{})
		}
		idx.postNS[ns][tok][key] = struct{}{}
	}
	return nil
}

func (idx *MemoryIndex) removeFromPostings(ns string, key docKey) {
	weights, ok := idx.weightNS[ns][key]
	if !ok {
		return
	}
	for tok := range weights {
		delete(idx.postNS[ns][tok], key)
	}
	delete(idx.weightNS[ns], key)
}

func (idx *MemoryIndex) Delete(_ context.Context, tenant tenancy.Tenant, family Family, id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ns := tenant.Namespace()
	key := docKey{family: family, id: id}
	idx.removeFromPostings(ns, key)
	delete(idx.byNS[ns], key)
	return nil
}

func (idx *MemoryIndex) Search(_ context.Context, tenant tenancy.Tenant, families []Family, query string, topK int) ([]Hit, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if topK <= 0 {
		topK = 10
	}
	ns := tenant.Namespace()
	allowed := map[Family]bool{}
	for _, f := range families {
		allowed[f] = true
	}

	scores := map[docKey]float64{}
	for _, tok := range tokenize(query) {
		for key := range idx.postNS[ns][tok] {
			scores[key] += idx.weightNS[ns][key][tok]
		}
	}

	type scored struct {
		key   docKey
		score float64
		rec   int64
	}
	var all []scored
	for key, sc := range scores {
		if len(allowed) > 0 && !allowed[key.family] {
			continue
		}
		doc := idx.byNS[ns][key]
		all = append(all, scored{key: key, score: sc, rec: doc.Recency})
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
