package vector

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	everrors "evermem/internal/errors"
	"evermem/internal/index/keyword"
	"evermem/internal/tenancy"
)

// payloadOriginalID follows the PAYLOAD_ID_FIELD convention: Qdrant only
// accepts UUID/integer point IDs, so non-UUID entity IDs are
// deterministically mapped to a UUID and the original ID is round-tripped
// through the point payload.
const payloadOriginalID = "_original_id"

// QdrantIndex is the Qdrant-backed vector Index, one collection per
// (tenant, family), generalized from a single-collection client to
// multiple collections.
type QdrantIndex struct {
	client     *qdrant.Client
	dimensions int
	metric     string

	mu          sync.Mutex
	collections map[string]struct{}
}

// NewQdrantIndex dials dsn (host:port or qdrant://host:port?api_key=...).
func NewQdrantIndex(dsn string, dimensions int, metric string) (*QdrantIndex, error) {
	if !strings.Contains(dsn, "://") {
		dsn = "qdrant://" + dsn
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	portStr := parsed.Port()
	if portStr == "" {
		portStr = "6334"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid qdrant port: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: port}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &QdrantIndex{
		client:      client,
		dimensions:  dimensions,
		metric:      strings.ToLower(strings.TrimSpace(metric)),
		collections: make(map[string]struct{}),
	}, nil
}

func (q *QdrantIndex) collectionName(tenant tenancy.Tenant, family keyword.Family) string {
	return tenant.CollectionName(string(family))
}

func (q *QdrantIndex) ensureCollection(ctx context.Context, name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.collections[name]; ok {
		return nil
	}
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return everrors.New(everrors.KindStoreInconsistent, "vector.ensureCollection", err)
	}
	if !exists {
		distance := qdrant.Distance_Cosine
		switch q.metric {
		case "l2", "euclidean":
			distance = qdrant.Distance_Euclid
		case "ip", "dot":
			distance = qdrant.Distance_Dot
		case "manhattan":
			distance = qdrant.Distance_Manhattan
		}
		if q.dimensions <= 0 {
			return everrors.New(everrors.KindValidation, "vector.ensureCollection", fmt.Errorf("qdrant requires dimensions > 0"))
		}
		err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(q.dimensions),
				Distance: distance,
			}),
		})
		if err != nil {
			return everrors.New(everrors.KindStoreInconsistent, "vector.ensureCollection", err)
		}
	}
	q.collections[name] = struct{}{}
	return nil
}

func pointIDFor(id string) (string, bool) {
	if _, err := uuid.Parse(id); err == nil {
		return id, false
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String(), true
}

func (q *QdrantIndex) Upsert(ctx context.Context, tenant tenancy.Tenant, doc Document) error {
	name := q.collectionName(tenant, doc.Family)
	if err := q.ensureCollection(ctx, name); err != nil {
		return err
	}
	uuidStr, remapped := pointIDFor(doc.ID)

	payload := map[string]any{
		"user_id":  doc.UserID,
		"group_id": doc.GroupID,
		"recency":  doc.Recency,
	}
	if remapped {
		payload[payloadOriginalID] = doc.ID
	}

	vec := make([]float32, len(doc.Vector))
	copy(vec, doc.Vector)
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(uuidStr),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		return everrors.New(everrors.KindStoreInconsistent, "vector.Upsert", err)
	}
	return nil
}

func (q *QdrantIndex) Delete(ctx context.Context, tenant tenancy.Tenant, family keyword.Family, id string) error {
	name := q.collectionName(tenant, family)
	if err := q.ensureCollection(ctx, name); err != nil {
		return err
	}
	uuidStr, _ := pointIDFor(id)
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: name,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(uuidStr)),
	})
	if err != nil {
		return everrors.New(everrors.KindStoreInconsistent, "vector.Delete", err)
	}
	return nil
}

func (q *QdrantIndex) Search(ctx context.Context, tenant tenancy.Tenant, families []keyword.Family, query []float32, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = 10
	}
	if len(families) == 0 {
		families = []keyword.Family{keyword.FamilyEpisodic, keyword.FamilyEventLog, keyword.FamilyForesight}
	}

	var out []Hit
	for _, family := range families {
		name := q.collectionName(tenant, family)
		if err := q.ensureCollection(ctx, name); err != nil {
			return nil, err
		}
		vec := make([]float32, len(query))
		copy(vec, query)
		limit := uint64(topK)
		results, err := q.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: name,
			Query:          qdrant.NewQueryDense(vec),
			Limit:          &limit,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, everrors.New(everrors.KindStoreInconsistent, "vector.Search", err)
		}
		for _, hit := range results {
			id := hit.Id.GetUuid()
			if hit.Payload != nil {
				if v, ok := hit.Payload[payloadOriginalID]; ok {
					id = v.GetStringValue()
				}
			}
			out = append(out, Hit{ID: id, Family: family, Score: float64(hit.Score)})
		}
	}
	return out, nil
}

// Close releases the underlying gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
