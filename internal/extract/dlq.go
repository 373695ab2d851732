package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	everrors "evermem/internal/errors"
	"evermem/internal/tenancy"
)

// DeadLetter archives an episode whose extraction exhausted its retries,
// preserving the raw messages for operator-driven recovery. The buffer is
// not automatically re-hydrated from a dead-lettered episode.
type DeadLetter interface {
	Put(ctx context.Context, tenant tenancy.Tenant, ep Episode, cause error) error
}

// MemoryDeadLetter is an in-process DeadLetter, used for tests.
type MemoryDeadLetter struct {
	mu    sync.Mutex
	items []DeadLetterItem
}

// DeadLetterItem is one archived failure.
type DeadLetterItem struct {
	Tenant    tenancy.Tenant
	Episode   Episode
	Cause     string
	Timestamp time.Time
}

// NewMemoryDeadLetter constructs an empty in-process dead-letter sink.
func NewMemoryDeadLetter() *MemoryDeadLetter {
	return &MemoryDeadLetter{}
}

func (d *MemoryDeadLetter) Put(_ context.Context, tenant tenancy.Tenant, ep Episode, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	causeMsg := ""
	if cause != nil {
		causeMsg = cause.Error()
	}
	d.items = append(d.items, DeadLetterItem{Tenant: tenant, Episode: ep, Cause: causeMsg, Timestamp: time.Now()})
	return nil
}

// Items returns a snapshot of everything archived, for tests/inspection.
func (d *MemoryDeadLetter) Items() []DeadLetterItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetterItem, len(d.items))
	copy(out, d.items)
	return out
}

// S3DeadLetter archives failed episodes as objects keyed by
// tenant/conversation_id/episode-closed-at-<unix nanos>.json.
type S3DeadLetter struct {
	client *s3.Client
	bucket string
}

// NewS3DeadLetter wraps an existing S3 client.
func NewS3DeadLetter(client *s3.Client, bucket string) *S3DeadLetter {
	return &S3DeadLetter{client: client, bucket: bucket}
}

type deadLetterPayload struct {
	ConversationID   string    `json:"conversation_id"`
	Messages         []byte    `json:"messages"`
	ConversationMeta []byte    `json:"conversation_meta"`
	Cause            string    `json:"cause"`
	ArchivedAt       time.Time `json:"archived_at"`
}

func (d *S3DeadLetter) Put(ctx context.Context, tenant tenancy.Tenant, ep Episode, cause error) error {
	messages, err := json.Marshal(ep.Messages)
	if err != nil {
		return everrors.New(everrors.KindValidation, "extract.S3DeadLetter.Put", err)
	}
	meta, err := json.Marshal(ep.ConversationMeta)
	if err != nil {
		return everrors.New(everrors.KindValidation, "extract.S3DeadLetter.Put", err)
	}
	causeMsg := ""
	if cause != nil {
		causeMsg = cause.Error()
	}
	payload, err := json.Marshal(deadLetterPayload{
		ConversationID:   ep.ConversationID,
		Messages:         messages,
		ConversationMeta: meta,
		Cause:            causeMsg,
		ArchivedAt:       time.Now(),
	})
	if err != nil {
		return everrors.New(everrors.KindValidation, "extract.S3DeadLetter.Put", err)
	}

	key := fmt.Sprintf("%s/%s/episode-closed-at-%d.json", tenant.Namespace(), ep.ConversationID, time.Now().UnixNano())
	_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &d.bucket,
		Key:    &key,
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return everrors.New(everrors.KindStoreInconsistent, "extract.S3DeadLetter.Put", err)
	}
	return nil
}
