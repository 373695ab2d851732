// Package buffer implements C2: the durable, ordered, per-conversation
// queue of unprocessed raw messages.
package buffer

import (
	"context"

	"evermem/internal/domain"
	"evermem/internal/tenancy"
)

// Store is the contract every buffer backend implements. Append and Drain
// must be atomic at the storage layer; insertion order must equal creation
// order for a given conversation.
type Store interface {
	// Append adds msg to the tail of conversationID's buffer.
	Append(ctx context.Context, tenant tenancy.Tenant, conversationID string, msg domain.Message) error
	// Drain atomically returns and clears the buffer for conversationID.
	Drain(ctx context.Context, tenant tenancy.Tenant, conversationID string) ([]domain.Message, error)
	// Peek returns a read-only snapshot without clearing the buffer.
	Peek(ctx context.Context, tenant tenancy.Tenant, conversationID string) ([]domain.Message, error)
	// Requeue pushes msgs back onto the head of conversationID's buffer, in
	// original order. Ingest uses it to return the probe message after a
	// non-forced boundary; failed extractions are never requeued (they go
	// to the dead letter).
	Requeue(ctx context.Context, tenant tenancy.Tenant, conversationID string, msgs []domain.Message) error
	// Conversations lists conversation IDs with a non-empty buffer for a
	// tenant, used by C9's pending-writes reconciliation.
	Conversations(ctx context.Context, tenant tenancy.Tenant) ([]string, error)
}
