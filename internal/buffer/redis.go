package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"evermem/internal/domain"
	everrors "evermem/internal/errors"
	"evermem/internal/tenancy"
)

// drainScript atomically reads and deletes a list so Drain never races a
// concurrent Append: append/drain must be atomic.
const drainScript = `
local vals = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return vals
`

// RedisStore is the durable Store backend, one Redis list per conversation.
type RedisStore struct {
	client *redis.Client
	drain  *redis.Script
	keyset *redis.Script
}

// NewRedisStore wraps an existing redis client. The client's lifecycle
// (Close) is owned by the caller.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		drain:  redis.NewScript(drainScript),
	}
}

func (s *RedisStore) listKey(tenant tenancy.Tenant, conversationID string) string {
	return fmt.Sprintf("evermem:buf:%s:%s", tenant.Namespace(), conversationID)
}

func (s *RedisStore) indexKey(tenant tenancy.Tenant) string {
	return fmt.Sprintf("evermem:buf-index:%s", tenant.Namespace())
}

func (s *RedisStore) Append(ctx context.Context, tenant tenancy.Tenant, conversationID string, msg domain.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return everrors.New(everrors.KindValidation, "buffer.RedisStore.Append", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.listKey(tenant, conversationID), b)
	pipe.SAdd(ctx, s.indexKey(tenant), conversationID)
	if _, err := pipe.Exec(ctx); err != nil {
		return everrors.New(everrors.KindBufferUnavailable, "buffer.RedisStore.Append", err)
	}
	return nil
}

func (s *RedisStore) Drain(ctx context.Context, tenant tenancy.Tenant, conversationID string) ([]domain.Message, error) {
	key := s.listKey(tenant, conversationID)
	res, err := s.drain.Run(ctx, s.client, []string{key}).Result()
	if err != nil && err != redis.Nil {
		return nil, everrors.New(everrors.KindBufferUnavailable, "buffer.RedisStore.Drain", err)
	}
	s.client.SRem(ctx, s.indexKey(tenant), conversationID)
	raw, _ := res.([]interface{})
	msgs := make([]domain.Message, 0, len(raw))
	for _, item := range raw {
		str, ok := item.(string)
		if !ok {
			continue
		}
		var m domain.Message
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			return nil, everrors.New(everrors.KindStoreInconsistent, "buffer.RedisStore.Drain", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *RedisStore) Peek(ctx context.Context, tenant tenancy.Tenant, conversationID string) ([]domain.Message, error) {
	key := s.listKey(tenant, conversationID)
	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, everrors.New(everrors.KindBufferUnavailable, "buffer.RedisStore.Peek", err)
	}
	msgs := make([]domain.Message, 0, len(raw))
	for _, str := range raw {
		var m domain.Message
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			return nil, everrors.New(everrors.KindStoreInconsistent, "buffer.RedisStore.Peek", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *RedisStore) Requeue(ctx context.Context, tenant tenancy.Tenant, conversationID string, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	key := s.listKey(tenant, conversationID)
	// LPUSH places its last argument closest to the head, so push msgs in
	// reverse to land them at the head in original order.
	encoded := make([]interface{}, len(msgs))
	for i, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return everrors.New(everrors.KindValidation, "buffer.RedisStore.Requeue", err)
		}
		encoded[len(msgs)-1-i] = b
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, encoded...)
	pipe.SAdd(ctx, s.indexKey(tenant), conversationID)
	if _, err := pipe.Exec(ctx); err != nil {
		return everrors.New(everrors.KindBufferUnavailable, "buffer.RedisStore.Requeue", err)
	}
	return nil
}

func (s *RedisStore) Conversations(ctx context.Context, tenant tenancy.Tenant) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(tenant)).Result()
	if err != nil {
		return nil, everrors.New(everrors.KindBufferUnavailable, "buffer.RedisStore.Conversations", err)
	}
	out := ids[:0]
	for _, id := range ids {
		if strings.TrimSpace(id) != "" {
			out = append(out, id)
		}
	}
	return out, nil
}
