package webhook

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-lifecycle/internal/models"
)

// RedisStore keeps one key per processed event, written with SETNX.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, prefix: "webhook:event:"}
}

func (s *RedisStore) MarkProcessed(ctx context.Context, ev models.WebhookEvent) (bool, error) {
	return s.client.SetNX(ctx, s.prefix+ev.ID, ev.Type, s.ttl).Result()
}
