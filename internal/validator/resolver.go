package validator

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// SourcesKey returns the Redis hash holding source excerpts keyed by vector
// id. The ingestion pipeline that fills it is outside the validator's scope.
func SourcesKey(instanceName string) string {
	return fmt.Sprintf("rookery:%s:sources", instanceName)
}

// RedisResolver resolves cited vector ids against the instance's source hash.
type RedisResolver struct {
	rdb *redis.Client
	key string
}

// NewRedisResolver creates a resolver over its own Redis connection.
func NewRedisResolver(opts *redis.Options, instanceName string) *RedisResolver {
	return &RedisResolver{
		rdb: redis.NewClient(opts),
		key: SourcesKey(instanceName),
	}
}

// Resolve returns the source text for a vector id. A missing id is
// ErrSourceNotFound; connectivity failures are returned as-is so the bus
// retries the evaluation.
func (r *RedisResolver) Resolve(ctx context.Context, vectorID string) (string, error) {
	text, err := r.rdb.HGet(ctx, r.key, vectorID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrSourceNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to fetch source %s: %w", vectorID, err)
	}
	return text, nil
}

// Close releases the resolver's Redis connection.
func (r *RedisResolver) Close() error {
	return r.rdb.Close()
}
