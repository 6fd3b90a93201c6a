package authflowrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bfferrors "github.com/jrsteele09/go-bff/internal/errors"
	"github.com/redis/go-redis/v9"
)

const attemptKeyPrefix = "bff:attempt"

// RedisRepo keeps attempts in Redis so that any instance behind a load
// balancer can serve the callback. Entries expire through Redis TTLs.
type RedisRepo struct {
	redis *redis.Client
}

// NewRedisRepo wraps an existing client. Close closes the client.
func NewRedisRepo(client *redis.Client) *RedisRepo {
	return &RedisRepo{redis: client}
}

// NewRedisRepoFromURL builds a client from a redis:// or rediss:// URL.
func NewRedisRepoFromURL(redisURL string) (*RedisRepo, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("[authflowrepo NewRedisRepoFromURL] invalid redis url: %w", err)
	}
	return NewRedisRepo(redis.NewClient(opts)), nil
}

func (r *RedisRepo) key(state string) string {
	return attemptKeyPrefix + ":" + state
}

// Save stores the attempt as JSON with the given TTL
func (r *RedisRepo) Save(ctx context.Context, attempt *AuthAttempt, ttl time.Duration) error {
	if attempt == nil || attempt.State == "" {
		return errors.New("attempt with a state is required")
	}
	data, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("[RedisRepo Save] encode attempt: %w", err)
	}
	if err := r.redis.Set(ctx, r.key(attempt.State), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", bfferrors.ErrStoreUnavailable, err)
	}
	return nil
}

// Take uses GETDEL, so only one caller can ever observe a given attempt.
func (r *RedisRepo) Take(ctx context.Context, state string) (*AuthAttempt, error) {
	if state == "" {
		return nil, bfferrors.ErrAttemptNotFound
	}
	data, err := r.redis.GetDel(ctx, r.key(state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, bfferrors.ErrAttemptNotFound
		}
		return nil, fmt.Errorf("%w: %v", bfferrors.ErrStoreUnavailable, err)
	}

	var attempt AuthAttempt
	if err := json.Unmarshal(data, &attempt); err != nil {
		// A corrupt entry can never be completed; it has already been removed.
		return nil, bfferrors.ErrAttemptNotFound
	}
	return &attempt, nil
}

// Ping checks connectivity
func (r *RedisRepo) Ping(ctx context.Context) error {
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", bfferrors.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the underlying client
func (r *RedisRepo) Close() error {
	return r.redis.Close()
}
