package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Harsh-BH/Sentinel/judge/internal/repository"
)

var _ repository.SubmissionLock = (*redisLock)(nil)

const lockKeyPrefix = "sentinel:judge:lock:"

// releaseScript deletes the key only while it still holds our token, so a
// lock that expired and was re-taken elsewhere is left alone.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisLock struct {
	client *goredis.Client

	mu     sync.Mutex
	tokens map[string]string
}

// NewSubmissionLock creates a Redis-backed submission lock using SET NX.
func NewSubmissionLock(client *goredis.Client) repository.SubmissionLock {
	return &redisLock{client: client, tokens: make(map[string]string)}
}

func (r *redisLock) Acquire(ctx context.Context, submissionID string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, lockKeyPrefix+submissionID, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: acquire lock: %w", err)
	}
	if ok {
		r.mu.Lock()
		r.tokens[submissionID] = token
		r.mu.Unlock()
	}
	return ok, nil
}

func (r *redisLock) Release(ctx context.Context, submissionID string) error {
	r.mu.Lock()
	token, ok := r.tokens[submissionID]
	delete(r.tokens, submissionID)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if err := releaseScript.Run(ctx, r.client, []string{lockKeyPrefix + submissionID}, token).Err(); err != nil {
		return fmt.Errorf("redis: release lock: %w", err)
	}
	return nil
}
