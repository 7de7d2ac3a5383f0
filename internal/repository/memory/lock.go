// Package memory provides process-local repository implementations used
// when no Redis is configured.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Harsh-BH/Sentinel/judge/internal/repository"
)

var _ repository.SubmissionLock = (*Lock)(nil)

// Lock is an in-process submission lock.
type Lock struct {
	mu      sync.Mutex
	held    map[string]time.Time
	nowFunc func() time.Time
}

func NewLock() *Lock {
	return &Lock{held: make(map[string]time.Time), nowFunc: time.Now}
}

func (l *Lock) Acquire(_ context.Context, submissionID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	if exp, ok := l.held[submissionID]; ok && now.Before(exp) {
		return false, nil
	}
	l.held[submissionID] = now.Add(ttl)
	return true, nil
}

func (l *Lock) Release(_ context.Context, submissionID string) error {
	l.mu.Lock()
	delete(l.held, submissionID)
	l.mu.Unlock()
	return nil
}
