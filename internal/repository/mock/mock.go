package mock

import (
	"context"
	"sync"
	"time"

	"github.com/Harsh-BH/Sentinel/judge/internal/repository"
)

// ---- SubmissionLock mock ----

var _ repository.SubmissionLock = (*SubmissionLock)(nil)

// SubmissionLock is a test double for repository.SubmissionLock.
type SubmissionLock struct {
	mu sync.Mutex

	AcquireFn func(ctx context.Context, submissionID string, ttl time.Duration) (bool, error)
	ReleaseFn func(ctx context.Context, submissionID string) error

	// Recorded calls for assertions.
	AcquireCalls []string
	ReleaseCalls []string
	TTLs         []time.Duration
}

func (m *SubmissionLock) Acquire(ctx context.Context, submissionID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	m.AcquireCalls = append(m.AcquireCalls, submissionID)
	m.TTLs = append(m.TTLs, ttl)
	m.mu.Unlock()
	if m.AcquireFn != nil {
		return m.AcquireFn(ctx, submissionID, ttl)
	}
	return true, nil // default: lock acquired
}

func (m *SubmissionLock) Release(ctx context.Context, submissionID string) error {
	m.mu.Lock()
	m.ReleaseCalls = append(m.ReleaseCalls, submissionID)
	m.mu.Unlock()
	if m.ReleaseFn != nil {
		return m.ReleaseFn(ctx, submissionID)
	}
	return nil
}
