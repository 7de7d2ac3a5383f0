package repository

import (
	"context"
	"time"
)

// SubmissionLock guards against the same submission id being judged twice
// at once. Locks expire after ttl so a crashed judge cannot wedge an id.
type SubmissionLock interface {
	// Acquire returns true if the lock was taken, false if another judging
	// already holds it.
	Acquire(ctx context.Context, submissionID string, ttl time.Duration) (bool, error)

	// Release drops a lock taken by this process.
	Release(ctx context.Context, submissionID string) error
}
