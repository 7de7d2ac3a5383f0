package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Harsh-BH/Sentinel/judge/internal/domain"
	"github.com/Harsh-BH/Sentinel/judge/internal/judge"
	"github.com/Harsh-BH/Sentinel/judge/internal/repository"
)

const maxSourceCodeSize = 1 << 20 // 1 MB

// Judger runs one validated submission to a result.
type Judger interface {
	Judge(ctx context.Context, sub *domain.Submission, rep judge.Reporter) *domain.JudgingResult
}

// Limits bounds what a caller may ask for.
type Limits struct {
	DefaultTimeLimitMs   int
	MaxTimeLimitMs       int
	DefaultMemoryLimitMb int
	MaxMemoryLimitMb     int
	MaxTestCases         int

	// Used to size the submission lock TTL.
	CompileTimeout time.Duration
	KillGrace      time.Duration
}

// DefaultLimits mirrors the configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		DefaultTimeLimitMs:   2000,
		MaxTimeLimitMs:       30000,
		DefaultMemoryLimitMb: 256,
		MaxMemoryLimitMb:     1024,
		MaxTestCases:         500,
		CompileTimeout:       10 * time.Second,
		KillGrace:            time.Second,
	}
}

// JudgeSubmissionUsecase validates a judging request and runs it through
// the engine while holding the submission-id lock.
type JudgeSubmissionUsecase struct {
	engine Judger
	lock   repository.SubmissionLock
	limits Limits
	logger *zap.Logger
}

// NewJudgeSubmissionUsecase creates a new JudgeSubmissionUsecase.
func NewJudgeSubmissionUsecase(engine Judger, lock repository.SubmissionLock, limits Limits, logger *zap.Logger) *JudgeSubmissionUsecase {
	return &JudgeSubmissionUsecase{
		engine: engine,
		lock:   lock,
		limits: limits,
		logger: logger,
	}
}

// Execute judges req. Errors are returned only for requests that were never
// judged (validation, duplicate in-flight id); every judged request yields a
// result, including InternalError ones.
func (uc *JudgeSubmissionUsecase) Execute(ctx context.Context, req *domain.JudgeRequest, rep judge.Reporter) (*domain.JudgingResult, error) {
	sub, err := uc.buildSubmission(req)
	if err != nil {
		return nil, err
	}

	acquired, err := uc.lock.Acquire(ctx, sub.ID, uc.lockTTL(sub))
	if err != nil {
		// The lock only guards duplicates; judging is still isolated per call.
		uc.logger.Warn("submission lock unavailable, judging without it", zap.String("submission_id", sub.ID), zap.Error(err))
	} else if !acquired {
		return nil, domain.ErrSubmissionInFlight
	}
	if acquired {
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := uc.lock.Release(releaseCtx, sub.ID); err != nil {
				uc.logger.Warn("failed to release submission lock", zap.String("submission_id", sub.ID), zap.Error(err))
			}
		}()
	}

	uc.logger.Info("judging submission",
		zap.String("submission_id", sub.ID),
		zap.String("language", string(sub.Language)),
		zap.Int("test_cases", len(sub.TestCases)),
		zap.Int("time_limit_ms", sub.TimeLimitMs),
		zap.Int("memory_limit_mb", sub.MemoryLimitMb),
	)

	return uc.engine.Judge(ctx, sub, rep), nil
}

func (uc *JudgeSubmissionUsecase) buildSubmission(req *domain.JudgeRequest) (*domain.Submission, error) {
	if !req.Language.IsValid() {
		return nil, domain.ErrInvalidLanguage
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, domain.ErrEmptySourceCode
	}
	if len(req.Code) > maxSourceCodeSize {
		return nil, domain.ErrPayloadTooLarge
	}
	if uc.limits.MaxTestCases > 0 && len(req.TestCases) > uc.limits.MaxTestCases {
		return nil, fmt.Errorf("%w: %d > %d", domain.ErrTooManyTestCases, len(req.TestCases), uc.limits.MaxTestCases)
	}

	timeLimitMs, err := limitOrDefault(req.TimeLimitMs, uc.limits.DefaultTimeLimitMs, uc.limits.MaxTimeLimitMs)
	if err != nil {
		return nil, fmt.Errorf("%w: timeLimitMs %d", err, req.TimeLimitMs)
	}
	memoryLimitMb, err := limitOrDefault(req.MemoryLimitMb, uc.limits.DefaultMemoryLimitMb, uc.limits.MaxMemoryLimitMb)
	if err != nil {
		return nil, fmt.Errorf("%w: memoryLimitMb %d", err, req.MemoryLimitMb)
	}

	id := strings.TrimSpace(req.SubmissionID)
	if id == "" {
		// Generate UUIDv7 (time-ordered)
		v7, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate UUIDv7: %w", err)
		}
		id = v7.String()
	}

	testCases := make([]domain.TestCase, len(req.TestCases))
	copy(testCases, req.TestCases)

	return &domain.Submission{
		ID:            id,
		Language:      req.Language,
		SourceCode:    req.Code,
		TestCases:     testCases,
		TimeLimitMs:   timeLimitMs,
		MemoryLimitMb: memoryLimitMb,
	}, nil
}

// limitOrDefault treats zero as "use the default" and rejects negative or
// above-maximum values.
func limitOrDefault(v, def, ceiling int) (int, error) {
	if v == 0 {
		return def, nil
	}
	if v < 0 || (ceiling > 0 && v > ceiling) {
		return 0, domain.ErrInvalidLimits
	}
	return v, nil
}

func (uc *JudgeSubmissionUsecase) lockTTL(sub *domain.Submission) time.Duration {
	perTest := time.Duration(sub.TimeLimitMs)*time.Millisecond + uc.limits.KillGrace
	return uc.limits.CompileTimeout + time.Duration(len(sub.TestCases))*perTest + 2*time.Minute
}
