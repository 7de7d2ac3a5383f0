package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Harsh-BH/Sentinel/judge/internal/domain"
	"github.com/Harsh-BH/Sentinel/judge/internal/judge"
	"github.com/Harsh-BH/Sentinel/judge/internal/repository/memory"
	mockrepo "github.com/Harsh-BH/Sentinel/judge/internal/repository/mock"
)

// fakeJudger records submissions and returns an Accepted result.
type fakeJudger struct {
	mu    sync.Mutex
	subs  []*domain.Submission
	block chan struct{}
}

func (f *fakeJudger) Judge(_ context.Context, sub *domain.Submission, _ judge.Reporter) *domain.JudgingResult {
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	return &domain.JudgingResult{
		SubmissionID:   sub.ID,
		Status:         domain.StatusCompleted,
		Verdict:        domain.VerdictAccepted,
		TotalTestCases: len(sub.TestCases),
	}
}

func validRequest() *domain.JudgeRequest {
	return &domain.JudgeRequest{
		SubmissionID: "sub-42",
		Code:         "print(sum(map(int, input().split())))",
		Language:     domain.LangPython,
		TestCases:    []domain.TestCase{{Input: "2 3", ExpectedOutput: "5", IsSample: true}},
	}
}

func TestJudgeSubmission_Success(t *testing.T) {
	eng := &fakeJudger{}
	lock := &mockrepo.SubmissionLock{}
	uc := NewJudgeSubmissionUsecase(eng, lock, DefaultLimits(), zap.NewNop())

	res, err := uc.Execute(context.Background(), validRequest(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Verdict != domain.VerdictAccepted || res.SubmissionID != "sub-42" {
		t.Errorf("unexpected result: %+v", res)
	}

	sub := eng.subs[0]
	if sub.TimeLimitMs != 2000 || sub.MemoryLimitMb != 256 {
		t.Errorf("defaults not applied: time=%d mem=%d", sub.TimeLimitMs, sub.MemoryLimitMb)
	}
	if len(lock.AcquireCalls) != 1 || len(lock.ReleaseCalls) != 1 {
		t.Errorf("lock calls: acquire=%d release=%d", len(lock.AcquireCalls), len(lock.ReleaseCalls))
	}
	// 10s build + 1 * (2s + 1s) + 2m
	if lock.TTLs[0] != 133*time.Second {
		t.Errorf("lock ttl: got %v", lock.TTLs[0])
	}
}

func TestJudgeSubmission_GeneratesID(t *testing.T) {
	eng := &fakeJudger{}
	uc := NewJudgeSubmissionUsecase(eng, &mockrepo.SubmissionLock{}, DefaultLimits(), zap.NewNop())

	req := validRequest()
	req.SubmissionID = ""
	res, err := uc.Execute(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	id, err := uuid.Parse(res.SubmissionID)
	if err != nil {
		t.Fatalf("expected a UUID, got %q", res.SubmissionID)
	}
	if id.Version() != 7 {
		t.Errorf("expected UUIDv7, got version %d", id.Version())
	}
}

func TestJudgeSubmission_Validation(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxTestCases = 2

	tests := []struct {
		name    string
		mutate  func(r *domain.JudgeRequest)
		wantErr error
	}{
		{"invalid language", func(r *domain.JudgeRequest) { r.Language = "ruby" }, domain.ErrInvalidLanguage},
		{"empty code", func(r *domain.JudgeRequest) { r.Code = "  \n" }, domain.ErrEmptySourceCode},
		{"code too large", func(r *domain.JudgeRequest) { r.Code = strings.Repeat("x", maxSourceCodeSize+1) }, domain.ErrPayloadTooLarge},
		{"negative time limit", func(r *domain.JudgeRequest) { r.TimeLimitMs = -1 }, domain.ErrInvalidLimits},
		{"time limit above max", func(r *domain.JudgeRequest) { r.TimeLimitMs = 30001 }, domain.ErrInvalidLimits},
		{"memory limit above max", func(r *domain.JudgeRequest) { r.MemoryLimitMb = 4096 }, domain.ErrInvalidLimits},
		{"too many test cases", func(r *domain.JudgeRequest) { r.TestCases = make([]domain.TestCase, 3) }, domain.ErrTooManyTestCases},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeJudger{}
			lock := &mockrepo.SubmissionLock{}
			uc := NewJudgeSubmissionUsecase(eng, lock, limits, zap.NewNop())

			req := validRequest()
			tt.mutate(req)
			_, err := uc.Execute(context.Background(), req, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if len(eng.subs) != 0 || len(lock.AcquireCalls) != 0 {
				t.Error("invalid requests must not reach the lock or engine")
			}
		})
	}
}

func TestJudgeSubmission_ExplicitLimits(t *testing.T) {
	eng := &fakeJudger{}
	uc := NewJudgeSubmissionUsecase(eng, &mockrepo.SubmissionLock{}, DefaultLimits(), zap.NewNop())

	req := validRequest()
	req.TimeLimitMs = 1500
	req.MemoryLimitMb = 64
	if _, err := uc.Execute(context.Background(), req, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eng.subs[0].TimeLimitMs != 1500 || eng.subs[0].MemoryLimitMb != 64 {
		t.Errorf("limits: got %d ms / %d MB", eng.subs[0].TimeLimitMs, eng.subs[0].MemoryLimitMb)
	}
}

func TestJudgeSubmission_InFlightDuplicate(t *testing.T) {
	eng := &fakeJudger{}
	lock := &mockrepo.SubmissionLock{
		AcquireFn: func(context.Context, string, time.Duration) (bool, error) { return false, nil },
	}
	uc := NewJudgeSubmissionUsecase(eng, lock, DefaultLimits(), zap.NewNop())

	_, err := uc.Execute(context.Background(), validRequest(), nil)
	if !errors.Is(err, domain.ErrSubmissionInFlight) {
		t.Errorf("expected ErrSubmissionInFlight, got %v", err)
	}
	if len(lock.ReleaseCalls) != 0 {
		t.Error("a lock we did not take must not be released")
	}
}

func TestJudgeSubmission_LockBackendDown(t *testing.T) {
	eng := &fakeJudger{}
	lock := &mockrepo.SubmissionLock{
		AcquireFn: func(context.Context, string, time.Duration) (bool, error) {
			return false, errors.New("redis: connection refused")
		},
	}
	uc := NewJudgeSubmissionUsecase(eng, lock, DefaultLimits(), zap.NewNop())

	res, err := uc.Execute(context.Background(), validRequest(), nil)
	if err != nil {
		t.Fatalf("judging should proceed without the lock, got %v", err)
	}
	if res.Verdict != domain.VerdictAccepted {
		t.Errorf("verdict: got %s", res.Verdict)
	}
	if len(lock.ReleaseCalls) != 0 {
		t.Error("release must not be called when the lock was never taken")
	}
}

func TestJudgeSubmission_ConcurrentSameID(t *testing.T) {
	eng := &fakeJudger{block: make(chan struct{})}
	uc := NewJudgeSubmissionUsecase(eng, memory.NewLock(), DefaultLimits(), zap.NewNop())

	done := make(chan error, 1)
	go func() {
		_, err := uc.Execute(context.Background(), validRequest(), nil)
		done <- err
	}()

	// Wait for the first call to reach the engine.
	deadline := time.Now().Add(2 * time.Second)
	for {
		eng.mu.Lock()
		n := len(eng.subs)
		eng.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first judging never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := uc.Execute(context.Background(), validRequest(), nil); !errors.Is(err, domain.ErrSubmissionInFlight) {
		t.Errorf("expected ErrSubmissionInFlight, got %v", err)
	}

	close(eng.block)
	if err := <-done; err != nil {
		t.Errorf("first judging: %v", err)
	}

	// Released after completion, so the id can be judged again.
	eng.block = nil
	if _, err := uc.Execute(context.Background(), validRequest(), nil); err != nil {
		t.Errorf("re-judging after completion: %v", err)
	}
}

func TestJudgeSubmission_TestCasesCopied(t *testing.T) {
	eng := &fakeJudger{}
	uc := NewJudgeSubmissionUsecase(eng, &mockrepo.SubmissionLock{}, DefaultLimits(), zap.NewNop())

	req := validRequest()
	if _, err := uc.Execute(context.Background(), req, nil); err != nil {
		t.Fatal(err)
	}
	req.TestCases[0].ExpectedOutput = "changed"
	if eng.subs[0].TestCases[0].ExpectedOutput != "5" {
		t.Error("submission must not alias the request's test cases")
	}
}
