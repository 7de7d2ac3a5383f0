package judge

import (
	"context"

	"go.uber.org/zap"

	"github.com/Harsh-BH/Sentinel/judge/internal/domain"
)

// EventType identifies a progress event emitted while judging.
type EventType string

const (
	EventCompiling EventType = "compiling"
	EventCompiled  EventType = "compiled"
	EventTestCase  EventType = "test_case"
	EventFinished  EventType = "finished"
)

// Event is one progress notification. Hidden test cases are reported like
// sample ones; transports decide what to reveal.
type Event struct {
	Type         EventType              `json:"type"`
	SubmissionID string                 `json:"submissionId"`
	TestCase     *domain.TestCaseResult `json:"testCase,omitempty"`
	Result       *domain.JudgingResult  `json:"result,omitempty"`
}

// Reporter receives progress events. Errors are logged and otherwise ignored.
type Reporter interface {
	Report(ctx context.Context, ev Event) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, ev Event) error

func (f ReporterFunc) Report(ctx context.Context, ev Event) error { return f(ctx, ev) }

// safeReporter shields judging from a failing or panicking reporter.
type safeReporter struct {
	next   Reporter
	logger *zap.Logger
}

func (r safeReporter) report(ctx context.Context, ev Event) {
	if r.next == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("reporter panicked", zap.String("event", string(ev.Type)), zap.Any("panic", p))
		}
	}()
	if err := r.next.Report(ctx, ev); err != nil {
		r.logger.Warn("failed to report progress", zap.String("event", string(ev.Type)), zap.Error(err))
	}
}
