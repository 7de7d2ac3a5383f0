package judge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Harsh-BH/Sentinel/judge/internal/domain"
	"github.com/Harsh-BH/Sentinel/judge/internal/languages"
	"github.com/Harsh-BH/Sentinel/judge/internal/metrics"
	"github.com/Harsh-BH/Sentinel/judge/internal/sandbox"
	"github.com/Harsh-BH/Sentinel/judge/internal/verdict"
)

// Config tunes the engine.
type Config struct {
	// WorkDir is the parent of every per-submission directory.
	WorkDir             string
	CompileTimeout      time.Duration
	StrictCompileStderr bool
	OutputLimit         int
	CompileOutputLimit  int
	CPUs                float64
	PidsLimit           int64
	// KillGrace is added to every time limit when sizing the sandbox lifetime.
	KillGrace      time.Duration
	ReleaseTimeout time.Duration
}

// Engine judges one submission at a time per call; calls are independent and
// may run concurrently.
type Engine struct {
	provisioner sandbox.Provisioner
	registry    *languages.Registry
	cfg         Config
	logger      *zap.Logger
}

// NewEngine creates a new judging engine.
func NewEngine(p sandbox.Provisioner, registry *languages.Registry, cfg Config, logger *zap.Logger) *Engine {
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.CompileTimeout <= 0 {
		cfg.CompileTimeout = 10 * time.Second
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = sandbox.DefaultOutputLimit
	}
	if cfg.CompileOutputLimit <= 0 {
		cfg.CompileOutputLimit = 1 << 20
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = time.Second
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 30 * time.Second
	}
	return &Engine{provisioner: p, registry: registry, cfg: cfg, logger: logger}
}

// Judge compiles and runs sub against its test cases. It always returns a
// well-formed result: infrastructure faults and panics become InternalError.
// Every file and sandbox created for sub is gone when Judge returns.
func (e *Engine) Judge(ctx context.Context, sub *domain.Submission, rep Reporter) (res *domain.JudgingResult) {
	start := time.Now()
	logger := e.logger.With(
		zap.String("submission_id", sub.ID),
		zap.String("language", string(sub.Language)),
	)
	reporter := safeReporter{next: rep, logger: logger}

	metrics.JudgingsActive.Inc()
	defer func() {
		if p := recover(); p != nil {
			logger.Error("panic during judging", zap.Any("panic", p), zap.Stack("stack"))
			res = internalError(sub, fmt.Errorf("panic: %v", p))
		}
		metrics.JudgingsActive.Dec()
		metrics.JudgingsTotal.WithLabelValues(string(sub.Language), string(res.Verdict)).Inc()
		metrics.JudgingDuration.WithLabelValues(string(sub.Language)).Observe(time.Since(start).Seconds())

		logger.Info("judging finished",
			zap.String("verdict", string(res.Verdict)),
			zap.String("status", string(res.Status)),
			zap.Int("passed", res.TestCasesPassed),
			zap.Int("total", res.TotalTestCases),
			zap.Duration("elapsed", time.Since(start)),
		)
		reporter.report(ctx, Event{Type: EventFinished, SubmissionID: sub.ID, Result: res})
	}()

	res, err := e.run(ctx, sub, reporter, logger)
	if err != nil {
		logger.Error("judging failed", zap.Error(err))
		var pe *sandbox.ProvisioningError
		if errors.As(err, &pe) {
			metrics.SandboxFailures.WithLabelValues(pe.Op).Inc()
		}
		return internalError(sub, err)
	}
	return res
}

func (e *Engine) run(ctx context.Context, sub *domain.Submission, rep safeReporter, logger *zap.Logger) (*domain.JudgingResult, error) {
	profile, err := e.registry.Get(sub.Language)
	if err != nil {
		return nil, fmt.Errorf("language %q: %w", sub.Language, err)
	}

	workDir, err := os.MkdirTemp(e.cfg.WorkDir, "sub-"+dirSafe(sub.ID)+"-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn("failed to remove work dir", zap.String("dir", workDir), zap.Error(err))
		}
	}()
	// Wide permissions so an unprivileged sandbox user can write build output.
	if err := os.Chmod(workDir, 0o777); err != nil {
		return nil, fmt.Errorf("chmod work dir: %w", err)
	}

	if err := os.WriteFile(filepath.Join(workDir, profile.SourceFile), []byte(sub.SourceCode), 0o644); err != nil {
		return nil, fmt.Errorf("write source: %w", err)
	}

	handle, err := e.provisioner.Acquire(ctx, sandbox.Spec{
		SubmissionID: sub.ID,
		Image:        profile.Image,
		Profile:      string(profile.ID),
		HostDir:      workDir,
		Limits: sandbox.Limits{
			MemoryBytes: int64(sub.MemoryLimitMb) << 20,
			CPUs:        e.cfg.CPUs,
			PidsLimit:   e.cfg.PidsLimit,
		},
		Lifetime: e.lifetime(sub),
	})
	if err != nil {
		return nil, fmt.Errorf("acquire sandbox: %w", err)
	}
	defer e.release(handle, logger)

	if err := handle.CopyIn(ctx, profile.SourceFile); err != nil {
		return nil, fmt.Errorf("copy source: %w", err)
	}

	res := &domain.JudgingResult{
		SubmissionID:    sub.ID,
		TotalTestCases:  len(sub.TestCases),
		MemoryUsed:      domain.MemoryUnavailable,
		DetailedResults: []domain.TestCaseResult{},
	}

	if profile.Kind.NeedsBuild() {
		ok, diagnostics, err := e.compile(ctx, handle, profile, sub, rep)
		if err != nil {
			return nil, err
		}
		res.CompilerOutput = diagnostics
		if !ok {
			res.Status = domain.StatusFailed
			res.Verdict = domain.VerdictCompilationError
			res.Detail = verdict.Summary(res.Verdict)
			return res, nil
		}
	}

	if len(sub.TestCases) == 0 {
		res.Status = domain.StatusCompleted
		res.Verdict = domain.VerdictNoTestCases
		res.Detail = verdict.Summary(res.Verdict)
		return res, nil
	}

	verdicts := make([]domain.Verdict, 0, len(sub.TestCases))
	var totalMs float64
	var maxMemKB int64
	for i, tc := range sub.TestCases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		tr, memKB, err := e.runOne(ctx, handle, profile, sub, i, tc)
		if err != nil {
			return nil, fmt.Errorf("test case %d: %w", i+1, err)
		}

		logger.Debug("test case judged",
			zap.Int("test_case", tr.TestCase),
			zap.String("verdict", string(tr.Verdict)),
			zap.Float64("elapsed_ms", tr.ExecutionTimeMs),
		)

		res.DetailedResults = append(res.DetailedResults, tr)
		verdicts = append(verdicts, tr.Verdict)
		if tr.Passed {
			res.TestCasesPassed++
		}
		totalMs += tr.ExecutionTimeMs
		if memKB > maxMemKB {
			maxMemKB = memKB
		}
		rep.report(ctx, Event{Type: EventTestCase, SubmissionID: sub.ID, TestCase: &tr})
	}

	res.Status = domain.StatusCompleted
	res.Verdict = verdict.Aggregate(verdicts)
	res.ExecutionTimeMs = roundMs(totalMs)
	res.MemoryUsed = domain.FormatMemoryKB(maxMemKB)
	res.Detail = verdict.Summary(res.Verdict)
	return res, nil
}

// compile runs the build step under its own timeout. It returns ok=false
// with the diagnostics when the program must not be run.
func (e *Engine) compile(ctx context.Context, h sandbox.Handle, profile languages.Profile, sub *domain.Submission, rep safeReporter) (bool, string, error) {
	rep.report(ctx, Event{Type: EventCompiling, SubmissionID: sub.ID})

	out, err := h.Exec(ctx, sandbox.Command{
		Argv:        profile.CompileArgv,
		Timeout:     e.cfg.CompileTimeout,
		OutputLimit: e.cfg.CompileOutputLimit,
	})
	if err != nil {
		return false, "", fmt.Errorf("compile: %w", err)
	}
	metrics.CompileDuration.WithLabelValues(string(sub.Language)).Observe(out.Elapsed.Seconds())

	diagnostics := capture(out.Stderr, out.StderrTruncated)
	if diagnostics == "" {
		diagnostics = capture(out.Stdout, out.StdoutTruncated)
	}

	switch out.Kind {
	case sandbox.TimedOut:
		diagnostics = strings.TrimSpace(diagnostics + fmt.Sprintf("\nCompilation timed out after %s.", e.cfg.CompileTimeout))
	case sandbox.MemoryExceeded:
		diagnostics = strings.TrimSpace(diagnostics + "\nCompiler exceeded the memory limit.")
	}

	ok := !verdict.CompileFailed(out, e.cfg.StrictCompileStderr)
	if ok {
		rep.report(ctx, Event{Type: EventCompiled, SubmissionID: sub.ID})
	}
	return ok, diagnostics, nil
}

func (e *Engine) runOne(ctx context.Context, h sandbox.Handle, profile languages.Profile, sub *domain.Submission, i int, tc domain.TestCase) (domain.TestCaseResult, int64, error) {
	input := tc.Input
	if !strings.HasSuffix(input, "\n") {
		input += "\n"
	}

	out, err := h.Exec(ctx, sandbox.Command{
		Argv:        profile.RunArgv,
		Stdin:       []byte(input),
		Timeout:     time.Duration(sub.TimeLimitMs) * time.Millisecond,
		OutputLimit: e.cfg.OutputLimit,
	})
	if err != nil {
		return domain.TestCaseResult{}, 0, err
	}

	v, msg := verdict.Classify(tc.ExpectedOutput, out, sub.TimeLimitMs, sub.MemoryLimitMb)
	metrics.TestCaseDuration.WithLabelValues(string(sub.Language), string(v)).Observe(out.Elapsed.Seconds())

	return domain.TestCaseResult{
		TestCase:        i + 1,
		Verdict:         v,
		Passed:          v == domain.VerdictAccepted,
		Message:         msg,
		ExecutionTimeMs: roundMs(float64(out.Elapsed) / float64(time.Millisecond)),
		MemoryUsed:      domain.FormatMemoryKB(out.MemoryKB),
		Input:           tc.Input,
		ExpectedOutput:  strings.TrimSpace(tc.ExpectedOutput),
		ActualOutput:    capture(out.Stdout, out.StdoutTruncated),
		Stderr:          capture(out.Stderr, out.StderrTruncated),
		IsSample:        tc.IsSample,
	}, out.MemoryKB, nil
}

// release tears the sandbox down with a fresh context so a cancelled
// request still cleans up.
func (e *Engine) release(h sandbox.Handle, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ReleaseTimeout)
	defer cancel()
	if err := h.Release(ctx); err != nil {
		metrics.SandboxFailures.WithLabelValues("release").Inc()
		logger.Error("failed to release sandbox", zap.String("sandbox_id", h.ID()), zap.Error(err))
	}
}

// lifetime bounds how long the sandbox may live: the build plus every test
// at its limit, with slack.
func (e *Engine) lifetime(sub *domain.Submission) time.Duration {
	perTest := time.Duration(sub.TimeLimitMs)*time.Millisecond + e.cfg.KillGrace
	return e.cfg.CompileTimeout + time.Duration(len(sub.TestCases))*perTest + time.Minute
}

func internalError(sub *domain.Submission, err error) *domain.JudgingResult {
	return &domain.JudgingResult{
		SubmissionID:    sub.ID,
		Status:          domain.StatusFailed,
		Verdict:         domain.VerdictInternalError,
		MemoryUsed:      domain.MemoryUnavailable,
		TotalTestCases:  len(sub.TestCases),
		DetailedResults: []domain.TestCaseResult{},
		Detail:          "An unexpected error occurred during judging: " + err.Error(),
	}
}

func capture(s string, truncated bool) string {
	s = strings.TrimSpace(s)
	if truncated {
		s += sandbox.TruncatedNotice
	}
	return s
}

func roundMs(ms float64) float64 {
	return math.Round(ms*100) / 100
}

// dirSafe keeps an id usable as part of a single path element.
func dirSafe(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= 64 {
			break
		}
	}
	return b.String()
}
