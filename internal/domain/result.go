package domain

import "fmt"

// JudgeStatus is the overall outcome of one judging run.
type JudgeStatus string

const (
	StatusCompleted JudgeStatus = "completed"
	StatusFailed    JudgeStatus = "failed"
)

// Verdict classifies a test case or a whole submission.
type Verdict string

const (
	VerdictAccepted            Verdict = "Accepted"
	VerdictWrongAnswer         Verdict = "WrongAnswer"
	VerdictTimeLimitExceeded   Verdict = "TimeLimitExceeded"
	VerdictMemoryLimitExceeded Verdict = "MemoryLimitExceeded"
	VerdictRuntimeError        Verdict = "RuntimeError"
	VerdictCompilationError    Verdict = "CompilationError"
	VerdictNoTestCases         Verdict = "NoTestCases"
	VerdictInternalError       Verdict = "InternalError"
)

// MemoryUnavailable is reported when memory usage was not measured.
const MemoryUnavailable = "N/A"

// TestCaseResult is the outcome of running the program against one test case.
type TestCaseResult struct {
	TestCase        int     `json:"testCase"`
	Verdict         Verdict `json:"verdict"`
	Passed          bool    `json:"passed"`
	Message         string  `json:"message"`
	ExecutionTimeMs float64 `json:"executionTimeMs"`
	MemoryUsed      string  `json:"memoryUsed"`
	Input           string  `json:"input"`
	ExpectedOutput  string  `json:"expectedOutput"`
	ActualOutput    string  `json:"actualOutput"`
	Stderr          string  `json:"stderr"`
	IsSample        bool    `json:"isSample"`
}

// JudgingResult is the terminal output of the engine.
type JudgingResult struct {
	SubmissionID    string           `json:"submissionId"`
	Status          JudgeStatus      `json:"status"`
	Verdict         Verdict          `json:"verdict"`
	CompilerOutput  string           `json:"compilerOutput"`
	ExecutionTimeMs float64          `json:"executionTimeMs"`
	MemoryUsed      string           `json:"memoryUsed"`
	TestCasesPassed int              `json:"testCasesPassed"`
	TotalTestCases  int              `json:"totalTestCases"`
	DetailedResults []TestCaseResult `json:"detailedResults"`
	Detail          string           `json:"detail"`
}

// JudgeReply is the envelope sent back over message-queue transports.
type JudgeReply struct {
	Result *JudgingResult `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// FormatMemoryKB renders a best-effort memory measurement.
func FormatMemoryKB(kb int64) string {
	if kb <= 0 {
		return MemoryUnavailable
	}
	return fmt.Sprintf("%d KB", kb)
}
