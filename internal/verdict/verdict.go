// Package verdict turns raw sandbox outcomes into judging verdicts.
package verdict

import (
	"fmt"
	"strings"

	"github.com/Harsh-BH/Sentinel/judge/internal/domain"
	"github.com/Harsh-BH/Sentinel/judge/internal/sandbox"
)

const (
	MsgRuntimeError = "Program terminated with runtime errors."
	MsgWrongAnswer  = "Output does not match expected output."
)

// Normalize trims s and collapses every internal whitespace run to a single
// space. Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Classify maps one test-case outcome to a verdict. Rules are checked in
// order: time limit, memory limit, runtime error (stderr or abnormal exit),
// output mismatch, accepted.
func Classify(expected string, out *sandbox.Outcome, timeLimitMs, memoryLimitMb int) (domain.Verdict, string) {
	switch {
	case out.Kind == sandbox.TimedOut:
		return domain.VerdictTimeLimitExceeded, fmt.Sprintf("Time limit of %d ms exceeded.", timeLimitMs)
	case out.Kind == sandbox.MemoryExceeded:
		return domain.VerdictMemoryLimitExceeded, fmt.Sprintf("Memory limit of %d MB exceeded.", memoryLimitMb)
	case out.Kind == sandbox.Signaled:
		return domain.VerdictRuntimeError, fmt.Sprintf("Program terminated by signal %d.", out.Signal)
	case strings.TrimSpace(out.Stderr) != "":
		return domain.VerdictRuntimeError, MsgRuntimeError
	case out.ExitCode != 0:
		return domain.VerdictRuntimeError, fmt.Sprintf("Program exited with code %d.", out.ExitCode)
	case Normalize(out.Stdout) != Normalize(expected):
		return domain.VerdictWrongAnswer, MsgWrongAnswer
	default:
		return domain.VerdictAccepted, ""
	}
}

// Aggregate returns Accepted when every verdict is Accepted, otherwise the
// first non-Accepted verdict in test order. An empty slice yields NoTestCases.
func Aggregate(verdicts []domain.Verdict) domain.Verdict {
	if len(verdicts) == 0 {
		return domain.VerdictNoTestCases
	}
	for _, v := range verdicts {
		if v != domain.VerdictAccepted {
			return v
		}
	}
	return domain.VerdictAccepted
}

// CompileFailed reports whether a build step failed. With strict set, any
// non-blank diagnostic output counts as failure even on exit status 0.
func CompileFailed(out *sandbox.Outcome, strict bool) bool {
	if out.Kind != sandbox.Exited || out.ExitCode != 0 {
		return true
	}
	return strict && strings.TrimSpace(out.Stderr) != ""
}

// Summary is the human readable detail line of a finished judging.
func Summary(v domain.Verdict) string {
	switch v {
	case domain.VerdictAccepted:
		return "Solution accepted!"
	case domain.VerdictCompilationError:
		return "Compilation failed."
	case domain.VerdictNoTestCases:
		return "No test cases provided for judging."
	default:
		return "Solution failed: " + string(v)
	}
}
