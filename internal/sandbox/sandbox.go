package sandbox

import (
	"context"
	"fmt"
	"time"
)

// WorkDir is where submission files live inside every sandbox.
const WorkDir = "/sandbox"

// Limits are the resource ceilings applied to a sandbox.
type Limits struct {
	MemoryBytes int64
	// CPUs is a fraction of one CPU, e.g. 0.5.
	CPUs      float64
	PidsLimit int64
}

// Spec describes the sandbox to provision for one submission.
type Spec struct {
	SubmissionID string
	Image        string
	// Profile selects backend-specific policy, e.g. the nsjail config file.
	Profile string
	// HostDir is the submission's scoped working directory on the host.
	HostDir  string
	Limits   Limits
	Lifetime time.Duration
}

// Command is one program invocation inside a sandbox.
type Command struct {
	Argv        []string
	Stdin       []byte
	Timeout     time.Duration
	OutputLimit int
}

// OutcomeKind tags how a sandboxed command terminated.
type OutcomeKind int

const (
	Exited OutcomeKind = iota
	TimedOut
	MemoryExceeded
	Signaled
)

func (k OutcomeKind) String() string {
	switch k {
	case Exited:
		return "exited"
	case TimedOut:
		return "timed_out"
	case MemoryExceeded:
		return "memory_exceeded"
	case Signaled:
		return "signaled"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Outcome is the result of a command that ran to some termination.
// Infrastructure failures are reported as errors, never as an Outcome.
type Outcome struct {
	Kind     OutcomeKind
	ExitCode int
	Signal   int
	Stdout   string
	Stderr   string

	StdoutTruncated bool
	StderrTruncated bool

	Elapsed time.Duration
	// MemoryKB is zero when the backend could not measure it.
	MemoryKB int64
}

// Provisioner creates isolated execution environments.
type Provisioner interface {
	Ping(ctx context.Context) error
	Acquire(ctx context.Context, spec Spec) (Handle, error)
}

// Handle is a live sandbox. Release must be called exactly once on every path.
type Handle interface {
	ID() string
	// CopyIn makes the named files from the host dir visible under WorkDir.
	CopyIn(ctx context.Context, names ...string) error
	Exec(ctx context.Context, cmd Command) (*Outcome, error)
	Release(ctx context.Context) error
}

// ProvisioningError reports a failure of the sandbox infrastructure itself.
type ProvisioningError struct {
	Op  string
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("sandbox %s: %v", e.Op, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

func provisioningErr(op string, err error) error {
	return &ProvisioningError{Op: op, Err: err}
}

// outcomeFromExit maps a process exit status to an Outcome kind. Exit codes
// above 128 mean the program died from signal (code - 128). Only the
// runtime's OOM evidence yields MemoryExceeded; a SIGKILL at or past the
// limit is a timeout, any other SIGKILL an ordinary signal death.
func outcomeFromExit(exitCode int, elapsed, limit time.Duration, oomKilled bool) (OutcomeKind, int) {
	if oomKilled {
		return MemoryExceeded, 0
	}
	if exitCode == 128+9 && limit > 0 && elapsed >= limit {
		return TimedOut, 9
	}
	if exitCode > 128 && exitCode < 128+65 {
		return Signaled, exitCode - 128
	}
	return Exited, 0
}
