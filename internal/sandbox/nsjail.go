package sandbox

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// NsjailConfig locates the nsjail binary and its per-language policy files.
type NsjailConfig struct {
	Path      string
	ConfigDir string
}

// NsjailProvisioner runs submissions under nsjail on the local host. The
// submission's host dir is bind-mounted at WorkDir for every command.
type NsjailProvisioner struct {
	cfg    NsjailConfig
	logger *zap.Logger
}

// NewNsjailProvisioner creates a new nsjail backend.
func NewNsjailProvisioner(cfg NsjailConfig, logger *zap.Logger) *NsjailProvisioner {
	return &NsjailProvisioner{cfg: cfg, logger: logger}
}

// Ping checks that the nsjail binary and config dir are usable.
func (p *NsjailProvisioner) Ping(_ context.Context) error {
	if _, err := exec.LookPath(p.cfg.Path); err != nil {
		return provisioningErr("ping", err)
	}
	if _, err := os.Stat(p.cfg.ConfigDir); err != nil {
		return provisioningErr("ping", err)
	}
	return nil
}

// Acquire validates spec. nsjail has no long-lived sandbox object: each
// command gets a fresh jail over the same bind-mounted directory.
func (p *NsjailProvisioner) Acquire(_ context.Context, spec Spec) (Handle, error) {
	if spec.HostDir == "" {
		return nil, provisioningErr("acquire", errors.New("host dir is required"))
	}
	configPath := filepath.Join(p.cfg.ConfigDir, spec.Profile+".cfg")
	if _, err := os.Stat(configPath); err != nil {
		return nil, provisioningErr("acquire", err)
	}

	return &nsjailHandle{
		nsjailPath: p.cfg.Path,
		configPath: configPath,
		hostDir:    spec.HostDir,
		limits:     spec.Limits,
		logger:     p.logger.With(zap.String("submission_id", spec.SubmissionID)),
	}, nil
}

type nsjailHandle struct {
	nsjailPath string
	configPath string
	hostDir    string
	limits     Limits
	logger     *zap.Logger
}

func (h *nsjailHandle) ID() string { return "nsjail:" + filepath.Base(h.hostDir) }

// CopyIn only checks the files exist; the host dir is mounted as-is.
func (h *nsjailHandle) CopyIn(_ context.Context, names ...string) error {
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(h.hostDir, name)); err != nil {
			return provisioningErr("copy", err)
		}
	}
	return nil
}

func (h *nsjailHandle) Exec(ctx context.Context, cmd Command) (*Outcome, error) {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if cmd.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
	}
	defer cancel()

	c := exec.CommandContext(runCtx, h.nsjailPath, nsjailArgs(h.configPath, h.hostDir, h.limits, cmd)...)

	// Own process group so the whole tree dies on timeout.
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return unix.Kill(-c.Process.Pid, unix.SIGKILL)
	}
	c.WaitDelay = time.Second
	c.Stdin = bytes.NewReader(cmd.Stdin)

	stdout := newLimitedBuffer(cmd.OutputLimit)
	stderr := newLimitedBuffer(cmd.OutputLimit)
	c.Stdout = stdout
	c.Stderr = stderr

	start := time.Now()
	err := c.Run()
	elapsed := time.Since(start)

	progStderr, nsjailLog := separateNsjailLogs(stderr.String())
	out := &Outcome{
		Stdout:          stdout.String(),
		Stderr:          progStderr,
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
		Elapsed:         elapsed,
		MemoryKB:        maxRSSKB(c.ProcessState),
	}

	h.logger.Debug("nsjail execution completed",
		zap.Strings("argv", cmd.Argv),
		zap.Duration("elapsed", elapsed),
		zap.Int64("memory_used_kb", out.MemoryKB),
		zap.String("nsjail_log", nsjailLog),
	)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		out.Kind = TimedOut
		out.ExitCode = -1
		out.Signal = int(unix.SIGKILL)
		return out, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, provisioningErr("exec", err)
		}
		out.ExitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			out.ExitCode = 128 + int(ws.Signal())
		}
	}

	out.Kind, out.Signal = outcomeFromExit(out.ExitCode, elapsed, cmd.Timeout, isOOMKill(out.ExitCode, nsjailLog))
	return out, nil
}

// Release is a no-op; the host dir belongs to the caller.
func (h *nsjailHandle) Release(_ context.Context) error { return nil }

func nsjailArgs(configPath, hostDir string, limits Limits, cmd Command) []string {
	timeLimit := 0
	if cmd.Timeout > 0 {
		// Backstop only; the host context kills at the exact limit.
		timeLimit = int(math.Ceil(cmd.Timeout.Seconds())) + 1
	}

	args := []string{
		"--config", configPath,
		"--bindmount", hostDir + ":" + WorkDir,
		"--cwd", WorkDir,
		"--time_limit", strconv.Itoa(timeLimit),
	}
	if limits.MemoryBytes > 0 {
		args = append(args, "--cgroup_mem_max", strconv.FormatInt(limits.MemoryBytes, 10))
	}
	if limits.PidsLimit > 0 {
		args = append(args, "--cgroup_pids_max", strconv.FormatInt(limits.PidsLimit, 10))
	}
	if limits.CPUs > 0 {
		args = append(args, "--cgroup_cpu_ms_per_sec", strconv.Itoa(int(limits.CPUs*1000)))
	}
	args = append(args, "--")
	return append(args, cmd.Argv...)
}

// separateNsjailLogs splits nsjail log lines from the user program's stderr.
// nsjail logs are prefixed with bracketed tags like [I], [W], [E], [F], [D].
func separateNsjailLogs(rawStderr string) (programStderr, nsjailLogs string) {
	if rawStderr == "" {
		return "", ""
	}

	var progLines, logLines []string
	for _, line := range strings.Split(rawStderr, "\n") {
		if isNsjailLogLine(strings.TrimSpace(line)) {
			logLines = append(logLines, line)
		} else {
			progLines = append(progLines, line)
		}
	}

	return strings.Join(progLines, "\n"), strings.Join(logLines, "\n")
}

func isNsjailLogLine(line string) bool {
	for _, prefix := range []string{"[I]", "[W]", "[E]", "[F]", "[D]"} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// isOOMKill reports a SIGKILL that nsjail attributes to the memory cgroup.
func isOOMKill(exitCode int, nsjailLog string) bool {
	if exitCode != 128+9 {
		return false
	}
	lowerLog := strings.ToLower(nsjailLog)
	return strings.Contains(lowerLog, "oom") ||
		strings.Contains(lowerLog, "memory cgroup") ||
		strings.Contains(lowerLog, "cgroup_mem")
}

// maxRSSKB returns the peak resident set of the jail, 0 if unknown.
func maxRSSKB(ps *os.ProcessState) int64 {
	if ps == nil {
		return 0
	}
	ru, ok := ps.SysUsage().(*syscall.Rusage)
	if !ok || ru == nil {
		return 0
	}
	return int64(ru.Maxrss)
}
