package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeNsjail drops every flag up to "--" and runs the rest, so Exec can be
// tested without namespaces or root.
const fakeNsjail = `#!/bin/sh
while [ "$#" -gt 0 ]; do
  if [ "$1" = "--" ]; then shift; break; fi
  shift
done
echo "[I] Mode: STANDALONE_ONCE" >&2
exec "$@"
`

func newFakeNsjail(t *testing.T) (*NsjailProvisioner, Spec) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	binDir := t.TempDir()
	bin := filepath.Join(binDir, "nsjail")
	if err := os.WriteFile(bin, []byte(fakeNsjail), 0o755); err != nil {
		t.Fatalf("write fake nsjail: %v", err)
	}

	configDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(configDir, "python.cfg"), []byte("# dummy"), 0o644); err != nil {
		t.Fatalf("write dummy config: %v", err)
	}

	p := NewNsjailProvisioner(NsjailConfig{Path: bin, ConfigDir: configDir}, zap.NewNop())
	return p, Spec{SubmissionID: "sub-1", Profile: "python", HostDir: t.TempDir()}
}

func TestNsjailArgs(t *testing.T) {
	limits := Limits{MemoryBytes: 256 << 20, CPUs: 0.5, PidsLimit: 64}
	cmd := Command{Argv: []string{"./program"}, Timeout: 1500 * time.Millisecond}

	got := nsjailArgs("/etc/nsjail/cpp.cfg", "/var/judge/sub-1", limits, cmd)
	want := []string{
		"--config", "/etc/nsjail/cpp.cfg",
		"--bindmount", "/var/judge/sub-1:/sandbox",
		"--cwd", "/sandbox",
		"--time_limit", "3",
		"--cgroup_mem_max", "268435456",
		"--cgroup_pids_max", "64",
		"--cgroup_cpu_ms_per_sec", "500",
		"--", "./program",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got  %v\nwant %v", got, want)
	}
}

func TestNsjailArgs_NoTimeout(t *testing.T) {
	got := nsjailArgs("c.cfg", "/w", Limits{}, Command{Argv: []string{"true"}})
	want := []string{"--config", "c.cfg", "--bindmount", "/w:/sandbox", "--cwd", "/sandbox", "--time_limit", "0", "--", "true"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSeparateNsjailLogs(t *testing.T) {
	raw := "[I] Mode: STANDALONE_ONCE\nTraceback (most recent call last):\n[W] pid=12 exited\n  ZeroDivisionError"
	prog, logs := separateNsjailLogs(raw)

	if prog != "Traceback (most recent call last):\n  ZeroDivisionError" {
		t.Errorf("program stderr: got %q", prog)
	}
	if logs != "[I] Mode: STANDALONE_ONCE\n[W] pid=12 exited" {
		t.Errorf("nsjail logs: got %q", logs)
	}

	if p, l := separateNsjailLogs(""); p != "" || l != "" {
		t.Error("empty input should produce empty output")
	}
}

func TestIsOOMKill(t *testing.T) {
	if !isOOMKill(137, "[W] memory cgroup out of memory: Killed process 7") {
		t.Error("expected OOM for sigkill with memory cgroup log")
	}
	if isOOMKill(137, "[I] pid=7 exited") {
		t.Error("plain sigkill is not attributed to OOM")
	}
	if isOOMKill(1, "oom") {
		t.Error("non-sigkill exit is never OOM")
	}
}

func TestNsjailAcquire_Errors(t *testing.T) {
	p := NewNsjailProvisioner(NsjailConfig{Path: "/nonexistent/nsjail", ConfigDir: t.TempDir()}, zap.NewNop())

	var pe *ProvisioningError
	if _, err := p.Acquire(context.Background(), Spec{Profile: "python"}); !errors.As(err, &pe) {
		t.Errorf("missing host dir: expected ProvisioningError, got %v", err)
	}
	if _, err := p.Acquire(context.Background(), Spec{Profile: "ruby", HostDir: t.TempDir()}); !errors.As(err, &pe) {
		t.Errorf("missing profile: expected ProvisioningError, got %v", err)
	}
	if err := p.Ping(context.Background()); err == nil {
		t.Error("ping should fail for a missing binary")
	}
}

func TestNsjailExec_MissingBinary(t *testing.T) {
	configDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(configDir, "python.cfg"), []byte("# dummy"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := NewNsjailProvisioner(NsjailConfig{Path: "/nonexistent/nsjail", ConfigDir: configDir}, zap.NewNop())

	h, err := p.Acquire(context.Background(), Spec{Profile: "python", HostDir: t.TempDir()})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, err = h.Exec(context.Background(), Command{Argv: []string{"true"}, Timeout: time.Second})
	var pe *ProvisioningError
	if !errors.As(err, &pe) {
		t.Errorf("expected ProvisioningError, got %v", err)
	}
}

func TestNsjailExec_Outcomes(t *testing.T) {
	p, spec := newFakeNsjail(t)
	h, err := p.Acquire(context.Background(), spec)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Release(context.Background())

	tests := []struct {
		name       string
		argv       []string
		stdin      string
		timeout    time.Duration
		wantKind   OutcomeKind
		wantExit   int
		wantStdout string
		wantStderr string
	}{
		{
			name:       "echo stdin",
			argv:       []string{"cat"},
			stdin:      "5\n",
			timeout:    5 * time.Second,
			wantKind:   Exited,
			wantStdout: "5\n",
		},
		{
			name:     "non-zero exit",
			argv:     []string{"sh", "-c", "exit 3"},
			timeout:  5 * time.Second,
			wantKind: Exited,
			wantExit: 3,
		},
		{
			name:       "stderr without nsjail logs",
			argv:       []string{"sh", "-c", "echo boom >&2"},
			timeout:    5 * time.Second,
			wantKind:   Exited,
			wantStderr: "boom\n",
		},
		{
			name:     "killed by signal",
			argv:     []string{"sh", "-c", "kill -SEGV $$"},
			timeout:  5 * time.Second,
			wantKind: Signaled,
			wantExit: 139,
		},
		{
			name:     "self sigkill is not a memory kill",
			argv:     []string{"sh", "-c", "kill -9 $$"},
			timeout:  2 * time.Second,
			wantKind: Signaled,
			wantExit: 137,
		},
		{
			name:     "timeout",
			argv:     []string{"sleep", "5"},
			timeout:  200 * time.Millisecond,
			wantKind: TimedOut,
			wantExit: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := h.Exec(context.Background(), Command{Argv: tt.argv, Stdin: []byte(tt.stdin), Timeout: tt.timeout})
			if err != nil {
				t.Fatalf("exec: %v", err)
			}
			if out.Kind != tt.wantKind {
				t.Errorf("kind: got %s, want %s", out.Kind, tt.wantKind)
			}
			if out.ExitCode != tt.wantExit {
				t.Errorf("exit code: got %d, want %d", out.ExitCode, tt.wantExit)
			}
			if out.Stdout != tt.wantStdout {
				t.Errorf("stdout: got %q, want %q", out.Stdout, tt.wantStdout)
			}
			if strings.TrimSpace(out.Stderr) != strings.TrimSpace(tt.wantStderr) {
				t.Errorf("stderr: got %q, want %q", out.Stderr, tt.wantStderr)
			}
		})
	}
}

func TestNsjailExec_TimeoutIsPrompt(t *testing.T) {
	p, spec := newFakeNsjail(t)
	h, err := p.Acquire(context.Background(), spec)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	start := time.Now()
	out, err := h.Exec(context.Background(), Command{Argv: []string{"sh", "-c", "sleep 10 & sleep 10"}, Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if out.Kind != TimedOut {
		t.Errorf("kind: got %s", out.Kind)
	}
	// The whole process group dies, so Wait does not block on the background sleep.
	if time.Since(start) > 3*time.Second {
		t.Errorf("exec took %v, process tree was not killed", time.Since(start))
	}
}

func TestNsjailExec_CancelledContext(t *testing.T) {
	p, spec := newFakeNsjail(t)
	h, err := p.Acquire(context.Background(), spec)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.Exec(ctx, Command{Argv: []string{"true"}, Timeout: time.Second}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNsjailCopyIn(t *testing.T) {
	p, spec := newFakeNsjail(t)
	h, err := p.Acquire(context.Background(), spec)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := os.WriteFile(filepath.Join(spec.HostDir, "main.py"), []byte("print(1)"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := h.CopyIn(context.Background(), "main.py"); err != nil {
		t.Errorf("copy existing file: %v", err)
	}
	if err := h.CopyIn(context.Background(), "missing.py"); err == nil {
		t.Error("expected error for missing file")
	}
}
