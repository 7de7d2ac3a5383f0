package sandbox

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// Labels set on every container created by the judge.
const (
	LabelSubmission = "sentinel.judge.submission"
	// LabelInstance names the judge process that owns the container.
	LabelInstance = "sentinel.judge.instance"
	// LabelExpires is the unix time after which the container has outlived
	// its lifetime and may be removed by any instance.
	LabelExpires = "sentinel.judge.expires"
)

const (
	cpuPeriod       = 100000
	defaultLifetime = 10 * time.Minute
	cleanupTimeout  = 30 * time.Second
)

// DockerConfig controls how sandboxes are created on the Docker daemon.
type DockerConfig struct {
	// User the submission runs as inside the container.
	User string
	// KillGrace is how long past a command's timeout the host waits before
	// killing the container's process tree itself.
	KillGrace time.Duration
	// Instance identifies this judge process among replicas sharing a
	// daemon. It must be unique per replica and stable across restarts.
	Instance string
}

// DockerProvisioner runs each submission in its own short-lived container.
type DockerProvisioner struct {
	cli    client.APIClient
	cfg    DockerConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewDockerProvisioner connects to the daemon configured by the DOCKER_* environment.
func NewDockerProvisioner(cfg DockerConfig, logger *zap.Logger) (*DockerProvisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newDockerProvisioner(cli, cfg, logger), nil
}

func newDockerProvisioner(cli client.APIClient, cfg DockerConfig, logger *zap.Logger) *DockerProvisioner {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = time.Second
	}
	if cfg.Instance == "" {
		cfg.Instance, _ = os.Hostname()
	}
	return &DockerProvisioner{cli: cli, cfg: cfg, logger: logger, now: time.Now}
}

// Close releases the underlying client.
func (p *DockerProvisioner) Close() error {
	return p.cli.Close()
}

// Ping checks that the daemon is reachable.
func (p *DockerProvisioner) Ping(ctx context.Context) error {
	if _, err := p.cli.Ping(ctx); err != nil {
		return provisioningErr("ping", err)
	}
	return nil
}

// EnsureImage pulls img unless it is already present.
func (p *DockerProvisioner) EnsureImage(ctx context.Context, img string) error {
	_, _, err := p.cli.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}

	p.logger.Info("pulling docker image", zap.String("image", img))
	reader, err := p.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}

	p.logger.Info("pulled docker image", zap.String("image", img))
	return nil
}

// ReapOrphans removes judge containers left behind by a previous run of this
// instance, plus any judge container past its expiry. Live containers owned
// by other instances are left alone.
func (p *DockerProvisioner) ReapOrphans(ctx context.Context) (int, error) {
	list, err := p.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelSubmission)),
	})
	if err != nil {
		return 0, provisioningErr("list", err)
	}

	now := p.now()
	removed := 0
	for _, c := range list {
		if !p.reapable(c.Labels, now) {
			continue
		}
		err := p.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !errdefs.IsNotFound(err) {
			p.logger.Warn("failed to remove orphaned sandbox", zap.String("container_id", c.ID), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

func (p *DockerProvisioner) reapable(labels map[string]string, now time.Time) bool {
	if labels[LabelInstance] == p.cfg.Instance {
		return true
	}
	expires, err := strconv.ParseInt(labels[LabelExpires], 10, 64)
	if err != nil {
		return false
	}
	return now.Unix() > expires
}

// Acquire creates and starts a container for spec.
func (p *DockerProvisioner) Acquire(ctx context.Context, spec Spec) (Handle, error) {
	resp, err := p.cli.ContainerCreate(ctx, containerConfig(spec, p.cfg, p.now()), hostConfig(spec.Limits), nil, nil, "")
	if err != nil {
		return nil, provisioningErr("create", err)
	}

	h := &dockerHandle{
		cli:       p.cli,
		id:        resp.ID,
		hostDir:   spec.HostDir,
		killGrace: p.cfg.KillGrace,
		logger:    p.logger.With(zap.String("submission_id", spec.SubmissionID), zap.String("container_id", shortID(resp.ID))),
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if rerr := h.Release(releaseCtx); rerr != nil {
			h.logger.Error("failed to remove container after start failure", zap.Error(rerr))
		}
		return nil, provisioningErr("start", err)
	}

	h.logger.Debug("sandbox started", zap.String("image", spec.Image))
	return h, nil
}

func containerConfig(spec Spec, cfg DockerConfig, now time.Time) *container.Config {
	lifetime := spec.Lifetime
	if lifetime <= 0 {
		lifetime = defaultLifetime
	}
	expires := now.Add(lifetime + cleanupTimeout).Unix()
	return &container.Config{
		Image: spec.Image,
		// The init process only keeps the container alive; it also bounds
		// how long a leaked container can survive.
		Cmd:             []string{"sleep", strconv.Itoa(int(math.Ceil(lifetime.Seconds())))},
		User:            cfg.User,
		Tty:             false,
		NetworkDisabled: true,
		Labels: map[string]string{
			LabelSubmission: spec.SubmissionID,
			LabelInstance:   cfg.Instance,
			LabelExpires:    strconv.FormatInt(expires, 10),
		},
	}
}

func hostConfig(l Limits) *container.HostConfig {
	init := true
	hc := &container.HostConfig{
		NetworkMode: "none",
		Init:        &init,
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=16m,mode=1777",
		},
		Resources: container.Resources{
			Memory:     l.MemoryBytes,
			MemorySwap: l.MemoryBytes,
		},
	}
	if l.CPUs > 0 {
		hc.Resources.CPUPeriod = cpuPeriod
		hc.Resources.CPUQuota = int64(l.CPUs * cpuPeriod)
	}
	if l.PidsLimit > 0 {
		pids := l.PidsLimit
		hc.Resources.PidsLimit = &pids
	}
	return hc
}

type dockerHandle struct {
	cli       client.APIClient
	id        string
	hostDir   string
	killGrace time.Duration
	logger    *zap.Logger

	oomSeen bool

	releaseOnce sync.Once
	releaseErr  error
}

func (h *dockerHandle) ID() string { return h.id }

// CopyIn ships the named host files into WorkDir as a tar stream.
func (h *dockerHandle) CopyIn(ctx context.Context, names ...string) error {
	archive, err := buildArchive(h.hostDir, names...)
	if err != nil {
		return provisioningErr("archive", err)
	}
	if err := h.cli.CopyToContainer(ctx, h.id, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return provisioningErr("copy", err)
	}
	return nil
}

// Exec runs cmd in the container. The program is wrapped in coreutils
// timeout so it is killed at its limit from inside the container; if that
// fails, the host restarts the container after KillGrace, killing every
// process in it.
func (h *dockerHandle) Exec(ctx context.Context, cmd Command) (*Outcome, error) {
	created, err := h.cli.ContainerExecCreate(ctx, h.id, container.ExecOptions{
		Cmd:          wrapTimeout(cmd.Argv, cmd.Timeout),
		WorkingDir:   WorkDir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, provisioningErr("exec create", err)
	}

	attach, err := h.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, provisioningErr("exec attach", err)
	}
	defer attach.Close()

	stdout := newLimitedBuffer(cmd.OutputLimit)
	stderr := newLimitedBuffer(cmd.OutputLimit)

	var runCtx context.Context
	var cancel context.CancelFunc
	if cmd.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout+h.killGrace)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := time.Now()
	go func() {
		if len(cmd.Stdin) > 0 {
			_, _ = attach.Conn.Write(cmd.Stdin)
		}
		_ = attach.CloseWrite()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- err
	}()

	var elapsed time.Duration
	select {
	case err := <-done:
		elapsed = time.Since(start)
		if err != nil {
			return nil, provisioningErr("exec stream", err)
		}
	case <-runCtx.Done():
		elapsed = time.Since(start)
		attach.Close()
		<-done

		if err := h.killAll(); err != nil {
			return nil, provisioningErr("kill", err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		h.logger.Warn("host deadline reached, container restarted", zap.Duration("elapsed", elapsed))
		return &Outcome{
			Kind:            TimedOut,
			ExitCode:        -1,
			Signal:          9,
			Stdout:          stdout.String(),
			Stderr:          stderr.String(),
			StdoutTruncated: stdout.truncated,
			StderrTruncated: stderr.truncated,
			Elapsed:         elapsed,
		}, nil
	}

	exitCode, err := h.waitExit(ctx, created.ID)
	if err != nil {
		return nil, err
	}

	oom := false
	if exitCode == 128+9 {
		oom = h.newOOMKill(ctx)
	}
	kind, sig := outcomeFromExit(exitCode, elapsed, cmd.Timeout, oom)

	h.logger.Debug("exec completed",
		zap.Strings("argv", cmd.Argv),
		zap.Int("exit_code", exitCode),
		zap.Stringer("outcome", kind),
		zap.Duration("elapsed", elapsed),
	)

	return &Outcome{
		Kind:            kind,
		ExitCode:        exitCode,
		Signal:          sig,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
		Elapsed:         elapsed,
	}, nil
}

// waitExit polls until the daemon reports the exec as finished. The output
// stream can close slightly before the exit code is recorded.
func (h *dockerHandle) waitExit(ctx context.Context, execID string) (int, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		inspect, err := h.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, provisioningErr("exec inspect", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// newOOMKill reports whether the container's OOMKilled flag flipped since
// the last check. The flag is sticky for the life of the container.
func (h *dockerHandle) newOOMKill(ctx context.Context) bool {
	info, err := h.cli.ContainerInspect(ctx, h.id)
	if err != nil || info.ContainerJSONBase == nil || info.State == nil {
		return false
	}
	if info.State.OOMKilled && !h.oomSeen {
		h.oomSeen = true
		return true
	}
	return false
}

// killAll restarts the container with SIGKILL and no grace period, which
// takes down every process in it while keeping the copied files.
func (h *dockerHandle) killAll() error {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	zero := 0
	return h.cli.ContainerRestart(ctx, h.id, container.StopOptions{Signal: "SIGKILL", Timeout: &zero})
}

// Release force-removes the container. A container that is already gone
// counts as released.
func (h *dockerHandle) Release(ctx context.Context) error {
	h.releaseOnce.Do(func() {
		err := h.cli.ContainerRemove(ctx, h.id, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !errdefs.IsNotFound(err) {
			h.releaseErr = provisioningErr("remove", err)
			return
		}
		h.logger.Debug("sandbox released")
	})
	return h.releaseErr
}

// wrapTimeout prefixes argv with coreutils timeout so the program is
// SIGKILLed from inside the container once limit elapses.
func wrapTimeout(argv []string, limit time.Duration) []string {
	if limit <= 0 {
		return argv
	}
	secs := strconv.FormatFloat(limit.Seconds(), 'f', 3, 64) + "s"
	wrapped := make([]string, 0, len(argv)+3)
	wrapped = append(wrapped, "timeout", "--signal=KILL", secs)
	return append(wrapped, argv...)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
