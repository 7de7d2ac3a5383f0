package mock

import (
	"context"
	"sync"

	"github.com/Harsh-BH/Sentinel/judge/internal/sandbox"
)

// ---- Provisioner mock ----

var _ sandbox.Provisioner = (*Provisioner)(nil)

// Provisioner is a test double for sandbox.Provisioner. Every acquired
// Handle is recorded so tests can assert it was released.
type Provisioner struct {
	mu sync.Mutex

	PingFn    func(ctx context.Context) error
	AcquireFn func(ctx context.Context, spec sandbox.Spec) (sandbox.Handle, error)
	// ExecFn is installed on handles created by the default AcquireFn.
	ExecFn func(ctx context.Context, cmd sandbox.Command) (*sandbox.Outcome, error)

	Specs   []sandbox.Spec
	Handles []*Handle
}

func (m *Provisioner) Ping(ctx context.Context) error {
	if m.PingFn != nil {
		return m.PingFn(ctx)
	}
	return nil
}

func (m *Provisioner) Acquire(ctx context.Context, spec sandbox.Spec) (sandbox.Handle, error) {
	m.mu.Lock()
	m.Specs = append(m.Specs, spec)
	m.mu.Unlock()
	if m.AcquireFn != nil {
		return m.AcquireFn(ctx, spec)
	}

	h := &Handle{HandleID: "mock-" + spec.SubmissionID, ExecFn: m.ExecFn}
	m.mu.Lock()
	m.Handles = append(m.Handles, h)
	m.mu.Unlock()
	return h, nil
}

// ---- Handle mock ----

var _ sandbox.Handle = (*Handle)(nil)

// Handle is a test double for sandbox.Handle.
type Handle struct {
	mu sync.Mutex

	HandleID  string
	CopyInFn  func(ctx context.Context, names ...string) error
	ExecFn    func(ctx context.Context, cmd sandbox.Command) (*sandbox.Outcome, error)
	ReleaseFn func(ctx context.Context) error

	Copied       []string
	Commands     []sandbox.Command
	ReleaseCalls int
}

func (m *Handle) ID() string { return m.HandleID }

func (m *Handle) CopyIn(ctx context.Context, names ...string) error {
	m.mu.Lock()
	m.Copied = append(m.Copied, names...)
	m.mu.Unlock()
	if m.CopyInFn != nil {
		return m.CopyInFn(ctx, names...)
	}
	return nil
}

func (m *Handle) Exec(ctx context.Context, cmd sandbox.Command) (*sandbox.Outcome, error) {
	m.mu.Lock()
	m.Commands = append(m.Commands, cmd)
	m.mu.Unlock()
	if m.ExecFn != nil {
		return m.ExecFn(ctx, cmd)
	}
	return &sandbox.Outcome{Kind: sandbox.Exited}, nil
}

func (m *Handle) Release(ctx context.Context) error {
	m.mu.Lock()
	m.ReleaseCalls++
	m.mu.Unlock()
	if m.ReleaseFn != nil {
		return m.ReleaseFn(ctx)
	}
	return nil
}

// Released reports how many times Release was called.
func (m *Handle) Released() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ReleaseCalls
}
