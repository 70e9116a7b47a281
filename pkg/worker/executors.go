package worker

import (
	"context"
	"sync"

	"github.com/srand/grid/pkg/protocol"
	"github.com/srand/grid/pkg/utils"
)

// RunContext carries everything a runner needs to execute one task.
type RunContext struct {
	// The key of the task being executed.
	Key string

	// The opaque run specification from the compute command.
	RunSpec []byte

	// Dependency values, by key. All dependencies are resident
	// locally before execution starts.
	Inputs map[string][]byte

	// Secede moves the task out of its executor pool so that a
	// long blocking wait does not occupy a slot. May be called at
	// most once; subsequent calls are ignored.
	Secede func()
}

// TaskRunner executes a task and produces its value.
//
// The context is cancelled when the task is no longer wanted;
// runners should abandon work when possible, but a runner that
// runs to completion is also handled correctly.
type TaskRunner interface {
	Run(ctx context.Context, rc *RunContext) ([]byte, error)
}

// Pool restricts the number of concurrently executing tasks of one
// executor role.
type Pool struct {
	mu    sync.Mutex
	slots chan struct{}
	err   error
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		slots: make(chan struct{}, size),
	}
}

// Acquire claims an execution slot, blocking until one is free.
func (p *Pool) Acquire(ctx context.Context) error {
	if err := p.Broken(); err != nil {
		return err
	}
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a previously acquired slot.
func (p *Pool) Release() {
	select {
	case <-p.slots:
	default:
	}
}

// Fail marks the pool as broken. All subsequent acquisitions fail.
func (p *Pool) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = utils.NewDetailedError(utils.ErrPoolBroken, err.Error())
	}
}

// Broken reports whether the pool has been marked as failed.
func (p *Pool) Broken() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

type poolEntry struct {
	runner TaskRunner
	pool   *Pool
}

// ExecutorRegistry maps executor roles to runners and their
// concurrency pools.
type ExecutorRegistry struct {
	mu      sync.RWMutex
	entries map[protocol.ExecutorRole]*poolEntry
}

func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{
		entries: map[protocol.ExecutorRole]*poolEntry{},
	}
}

// Register installs a runner for a role with the given slot count.
// Registering a role twice replaces the previous entry.
func (r *ExecutorRegistry) Register(role protocol.ExecutorRole, runner TaskRunner, slots int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[role] = &poolEntry{runner: runner, pool: NewPool(slots)}
}

// Lookup resolves a role to its runner and pool.
func (r *ExecutorRegistry) Lookup(role protocol.ExecutorRole) (TaskRunner, *Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[role.OrDefault()]
	if !ok {
		return nil, nil, utils.NewDetailedError(utils.ErrUnknownExecutor, string(role))
	}
	return entry.runner, entry.pool, nil
}

// Roles returns the registered executor roles.
func (r *ExecutorRegistry) Roles() []protocol.ExecutorRole {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roles := make([]protocol.ExecutorRole, 0, len(r.entries))
	for role := range r.entries {
		roles = append(roles, role)
	}
	return roles
}

// RunnerFunc adapts a plain function to the TaskRunner interface.
type RunnerFunc func(ctx context.Context, rc *RunContext) ([]byte, error)

func (f RunnerFunc) Run(ctx context.Context, rc *RunContext) ([]byte, error) {
	return f(ctx, rc)
}
