// Package runlock guards against overlapping sync runs.
//
// A Lock moves through idle -> running -> draining -> idle. In reject mode a
// second Acquire fails with ErrBusy; in queue mode it waits until the lock is
// idle again or its context ends. An optional Lease extends the guarantee to
// other processes.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrBusy is returned when a run is already in progress.
var ErrBusy = errors.New("a sync run is already in progress")

// State is the run lock state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDraining State = "draining"
)

// Mode selects what Acquire does while a run is in progress.
type Mode string

const (
	ModeReject Mode = "reject"
	ModeQueue  Mode = "queue"
)

// ParseMode parses a mode name. An empty name is ModeReject.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeReject:
		return ModeReject, nil
	case ModeQueue:
		return ModeQueue, nil
	}
	return "", fmt.Errorf("unknown run lock mode %q", s)
}

// Lease is a lock held across processes. Acquire returns ErrBusy when
// another holder owns it.
type Lease interface {
	Acquire(ctx context.Context) (release func(context.Context) error, err error)
}

// Lock is the in-process run lock. The zero value is not usable; use New.
type Lock struct {
	mode  Mode
	lease Lease

	mu    sync.Mutex
	state State
	idle  chan struct{} // closed when the current run releases
}

// Option configures a Lock.
type Option func(*Lock)

// WithLease adds a cross-process lease taken after the local lock.
func WithLease(lease Lease) Option {
	return func(l *Lock) {
		l.lease = lease
	}
}

// New creates an idle Lock.
func New(mode Mode, opts ...Option) *Lock {
	if mode == "" {
		mode = ModeReject
	}
	l := &Lock{mode: mode, state: StateIdle}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the current state.
func (l *Lock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Mode returns the configured mode.
func (l *Lock) Mode() Mode {
	return l.mode
}

// Acquire moves the lock from idle to running. The returned Run must be
// released.
func (l *Lock) Acquire(ctx context.Context) (*Run, error) {
	for {
		l.mu.Lock()
		if l.state == StateIdle {
			l.state = StateRunning
			l.idle = make(chan struct{})
			l.mu.Unlock()
			break
		}
		if l.mode == ModeReject {
			l.mu.Unlock()
			return nil, ErrBusy
		}
		wait := l.idle
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	run := &Run{lock: l}
	if l.lease != nil {
		release, err := l.lease.Acquire(ctx)
		if err != nil {
			l.release()
			return nil, err
		}
		run.leaseRelease = release
	}
	return run, nil
}

func (l *Lock) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateIdle {
		return
	}
	l.state = StateIdle
	close(l.idle)
}

func (l *Lock) drain() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateRunning {
		l.state = StateDraining
	}
}

// Run is one held acquisition of a Lock.
type Run struct {
	lock         *Lock
	leaseRelease func(context.Context) error
	once         sync.Once
}

// Drain marks the run as finishing in-flight work.
func (r *Run) Drain() {
	r.lock.drain()
}

// Release returns the lock to idle. Only the first call has an effect.
func (r *Run) Release(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		if r.leaseRelease != nil {
			err = r.leaseRelease(ctx)
		}
		r.lock.release()
	})
	return err
}
