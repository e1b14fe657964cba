// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package deadline runs a unit of work against a wall-clock deadline.
// A Race resolves exactly once, with the first of the work's result,
// the work's error, or the expiry of the deadline. Work that loses the
// race keeps running to completion and its outcome is discarded.
package deadline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
)

// State is the state of a race.
type State int

const (
	// Pending races have not resolved.
	Pending State = iota
	// Succeeded races resolved with the work's value.
	Succeeded
	// Failed races resolved with the work's error or panic.
	Failed
	// TimedOut races resolved with the expiry of the deadline.
	TimedOut
	// Interrupted races were abandoned by their waiter.
	Interrupted
)

var stateNames = [...]string{"pending", "succeeded", "failed", "timed-out", "interrupted"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Outcome is the resolution of a race.
type Outcome struct {
	State State
	// Value is the work's value if the race succeeded.
	Value interface{}
	// Err is the error that resolved the race, if it did not succeed.
	Err error
	// Stack holds the stack at which the work panicked, if it did.
	Stack []byte
}

// Func is a unit of work. The context is canceled when the race
// resolves, which work may observe to stop early.
type Func func(ctx context.Context) (interface{}, error)

// A Race is a unit of work running against a deadline.
type Race struct {
	// mu is held while the race resolves and while work commits.
	mu       sync.Mutex
	resolved bool
	done     chan struct{}
	outcome Outcome
	cancel  context.CancelFunc
	timer   *time.Timer
}

// Start runs fn on its own goroutine and returns the race. A
// non-positive timeout means no deadline.
func Start(ctx context.Context, timeout time.Duration, fn Func) *Race {
	r := &Race{done: make(chan struct{})}
	ctx, r.cancel = context.WithCancel(ctx)
	ctx = context.WithValue(ctx, raceKey{}, r)
	if timeout > 0 {
		r.timer = time.AfterFunc(timeout, func() {
			r.resolve(Outcome{
				State: TimedOut,
				Err:   errors.E(errors.Timeout, fmt.Sprintf("deadline of %s exceeded", timeout)),
			})
		})
	}
	go func() {
		var o Outcome
		defer func() {
			if p := recover(); p != nil {
				o = Outcome{
					State: Failed,
					Err:   errors.E(fmt.Sprintf("panic: %v", p)),
					Stack: debug.Stack(),
				}
			}
			r.resolve(o)
		}()
		v, err := fn(ctx)
		if err != nil {
			o = Outcome{State: Failed, Err: err}
		} else {
			o = Outcome{State: Succeeded, Value: v}
		}
	}()
	return r
}

func (r *Race) resolve(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolveLocked(o)
}

func (r *Race) resolveLocked(o Outcome) {
	if r.resolved {
		return
	}
	r.resolved = true
	r.outcome = o
	if r.timer != nil {
		r.timer.Stop()
	}
	r.cancel()
	close(r.done)
}

type raceKey struct{}

// Commit runs fn, which publishes the output of the work running in
// ctx, and resolves the work's race with fn's result. The race cannot
// resolve while fn runs. If the race has already resolved, fn is not
// run and Commit returns an error. Outside a race, Commit just runs
// fn.
func Commit(ctx context.Context, fn func() error) error {
	r, ok := ctx.Value(raceKey{}).(*Race)
	if !ok {
		return fn()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		if r.outcome.Err != nil {
			return r.outcome.Err
		}
		return errors.E(errors.Precondition, "deadline: commit after the race resolved")
	}
	err := fn()
	if err != nil {
		r.resolveLocked(Outcome{State: Failed, Err: err})
	} else {
		r.resolveLocked(Outcome{State: Succeeded})
	}
	return err
}

// Done returns a channel that is closed when the race resolves.
func (r *Race) Done() <-chan struct{} {
	return r.done
}

// Outcome returns the race's outcome. It is Pending until the race
// resolves.
func (r *Race) Outcome() Outcome {
	select {
	case <-r.done:
		return r.outcome
	default:
		return Outcome{State: Pending}
	}
}

// Wait waits for the race to resolve. If ctx is done first, the race
// resolves as interrupted.
func (r *Race) Wait(ctx context.Context) Outcome {
	select {
	case <-r.done:
	case <-ctx.Done():
		r.resolve(Outcome{
			State: Interrupted,
			Err:   errors.E(errors.Canceled, "interrupted", ctx.Err()),
		})
	}
	return r.outcome
}

// Run starts a race and waits for its outcome.
func Run(ctx context.Context, timeout time.Duration, fn Func) Outcome {
	return Start(ctx, timeout, fn).Wait(ctx)
}
