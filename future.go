// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"sync"
)

// Status is the state of a Promise. Pending is the only non-terminal state.
type Status int32

const (
	StatusPending Status = iota
	StatusDone
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDone:
		return "done"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// PromiseOption configures a Promise.
type PromiseOption func(*Promise)

// WithDispatcher sets where the promise's callbacks run.
func WithDispatcher(d Dispatcher) PromiseOption {
	return func(p *Promise) {
		if d != nil {
			p.dispatcher = d
		}
	}
}

// Promise is the read side of an asynchronous result.
type Promise struct {
	mu         sync.Mutex
	status     Status
	result     any
	err        error
	progress   float64
	onDone     []func(any)
	onError    []func(error)
	onProgress []func(float64)
	dispatcher Dispatcher
	finished   chan struct{}

	// Callbacks waiting for the dispatcher, in the order the state changed
	qmu      sync.Mutex
	queue    []func()
	draining bool
}

func newPromise(opts []PromiseOption) *Promise {
	p := &Promise{
		dispatcher: SameGoroutine,
		finished:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// enqueue must be called with p.mu held, so queue order follows the order
// of state changes.
func (p *Promise) enqueue(fns ...func()) {
	p.qmu.Lock()
	p.queue = append(p.queue, fns...)
	p.qmu.Unlock()
}

// drain hands queued callbacks to the dispatcher one at a time. Only one
// goroutine drains; callers arriving meanwhile, including callbacks that
// settle or update the same promise, leave their callbacks to it.
func (p *Promise) drain() {
	p.qmu.Lock()
	if p.draining {
		p.qmu.Unlock()
		return
	}
	p.draining = true
	p.qmu.Unlock()

	clean := false
	defer func() {
		if !clean {
			p.qmu.Lock()
			p.draining = false
			p.qmu.Unlock()
		}
	}()
	for {
		p.qmu.Lock()
		if len(p.queue) == 0 {
			p.draining = false
			p.qmu.Unlock()
			clean = true
			return
		}
		fn := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.qmu.Unlock()
		p.dispatcher.Dispatch(fn)
	}
}

func (p *Promise) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Result returns the outcome without blocking. It reports ErrPending while
// the promise is pending.
func (p *Promise) Result() (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.status {
	case StatusDone:
		return p.result, nil
	case StatusError:
		return nil, p.err
	default:
		return nil, ErrPending
	}
}

// Wait blocks until the promise settles or ctx is done.
func (p *Promise) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.finished:
		return p.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Promise) Progress() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// Finished is closed once the promise settles.
func (p *Promise) Finished() <-chan struct{} {
	return p.finished
}

// OnDone registers cb for the result. If the promise is already done, cb is
// dispatched immediately.
func (p *Promise) OnDone(cb func(any)) *Promise {
	p.mu.Lock()
	switch p.status {
	case StatusPending:
		p.onDone = append(p.onDone, cb)
		p.mu.Unlock()
	case StatusDone:
		v := p.result
		p.enqueue(func() { cb(v) })
		p.mu.Unlock()
		p.drain()
	default:
		p.mu.Unlock()
	}
	return p
}

// OnError registers cb for the failure. If the promise already failed, cb is
// dispatched immediately.
func (p *Promise) OnError(cb func(error)) *Promise {
	p.mu.Lock()
	switch p.status {
	case StatusPending:
		p.onError = append(p.onError, cb)
		p.mu.Unlock()
	case StatusError:
		err := p.err
		p.enqueue(func() { cb(err) })
		p.mu.Unlock()
		p.drain()
	default:
		p.mu.Unlock()
	}
	return p
}

// OnProgress registers cb for progress updates. Once the promise settled, cb
// is dispatched once with the final progress.
func (p *Promise) OnProgress(cb func(float64)) *Promise {
	p.mu.Lock()
	if p.status == StatusPending {
		p.onProgress = append(p.onProgress, cb)
		p.mu.Unlock()
		return p
	}
	v := p.progress
	p.enqueue(func() { cb(v) })
	p.mu.Unlock()
	p.drain()
	return p
}

// Deferred is the write side of a Promise and its only mutator.
type Deferred struct {
	promise *Promise
}

// NewDeferred creates a pending Deferred.
func NewDeferred(opts ...PromiseOption) *Deferred {
	return &Deferred{promise: newPromise(opts)}
}

func (d *Deferred) Promise() *Promise { return d.promise }

// Done settles the promise with v. Only the first settlement has effect.
func (d *Deferred) Done(v any) bool {
	p := d.promise
	p.mu.Lock()
	if p.status != StatusPending {
		p.mu.Unlock()
		return false
	}
	p.status = StatusDone
	p.result = v
	p.progress = 1
	for _, cb := range p.onProgress {
		p.enqueue(func() { cb(1) })
	}
	for _, cb := range p.onDone {
		p.enqueue(func() { cb(v) })
	}
	p.onDone, p.onError, p.onProgress = nil, nil, nil
	close(p.finished)
	p.mu.Unlock()
	p.drain()
	return true
}

// Error settles the promise with err. Only the first settlement has effect.
func (d *Deferred) Error(err error) bool {
	if err == nil {
		err = ErrNilFailure
	}
	p := d.promise
	p.mu.Lock()
	if p.status != StatusPending {
		p.mu.Unlock()
		return false
	}
	p.status = StatusError
	p.err = err
	for _, cb := range p.onError {
		p.enqueue(func() { cb(err) })
	}
	p.onDone, p.onError, p.onProgress = nil, nil, nil
	close(p.finished)
	p.mu.Unlock()
	p.drain()
	return true
}

// Progress records progress in [0, 1] while the promise is pending. Its
// callbacks are ordered before those of a later Done or Error.
func (d *Deferred) Progress(v float64) bool {
	v = min(max(v, 0), 1)
	p := d.promise
	p.mu.Lock()
	if p.status != StatusPending {
		p.mu.Unlock()
		return false
	}
	p.progress = v
	for _, cb := range p.onProgress {
		p.enqueue(func() { cb(v) })
	}
	p.mu.Unlock()
	p.drain()
	return true
}

// Task is work run by a Future. It may call ReportProgress with its ctx.
type Task func(ctx context.Context) (any, error)

// Future runs a Task on its own goroutine.
type Future struct {
	*Promise
	deferred *Deferred
}

type progressKey struct{}

// Go starts task and returns its Future. A returned error or a panic settles
// the future with an error; neither reaches the caller's goroutine.
func Go(ctx context.Context, task Task, opts ...PromiseOption) *Future {
	d := NewDeferred(opts...)
	f := &Future{Promise: d.Promise(), deferred: d}
	go f.run(context.WithValue(ctx, progressKey{}, d), task)
	return f
}

func (f *Future) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			f.deferred.Error(newPanicError(r))
		}
	}()
	v, err := task(ctx)
	if err != nil {
		f.deferred.Error(err)
		return
	}
	f.deferred.Done(v)
}

// Get blocks until the task finished and returns its outcome.
func (f *Future) Get() (any, error) {
	<-f.finished
	return f.Result()
}

// ReportProgress publishes progress for the Future running ctx's task. It is
// a no-op outside a Future.
func ReportProgress(ctx context.Context, v float64) {
	if d, ok := ctx.Value(progressKey{}).(*Deferred); ok {
		d.Progress(v)
	}
}
