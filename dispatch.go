// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"sync"
)

// Dispatcher decides where callbacks run.
type Dispatcher interface {
	Dispatch(fn func())
}

// DispatcherFunc is a function adapter for Dispatcher
type DispatcherFunc func(fn func())

func (f DispatcherFunc) Dispatch(fn func()) { f(fn) }

// SameGoroutine runs callbacks inline, on whichever goroutine triggered them.
var SameGoroutine Dispatcher = DispatcherFunc(func(fn func()) { fn() })

// Loop is a run-loop for callbacks that must stay on one goroutine, such as
// the UI thread of an embedding application. Callbacks queue until Run
// executes them in order.
type Loop struct {
	queue   chan func()
	stopped chan struct{}
	once    sync.Once
}

// NewLoop creates a loop with a queue of the given capacity.
func NewLoop(capacity int) *Loop {
	if capacity <= 0 {
		capacity = 256
	}
	return &Loop{
		queue:   make(chan func(), capacity),
		stopped: make(chan struct{}),
	}
}

// Dispatch queues fn. Callbacks dispatched after the loop stopped are dropped.
func (l *Loop) Dispatch(fn func()) {
	select {
	case l.queue <- fn:
	case <-l.stopped:
	}
}

// Run executes queued callbacks until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	defer l.once.Do(func() { close(l.stopped) })
	for {
		select {
		case fn := <-l.queue:
			fn()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
