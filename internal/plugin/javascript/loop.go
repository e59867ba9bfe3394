// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package javascript

import (
	"context"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// loop schedules timer callbacks for one module. While the entry point is
// being awaited, callbacks are handed to the awaiting goroutine through jobs.
// Once the module is loaded they run on the timer goroutine under the
// module's lock.
type loop struct {
	lock   sync.Locker
	jobs   chan func()
	loaded chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	nextID int64
	timers map[int64]*time.Timer
	closed bool
}

func newLoop(lock sync.Locker) *loop {
	return &loop{
		lock:   lock,
		jobs:   make(chan func()),
		loaded: make(chan struct{}),
		done:   make(chan struct{}),
		timers: make(map[int64]*time.Timer),
	}
}

// setTimeout arms a timer that runs fn after d. The returned id cancels it.
func (l *loop) setTimeout(d time.Duration, fn func()) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0
	}
	l.nextID++
	id := l.nextID
	l.timers[id] = time.AfterFunc(d, func() {
		l.mu.Lock()
		_, live := l.timers[id]
		delete(l.timers, id)
		l.mu.Unlock()
		if live {
			l.dispatch(fn)
		}
	})
	return id
}

func (l *loop) clearTimeout(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[id]; ok {
		t.Stop()
		delete(l.timers, id)
	}
}

func (l *loop) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

func (l *loop) dispatch(fn func()) {
	select {
	case l.jobs <- fn:
	case <-l.loaded:
		l.lock.Lock()
		defer l.lock.Unlock()
		select {
		case <-l.done:
		default:
			fn()
		}
	case <-l.done:
	}
}

// await runs scheduled callbacks until p settles or ctx is done.
func (l *loop) await(ctx context.Context, p *goja.Promise) error {
	for p.State() == goja.PromiseStatePending {
		select {
		case fn := <-l.jobs:
			fn()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// markLoaded switches callbacks to run on their timer goroutines.
func (l *loop) markLoaded() {
	close(l.loaded)
}

// stop cancels every timer and drops callbacks still in flight. It is safe
// to call more than once.
func (l *loop) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
	close(l.done)
}
