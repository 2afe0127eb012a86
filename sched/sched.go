// Package sched stands in for the scheduler primitives the memory-and-
// storage core consumes but does not implement: thread identity, sleep,
// and thread spawning (spec §1c). Locks and condition variables are used
// directly from sync — the teacher embeds sync.Mutex in nearly every
// struct it protects (mem.Physmem_t, vm.Vm_t, fs.Bdev_block_t) and this
// rewrite keeps doing the same rather than wrapping them.
//
// The teacher tracks "current thread" with a runtime-patched goroutine
// pointer (tinfo.Current/SetCurrent), which only exists because biscuit
// forks the Go runtime to target its own kernel. A normal Go program has
// no such hook, so current-thread identity here rides on
// context.Context instead — the portable equivalent of the same idea.
package sched

import (
	"context"
	"sync/atomic"
	"time"
)

// Tick is the duration of one scheduler tick, fixed at one millisecond.
// The write-behind worker's T_WB interval (spec §4.1) is expressed in
// ticks, not wall-clock time; callers pick the tick count.
const Tick = time.Millisecond

type threadKey struct{}

var nextTid uint64

// Thread identifies a kernel thread or user-process thread.
type Thread struct {
	Tid  uint64
	Name string
}

// NewThread allocates a thread identity with a fresh id.
func NewThread(name string) *Thread {
	return &Thread{Tid: atomic.AddUint64(&nextTid, 1), Name: name}
}

// WithThread returns a context carrying t as the current thread.
func WithThread(ctx context.Context, t *Thread) context.Context {
	return context.WithValue(ctx, threadKey{}, t)
}

// Current returns the thread installed in ctx, or a synthesized anonymous
// thread if none was installed — mirroring tinfo.Current()'s "panics if
// nothing is current" only where callers truly require an identity; most
// of this core only needs "some thread distinct from others", so this is
// lenient rather than panicking like the teacher's Current does.
func Current(ctx context.Context) *Thread {
	if t, ok := ctx.Value(threadKey{}).(*Thread); ok {
		return t
	}
	return &Thread{Tid: 0, Name: "anonymous"}
}

// Spawn starts fn as a new kernel thread and returns a handle whose Wait
// blocks until fn returns. Grounded on the teacher's thread-per-request
// style (every Bdev_req_t is served by a spawned worker in the real
// kernel); here it is a goroutine plus a done channel.
func Spawn(ctx context.Context, name string, fn func(context.Context)) *Handle {
	t := NewThread(name)
	done := make(chan struct{})
	h := &Handle{Thread: t, done: done}
	go func() {
		defer close(done)
		fn(WithThread(ctx, t))
	}()
	return h
}

// Handle is a joinable reference to a spawned thread.
type Handle struct {
	Thread *Thread
	done   chan struct{}
}

// Wait blocks until the thread's function returns or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sleep blocks the calling goroutine for the given number of scheduler
// ticks, or until ctx is cancelled. Used by the write-behind worker.
func Sleep(ctx context.Context, ticks int) {
	t := time.NewTimer(time.Duration(ticks) * Tick)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
