// Package timeline implements the deterministic execution timeline that all
// controller state transitions and sample emissions run on.
//
// Design:
//   - One run-loop goroutine owns all timeline state (no shared-state locking
//     for callers that stay on the timeline)
//   - Do() submits work from any goroutine; submissions execute in FIFO order
//   - Schedule() arms a deferred callback at a future offset; timeline-only
//
// The timeline gives the capture controllers the three host guarantees they
// rely on: a monotonic clock with deferred callbacks, a single total order
// for all timeline-side operations, and a safe entry point for work produced
// by threads the timeline does not control.
package timeline

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Timer is a handle to one scheduled deferred callback.
//
// Cancel() must be called from the timeline (like Schedule). A cancelled
// timer never fires; cancelling an already-fired or already-cancelled timer
// is a no-op.
type Timer struct {
	at        time.Time
	seq       uint64
	fn        func()
	cancelled bool
	fired     bool
}

// Cancel prevents the timer from firing. Timeline-only.
func (tm *Timer) Cancel() {
	tm.cancelled = true
}

// Timeline is a single-goroutine run loop with a deadline heap.
//
// Lifecycle: New() → Start() → Do()/Schedule() → Stop().
//
// Thread-safety:
//   - Do() is safe from any goroutine
//   - Schedule() and Timer.Cancel() must run on the timeline (call them from
//     inside a Do() or a timer callback)
type Timeline struct {
	cmds chan func()

	// Owned by the run loop
	timers timerHeap
	seq    uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedMu sync.Mutex
	started   bool
}

// New creates a timeline with the given submission buffer.
//
// The buffer only smooths bursts; Do() falls back to blocking when it fills,
// which preserves FIFO order.
func New(buffer int) *Timeline {
	if buffer <= 0 {
		buffer = 64
	}
	return &Timeline{
		cmds: make(chan func(), buffer),
	}
}

// Start spawns the run loop. Returns an error if already started.
func (t *Timeline) Start(ctx context.Context) error {
	t.startedMu.Lock()
	defer t.startedMu.Unlock()

	if t.started {
		return fmt.Errorf("timeline: already started")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.started = true

	t.wg.Add(1)
	go t.run()

	return nil
}

// Stop shuts the run loop down and waits for it to exit.
//
// Pending submissions and scheduled timers are discarded. Idempotent.
func (t *Timeline) Stop() error {
	t.startedMu.Lock()
	if !t.started {
		t.startedMu.Unlock()
		return nil
	}
	t.startedMu.Unlock()

	t.cancel()
	t.wg.Wait()
	return nil
}

// Do submits fn to the timeline. Safe from any goroutine.
//
// Submissions from the same goroutine execute in submission order. Do
// reports whether the submission was accepted: work submitted before Start
// or after Stop is discarded (late work from provider threads during
// shutdown is benign).
func (t *Timeline) Do(fn func()) bool {
	t.startedMu.Lock()
	ctx := t.ctx
	t.startedMu.Unlock()
	if ctx == nil {
		return false
	}
	// After Stop the buffered send could still win the select; refuse first
	// so a true return always means the work will run.
	if ctx.Err() != nil {
		slog.Debug("timeline: submission after stop discarded")
		return false
	}

	select {
	case t.cmds <- fn:
		return true
	case <-ctx.Done():
		slog.Debug("timeline: submission after stop discarded")
		return false
	}
}

// Schedule arms fn to run once the given offset has elapsed. Timeline-only.
//
// Equal deadlines fire in scheduling order.
func (t *Timeline) Schedule(d time.Duration, fn func()) *Timer {
	if d < 0 {
		d = 0
	}
	t.seq++
	tm := &Timer{
		at:  time.Now().Add(d),
		seq: t.seq,
		fn:  fn,
	}
	heap.Push(&t.timers, tm)
	return tm
}

func (t *Timeline) run() {
	defer t.wg.Done()

	for {
		var fireC <-chan time.Time
		var fire *time.Timer

		// Drop cancelled heads eagerly so they don't delay the next deadline.
		for t.timers.Len() > 0 && t.timers[0].cancelled {
			heap.Pop(&t.timers)
		}
		if t.timers.Len() > 0 {
			fire = time.NewTimer(time.Until(t.timers[0].at))
			fireC = fire.C
		}

		select {
		case <-t.ctx.Done():
			if fire != nil {
				fire.Stop()
			}
			slog.Debug("timeline: run loop exiting",
				"pending_timers", t.timers.Len(),
			)
			return

		case fn := <-t.cmds:
			if fire != nil {
				fire.Stop()
			}
			fn()

		case <-fireC:
			now := time.Now()
			for t.timers.Len() > 0 && !t.timers[0].at.After(now) {
				tm := heap.Pop(&t.timers).(*Timer)
				if tm.cancelled {
					continue
				}
				tm.fired = true
				tm.fn()
			}
		}
	}
}

// timerHeap orders timers by deadline, then scheduling sequence.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(*Timer)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	tm := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return tm
}
