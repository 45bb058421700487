package sink

import (
	"sync"
	"sync/atomic"

	"github.com/e7canasta/sensegate/internal/types"
)

// Mailbox is a single-slot, latest-wins bridge between the timeline and one
// pull-based consumer goroutine (e.g. an inference worker).
//
// Semantics:
//   - Consume() is non-blocking: a new sample overwrites an unconsumed one
//     (drop old, never queue: latency over completeness)
//   - Take() blocks until a sample is available, returns nil after Close()
//   - Drops() counts overwritten samples
//
// Thread-safety: Consume from the timeline, Take from one consumer
// goroutine, Close from anywhere; all mutex-protected.
type Mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	slot   *types.CapturedSample // nil = consumed, non-nil = pending
	closed bool
	drops  uint64
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	m := &Mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Consume implements Sink. Overwrites an unconsumed sample and wakes the
// consumer. Samples arriving after Close are dropped.
func (m *Mailbox) Consume(s *types.CapturedSample) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.slot != nil {
		atomic.AddUint64(&m.drops, 1)
	}
	m.slot = s
	m.cond.Signal()
	m.mu.Unlock()
}

// Take blocks until a sample is available and returns it. Returns nil once
// the mailbox is closed, which is the consumer's shutdown signal.
func (m *Mailbox) Take() *types.CapturedSample {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.slot == nil && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return nil
	}
	s := m.slot
	m.slot = nil
	return s
}

// Close wakes a blocked consumer and makes further Consume calls no-ops.
// Idempotent.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.slot = nil
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Drops returns the number of samples overwritten before consumption.
func (m *Mailbox) Drops() uint64 {
	return atomic.LoadUint64(&m.drops)
}
