package capture

import (
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/sensegate/internal/timeline"
)

// admission is one queued-but-not-yet-delivered hand-off from a provider
// thread. Ownership of the entry transfers to the timeline when the pump
// hands deliver to it.
type admission struct {
	due     time.Time
	deliver func()
}

// AdmissionChannel hands work produced on provider threads to the timeline.
//
// Ordering contract: entries from one channel are delivered in submission
// order (FIFO per source), regardless of their individual delays. A delay is
// a floor on delivery time only: an entry is never delivered before its due
// time, and never before an earlier entry. Entries across different channels
// have no relative order.
//
// Capacity: unbounded (slice-backed queue). The design assumes the timeline
// keeps up; a bounded variant would need an explicit overflow policy.
//
// Submit is non-blocking and safe from any goroutine. A single pump
// goroutine drains the queue sequentially, which is what makes the FIFO
// guarantee hold even for mixed delays.
type AdmissionChannel struct {
	tl *timeline.Timeline

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []admission
	closed bool
	stopCh chan struct{}

	wg sync.WaitGroup
}

// NewAdmissionChannel creates a channel and starts its pump.
func NewAdmissionChannel(tl *timeline.Timeline) *AdmissionChannel {
	c := &AdmissionChannel{
		tl:     tl,
		stopCh: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	c.wg.Add(1)
	go c.pump()
	return c
}

// Submit queues deliver to run on the timeline no earlier than delay from
// now. Non-blocking; safe from provider threads. Submissions after Close are
// silently dropped (benign shutdown race, not a fault).
func (c *AdmissionChannel) Submit(delay time.Duration, deliver func()) {
	if delay < 0 {
		delay = 0
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		slog.Debug("capture: admission after close dropped")
		return
	}
	c.queue = append(c.queue, admission{
		due:     time.Now().Add(delay),
		deliver: deliver,
	})
	c.cond.Signal()
	c.mu.Unlock()
}

// Close stops the pump and waits for it to exit. Entries still queued are
// dropped. Idempotent.
func (c *AdmissionChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.stopCh)
	c.cond.Broadcast()
	c.mu.Unlock()

	c.wg.Wait()
}

// pump pops the head entry, waits out its due time, then hands it to the
// timeline. Strictly sequential: the next entry is not looked at until the
// head has been handed over, so submission order is delivery order.
func (c *AdmissionChannel) pump() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			dropped := len(c.queue)
			c.queue = nil
			c.mu.Unlock()
			if dropped > 0 {
				slog.Debug("capture: admission channel closed with pending entries",
					"dropped", dropped,
				)
			}
			return
		}
		head := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if wait := time.Until(head.due); wait > 0 {
			// Sleep interruptibly so Close is not held up by a long delay.
			if !c.sleep(wait) {
				return
			}
		}

		c.tl.Do(head.deliver)
	}
}

// sleep waits for d or until Close, whichever comes first. Returns false
// when the channel closed during the wait.
func (c *AdmissionChannel) sleep(d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()

	select {
	case <-deadline.C:
		return true
	case <-c.stopCh:
		return false
	}
}
