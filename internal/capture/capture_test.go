package capture_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/sensegate/internal/timeline"
	"github.com/e7canasta/sensegate/internal/types"
)

// startTimeline starts a timeline for one test and stops it on cleanup.
func startTimeline(t *testing.T) *timeline.Timeline {
	t.Helper()
	tl := timeline.New(0)
	if err := tl.Start(context.Background()); err != nil {
		t.Fatalf("failed to start timeline: %v", err)
	}
	t.Cleanup(func() { tl.Stop() })
	return tl
}

// runOn executes fn on the timeline and waits for it to finish. Controller
// methods are timeline-only, so tests call them through here.
func runOn(t *testing.T, tl *timeline.Timeline, fn func()) {
	t.Helper()
	done := make(chan struct{})
	if !tl.Do(func() {
		fn()
		close(done)
	}) {
		t.Fatal("timeline rejected submission")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeline dispatch timed out")
	}
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// collector is a sink that records every emitted sample. Consume runs on the
// timeline; the accessors are safe from the test goroutine.
type collector struct {
	mu      sync.Mutex
	samples []*types.CapturedSample
}

func (c *collector) Consume(s *types.CapturedSample) {
	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

func (c *collector) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.samples))
	for i, s := range c.samples {
		out[i] = string(s.Payload)
	}
	return out
}

// stopRecorder captures global stop requests.
type stopRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *stopRecorder) stop(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *stopRecorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}
