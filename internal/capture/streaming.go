package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/sensegate/internal/sink"
	"github.com/e7canasta/sensegate/internal/timeline"
	"github.com/e7canasta/sensegate/internal/types"
)

// StreamingConfig configures one StreamingController instance.
type StreamingConfig struct {
	// DeviceID identifies the physical device; carried on every sample.
	DeviceID string
	// AdmitDelay is the logical delay applied to every admission. Zero is
	// valid and the default: "as soon as the timeline can next run".
	AdmitDelay time.Duration
	// ActiveAtStartup makes the initial mode Active instead of Idle.
	ActiveAtStartup bool
	// Debug enables diagnostic logging; no behavioral effect.
	Debug bool
}

// StreamingStats is a snapshot of controller counters.
type StreamingStats struct {
	Mode             string `json:"mode"`
	SamplesEmitted   uint64 `json:"samples_emitted"`
	BuffersDiscarded uint64 `json:"buffers_discarded"`
	LateDropped      uint64 `json:"late_dropped"`
}

// StreamingController owns a continuously running input stream
// (microphone-like). A provider-owned thread pushes buffers asynchronously;
// the controller's sole job is to admit each buffer into the timeline
// without loss or reordering.
//
// The provider callback never touches controller state beyond an atomic
// activity flag: it either discards the buffer (inactive) or hands it,
// opaquely, to the admission channel and returns. All real work (emission,
// counters, mode transitions) happens on the timeline.
//
// Ordering: buffers submitted while Active are emitted in submission order,
// no duplication, no loss (the admission channel is unbounded). A buffer
// admitted before Deactivate but delivered after it is silently dropped:
// deliveries carry the session generation they were captured under, and the
// timeline-side delivery compares it against the current one.
type StreamingController struct {
	cfg  StreamingConfig
	tl   *timeline.Timeline
	dev  StreamDevice
	out  sink.Sink
	stop func(error) // global stop request

	machine    *Machine
	session    StreamSession
	admissions *AdmissionChannel

	// active is the only state the provider thread reads.
	active atomic.Bool
	// gen counts session openings; bumped on every activation so stale
	// deliveries from a previous session are recognizable.
	gen uint64

	ctx context.Context

	seq              uint64
	buffersDiscarded atomic.Uint64
	lateDropped      uint64
}

// NewStreamingController creates a controller in Idle. The admission
// channel lives for the controller's lifetime; sessions come and go.
func NewStreamingController(cfg StreamingConfig, tl *timeline.Timeline, dev StreamDevice, out sink.Sink, stop func(error)) *StreamingController {
	return &StreamingController{
		cfg:        cfg,
		tl:         tl,
		dev:        dev,
		out:        out,
		stop:       stop,
		machine:    NewMachine(ModeIdle),
		admissions: NewAdmissionChannel(tl),
	}
}

// Startup applies the configured initial mode. Timeline-only, called once.
// A stream that cannot be opened at startup escalates to a global stop.
func (c *StreamingController) Startup(ctx context.Context) {
	c.ctx = ctx
	if !c.cfg.ActiveAtStartup {
		return
	}
	if err := c.Activate(); err != nil {
		slog.Error("capture: startup activation failed, requesting stop",
			"device", c.cfg.DeviceID,
			"error", err,
		)
		c.stop(fmt.Errorf("capture: startup activation of %s: %w", c.cfg.DeviceID, err))
	}
}

// Mode returns the current mode. Timeline-only.
func (c *StreamingController) Mode() Mode {
	return c.machine.Mode()
}

// Activate opens the stream and installs the provider callback.
// Idempotent: a no-op when already Active. Timeline-only.
func (c *StreamingController) Activate() error {
	if c.machine.Apply(EventActivate) != ActionOpen {
		if c.cfg.Debug {
			slog.Debug("capture: activate ignored",
				"device", c.cfg.DeviceID,
				"mode", c.machine.Mode().String(),
			)
		}
		return nil
	}

	c.gen++
	gen := c.gen

	session, err := c.dev.OpenStream(c.ctx, func(buf []byte) {
		// Provider thread. Must return immediately: no I/O, no waiting on
		// timeline progress, no locks the timeline might hold.
		if !c.active.Load() {
			c.buffersDiscarded.Add(1)
			return
		}
		c.admissions.Submit(c.cfg.AdmitDelay, func() {
			c.deliver(gen, buf)
		})
	})
	if err != nil {
		c.machine.Apply(EventDeactivate)
		return fmt.Errorf("capture: open stream %s: %w", c.cfg.DeviceID, err)
	}
	c.session = session
	c.active.Store(true)

	slog.Info("capture: streaming controller active", "device", c.cfg.DeviceID)
	return nil
}

// Deactivate marks the controller inactive and closes the stream, blocking
// until the underlying stream confirms it has stopped producing callback
// invocations. Idempotent: a no-op when already Idle. Timeline-only.
//
// This is the one deliberately blocking controller operation; the wait is
// bounded by the stream's own shutdown contract.
func (c *StreamingController) Deactivate() {
	if c.machine.Apply(EventDeactivate) != ActionRelease {
		if c.cfg.Debug {
			slog.Debug("capture: deactivate ignored",
				"device", c.cfg.DeviceID,
				"mode", c.machine.Mode().String(),
			)
		}
		return
	}
	c.release()
	slog.Info("capture: streaming controller idle", "device", c.cfg.DeviceID)
}

// Shutdown is terminal: releases the stream if held and closes the
// admission channel. Reachable from any state. Timeline-only.
func (c *StreamingController) Shutdown() {
	if c.machine.Apply(EventShutdown) == ActionRelease {
		c.release()
	}
	c.admissions.Close()
	slog.Info("capture: streaming controller shut down",
		"device", c.cfg.DeviceID,
		"samples_emitted", c.seq,
		"late_dropped", c.lateDropped,
	)
}

// Stats returns a counter snapshot. Timeline-only.
func (c *StreamingController) Stats() StreamingStats {
	return StreamingStats{
		Mode:             c.machine.Mode().String(),
		SamplesEmitted:   c.seq,
		BuffersDiscarded: c.buffersDiscarded.Load(),
		LateDropped:      c.lateDropped,
	}
}

// deliver runs on the timeline for each admitted buffer.
//
// A delivery whose generation does not match the current session (admitted
// before a Deactivate but processed after it) is a benign race, dropped
// silently rather than reported.
func (c *StreamingController) deliver(gen uint64, buf []byte) {
	if c.machine.Mode() != ModeActive || gen != c.gen {
		c.lateDropped++
		if c.cfg.Debug {
			slog.Debug("capture: late admission dropped",
				"device", c.cfg.DeviceID,
				"gen", gen,
			)
		}
		return
	}
	c.seq++
	c.out.Consume(&types.CapturedSample{
		Seq:       c.seq,
		Timestamp: time.Now(),
		DeviceID:  c.cfg.DeviceID,
		Payload:   buf,
		TraceID:   uuid.New().String(),
	})
}

// release flips the activity flag first so in-flight provider callbacks
// discard, then blocks on the stream's stop confirmation so no callback can
// outlive the session.
func (c *StreamingController) release() {
	c.active.Store(false)
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			slog.Error("capture: stream close failed",
				"device", c.cfg.DeviceID,
				"error", err,
			)
		}
		c.session = nil
	}
}
