package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/sensegate/internal/sink"
	"github.com/e7canasta/sensegate/internal/timeline"
	"github.com/e7canasta/sensegate/internal/types"
)

// PeriodicConfig configures one PeriodicController instance.
type PeriodicConfig struct {
	// DeviceID identifies the physical device; carried on every sample.
	DeviceID string
	// RequestedInterval is the desired recurring capture period.
	// <= 0 means unspecified (use the device-native rate).
	RequestedInterval time.Duration
	// FastMode enables trigger-only capture, suppressing the recurring
	// schedule. Only honored when RequestedInterval is unspecified.
	FastMode bool
	// ActiveAtStartup makes the initial mode Active instead of Idle.
	ActiveAtStartup bool
	// Debug enables diagnostic logging; no behavioral effect.
	Debug bool
}

// PeriodicStats is a snapshot of controller counters.
type PeriodicStats struct {
	Mode            string        `json:"mode"`
	SamplesEmitted  uint64        `json:"samples_emitted"`
	ReadsMissed     uint64        `json:"reads_missed"`
	EffectivePeriod time.Duration `json:"effective_period"`
	FastMode        bool          `json:"fast_mode"`
}

// PeriodicController owns a polled capture device (camera-like) and pulls
// one sample from it per scheduled deadline.
//
// Every method runs on the timeline; none of them blocks it. The capture
// schedule is a self-re-arming deadline, not a recurring timer: each firing
// does the read, then arms the next deadline one effective period after the
// one that just fired. Drift accumulates by design, matching the device's
// own timestamping.
//
// Lifecycle: NewPeriodicController() → Startup() → Activate()/Deactivate()/
// Trigger() → Shutdown().
type PeriodicController struct {
	cfg  PeriodicConfig
	tl   *timeline.Timeline
	dev  Device
	out  sink.Sink
	stop func(error) // global stop request

	machine *Machine
	session Session
	sched   Schedule
	timer   *timeline.Timer

	ctx context.Context

	seq         uint64
	readsMissed uint64
}

// NewPeriodicController creates a controller in Idle. The stop callback is
// the whole-system stop path; it is invoked on startup open failure and on
// fatal device errors, never on transient ones.
func NewPeriodicController(cfg PeriodicConfig, tl *timeline.Timeline, dev Device, out sink.Sink, stop func(error)) *PeriodicController {
	return &PeriodicController{
		cfg:     cfg,
		tl:      tl,
		dev:     dev,
		out:     out,
		stop:    stop,
		machine: NewMachine(ModeIdle),
	}
}

// Startup applies the configured initial mode. Timeline-only, called once.
//
// A device that cannot be opened at startup has no recovery path: the open
// error is escalated to a global stop request.
func (c *PeriodicController) Startup(ctx context.Context) {
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
func (c *PeriodicController) Mode() Mode {
	return c.machine.Mode()
}

// Activate opens a capture session, resolves the schedule and arms the
// first deadline. Idempotent: a no-op when already Active. Timeline-only.
//
// An open failure leaves the controller Idle and is returned to the caller
// (the caller decides whether it is fatal; re-issuing Activate is the only
// retry path).
func (c *PeriodicController) Activate() error {
	if c.machine.Apply(EventActivate) != ActionOpen {
		if c.cfg.Debug {
			slog.Debug("capture: activate ignored",
				"device", c.cfg.DeviceID,
				"mode", c.machine.Mode().String(),
			)
		}
		return nil
	}

	session, err := c.dev.Open(c.ctx)
	if err != nil {
		// Roll the machine back: the controller did not reach Active.
		c.machine.Apply(EventDeactivate)
		return fmt.Errorf("capture: open device %s: %w", c.cfg.DeviceID, err)
	}
	c.session = session

	// Re-derived on every activation: the native rate may differ after a
	// device reopen.
	c.sched = ResolveSchedule(c.cfg.RequestedInterval, session.NativeInterval(), c.cfg.FastMode)

	slog.Info("capture: periodic controller active",
		"device", c.cfg.DeviceID,
		"effective_period", c.sched.Period,
		"fast_mode", c.sched.FastMode,
	)

	if !c.sched.FastMode && c.sched.Period > 0 {
		c.timer = c.tl.Schedule(c.sched.Period, c.onDeadline)
	}
	return nil
}

// Deactivate releases the session and cancels any pending deadline.
// Idempotent: a no-op when already Idle. Timeline-only.
func (c *PeriodicController) Deactivate() {
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
	slog.Info("capture: periodic controller idle", "device", c.cfg.DeviceID)
}

// Trigger requests one low-latency capture. Timeline-only.
//
// In Idle it is equivalent to Activate. In Active with fast mode it performs
// one immediate capture. In Active without fast mode it is a no-op: the
// recurring schedule already governs capture.
func (c *PeriodicController) Trigger() {
	if c.machine.Mode() == ModeIdle {
		if err := c.Activate(); err != nil {
			slog.Error("capture: trigger activation failed",
				"device", c.cfg.DeviceID,
				"error", err,
			)
		}
		return
	}
	if !c.sched.FastMode {
		return
	}
	c.captureOnce()
}

// Shutdown is terminal: it releases the session if held and cancels any
// pending deadline. Reachable from any state. Timeline-only.
func (c *PeriodicController) Shutdown() {
	if c.machine.Apply(EventShutdown) == ActionRelease {
		c.release()
	}
	slog.Info("capture: periodic controller shut down",
		"device", c.cfg.DeviceID,
		"samples_emitted", c.seq,
	)
}

// Stats returns a counter snapshot. Timeline-only.
func (c *PeriodicController) Stats() PeriodicStats {
	return PeriodicStats{
		Mode:            c.machine.Mode().String(),
		SamplesEmitted:  c.seq,
		ReadsMissed:     c.readsMissed,
		EffectivePeriod: c.sched.Period,
		FastMode:        c.sched.FastMode,
	}
}

// onDeadline runs one scheduled capture and re-arms the deadline.
//
// The reschedule happens only when the capture did not hit a fatal error: a
// broken device must not be re-read every period while the stop request
// propagates.
func (c *PeriodicController) onDeadline() {
	// A deadline that raced a deactivation: the timer is cancelled on
	// release, but guard anyway so a stale firing cannot touch a closed
	// session.
	if c.machine.Mode() != ModeActive {
		return
	}

	if !c.captureOnce() {
		c.timer = nil
		return
	}

	if c.machine.Mode() == ModeActive && !c.sched.FastMode && c.sched.Period > 0 {
		c.timer = c.tl.Schedule(c.sched.Period, c.onDeadline)
	}
}

// captureOnce reads one sample and emits it. Reports whether capture may
// continue.
//
// ErrNoSample is transient (the device produced nothing since the last
// read): logged when debug is on, capture continues. Any other read error is
// fatal for this instance and escalates to a single global stop request; a
// broken capture device cannot silently continue.
func (c *PeriodicController) captureOnce() bool {
	payload, err := c.session.Read()
	if err == nil {
		c.emit(payload)
		return true
	}
	if errors.Is(err, ErrNoSample) {
		c.readsMissed++
		if c.cfg.Debug {
			slog.Debug("capture: no sample available, skipping deadline",
				"device", c.cfg.DeviceID,
			)
		}
		return true
	}

	slog.Error("capture: fatal device read error, requesting stop",
		"device", c.cfg.DeviceID,
		"error", err,
	)
	c.stop(fmt.Errorf("capture: read from %s: %w", c.cfg.DeviceID, err))
	return false
}

func (c *PeriodicController) emit(payload []byte) {
	c.seq++
	c.out.Consume(&types.CapturedSample{
		Seq:       c.seq,
		Timestamp: time.Now(),
		DeviceID:  c.cfg.DeviceID,
		Payload:   payload,
		TraceID:   uuid.New().String(),
	})
}

func (c *PeriodicController) release() {
	if c.timer != nil {
		c.timer.Cancel()
		c.timer = nil
	}
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			slog.Error("capture: session close failed",
				"device", c.cfg.DeviceID,
				"error", err,
			)
		}
		c.session = nil
	}
}
