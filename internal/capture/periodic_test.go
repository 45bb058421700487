package capture_test

import (
	"context"
	"testing"
	"time"

	"github.com/e7canasta/sensegate/internal/capture"
	"github.com/e7canasta/sensegate/internal/device"
)

// TestPeriodicCapturesAtNativeRate drives a full activate → capture →
// deactivate cycle at the device-native cadence.
func TestPeriodicCapturesAtNativeRate(t *testing.T) {
	tl := startTimeline(t)
	dev := device.NewMockCamera("cam0", 20*time.Millisecond)
	out := &collector{}
	stops := &stopRecorder{}
	c := capture.NewPeriodicController(capture.PeriodicConfig{DeviceID: "cam0"}, tl, dev, out, stops.stop)
	runOn(t, tl, func() { c.Startup(context.Background()) })

	runOn(t, tl, func() {
		if err := c.Activate(); err != nil {
			t.Errorf("Activate: %v", err)
		}
	})

	waitFor(t, 2*time.Second, func() bool { return out.count() >= 3 }, "no captures at native rate")

	runOn(t, tl, c.Deactivate)
	n := out.count()
	time.Sleep(100 * time.Millisecond)
	if got := out.count(); got != n {
		t.Errorf("captures continued after Deactivate: %d -> %d", n, got)
	}

	if dev.Opens() != 1 || dev.Closes() != 1 {
		t.Errorf("opens=%d closes=%d, want 1/1", dev.Opens(), dev.Closes())
	}
	if stops.calls() != 0 {
		t.Errorf("unexpected stop requests: %d", stops.calls())
	}
}

// TestPeriodicActivateDeactivateIdempotent repeats both transitions and
// checks the device saw exactly one open and one release.
func TestPeriodicActivateDeactivateIdempotent(t *testing.T) {
	tl := startTimeline(t)
	dev := device.NewMockCamera("cam0", 50*time.Millisecond)
	c := capture.NewPeriodicController(capture.PeriodicConfig{DeviceID: "cam0"}, tl, dev, &collector{}, (&stopRecorder{}).stop)
	runOn(t, tl, func() { c.Startup(context.Background()) })

	runOn(t, tl, func() {
		if err := c.Activate(); err != nil {
			t.Errorf("first Activate: %v", err)
		}
		if err := c.Activate(); err != nil {
			t.Errorf("second Activate: %v", err)
		}
	})
	if dev.Opens() != 1 {
		t.Errorf("opens=%d after repeated Activate, want 1", dev.Opens())
	}

	runOn(t, tl, func() {
		c.Deactivate()
		c.Deactivate()
	})
	if dev.Closes() != 1 {
		t.Errorf("closes=%d after repeated Deactivate, want 1", dev.Closes())
	}
}

// TestPeriodicShutdownAfterDeactivate asserts the resource is released
// exactly once even when a shutdown follows a deactivation.
func TestPeriodicShutdownAfterDeactivate(t *testing.T) {
	tl := startTimeline(t)
	dev := device.NewMockCamera("cam0", 50*time.Millisecond)
	c := capture.NewPeriodicController(capture.PeriodicConfig{DeviceID: "cam0"}, tl, dev, &collector{}, (&stopRecorder{}).stop)
	runOn(t, tl, func() { c.Startup(context.Background()) })

	runOn(t, tl, func() {
		if err := c.Activate(); err != nil {
			t.Errorf("Activate: %v", err)
		}
		c.Deactivate()
		c.Shutdown()
	})

	if dev.Closes() != 1 {
		t.Errorf("closes=%d, want exactly 1", dev.Closes())
	}

	// Terminal: a later activate must be ignored.
	runOn(t, tl, func() {
		if err := c.Activate(); err != nil {
			t.Errorf("post-shutdown Activate returned error: %v", err)
		}
	})
	if dev.Opens() != 1 {
		t.Errorf("opens=%d after post-shutdown Activate, want 1", dev.Opens())
	}
}

// TestPeriodicRequestedIntervalHonored checks a slower-than-native request
// becomes the effective period.
func TestPeriodicRequestedIntervalHonored(t *testing.T) {
	tl := startTimeline(t)
	dev := device.NewMockCamera("cam0", 20*time.Millisecond)
	c := capture.NewPeriodicController(capture.PeriodicConfig{
		DeviceID:          "cam0",
		RequestedInterval: 50 * time.Millisecond,
	}, tl, dev, &collector{}, (&stopRecorder{}).stop)
	runOn(t, tl, func() { c.Startup(context.Background()) })

	var stats capture.PeriodicStats
	runOn(t, tl, func() {
		if err := c.Activate(); err != nil {
			t.Errorf("Activate: %v", err)
		}
		stats = c.Stats()
	})

	if stats.EffectivePeriod != 50*time.Millisecond {
		t.Errorf("effective period %v, want 50ms", stats.EffectivePeriod)
	}
}

// TestPeriodicScheduleRederivedOnReactivate verifies the schedule is
// recomputed from the device's current native rate on every activation, not
// cached from the first one.
func TestPeriodicScheduleRederivedOnReactivate(t *testing.T) {
	tl := startTimeline(t)
	dev := device.NewMockCamera("cam0", 20*time.Millisecond)
	c := capture.NewPeriodicController(capture.PeriodicConfig{DeviceID: "cam0"}, tl, dev, &collector{}, (&stopRecorder{}).stop)
	runOn(t, tl, func() { c.Startup(context.Background()) })

	var first capture.PeriodicStats
	runOn(t, tl, func() {
		if err := c.Activate(); err != nil {
			t.Errorf("Activate: %v", err)
		}
		first = c.Stats()
		c.Deactivate()
	})
	if first.EffectivePeriod != 20*time.Millisecond {
		t.Fatalf("first activation period %v, want 20ms", first.EffectivePeriod)
	}

	dev.SetNativeInterval(40 * time.Millisecond)

	var second capture.PeriodicStats
	runOn(t, tl, func() {
		if err := c.Activate(); err != nil {
			t.Errorf("reactivate: %v", err)
		}
		second = c.Stats()
	})
	if second.EffectivePeriod != 40*time.Millisecond {
		t.Errorf("reactivation period %v, want 40ms", second.EffectivePeriod)
	}
}

// TestPeriodicFastModeCapturesOnTriggerOnly verifies fast mode suppresses the
// recurring schedule and a trigger performs exactly one capture.
func TestPeriodicFastModeCapturesOnTriggerOnly(t *testing.T) {
	tl := startTimeline(t)
	dev := device.NewMockCamera("cam0", 10*time.Millisecond)
	out := &collector{}
	c := capture.NewPeriodicController(capture.PeriodicConfig{
		DeviceID: "cam0",
		FastMode: true,
	}, tl, dev, out, (&stopRecorder{}).stop)
	runOn(t, tl, func() { c.Startup(context.Background()) })

	runOn(t, tl, func() {
		if err := c.Activate(); err != nil {
			t.Errorf("Activate: %v", err)
		}
	})

	time.Sleep(100 * time.Millisecond)
	if got := out.count(); got != 0 {
		t.Fatalf("fast mode emitted %d samples without a trigger", got)
	}

	runOn(t, tl, c.Trigger)
	if got := out.count(); got != 1 {
		t.Errorf("samples after trigger = %d, want 1", got)
	}

	var stats capture.PeriodicStats
	runOn(t, tl, func() { stats = c.Stats() })
	if !stats.FastMode {
		t.Error("stats do not report fast mode")
	}
}

// TestPeriodicTriggerWhileIdleActivates: a trigger in Idle is an activation.
func TestPeriodicTriggerWhileIdleActivates(t *testing.T) {
	tl := startTimeline(t)
	dev := device.NewMockCamera("cam0", 50*time.Millisecond)
	c := capture.NewPeriodicController(capture.PeriodicConfig{DeviceID: "cam0"}, tl, dev, &collector{}, (&stopRecorder{}).stop)
	runOn(t, tl, func() { c.Startup(context.Background()) })

	var mode capture.Mode
	runOn(t, tl, func() {
		c.Trigger()
		mode = c.Mode()
	})

	if mode != capture.ModeActive {
		t.Errorf("mode after idle trigger = %v, want Active", mode)
	}
	if dev.Opens() != 1 {
		t.Errorf("opens=%d, want 1", dev.Opens())
	}
}

// TestPeriodicTriggerIgnoredWhenScheduled: with a recurring schedule in
// place, a trigger performs no out-of-band capture.
func TestPeriodicTriggerIgnoredWhenScheduled(t *testing.T) {
	tl := startTimeline(t)
	dev := device.NewMockCamera("cam0", 200*time.Millisecond)
	out := &collector{}
	c := capture.NewPeriodicController(capture.PeriodicConfig{DeviceID: "cam0"}, tl, dev, out, (&stopRecorder{}).stop)
	runOn(t, tl, func() { c.Startup(context.Background()) })

	runOn(t, tl, func() {
		if err := c.Activate(); err != nil {
			t.Errorf("Activate: %v", err)
		}
		c.Trigger()
	})

	time.Sleep(50 * time.Millisecond)
	if got := out.count(); got != 0 {
		t.Errorf("trigger captured %d samples despite active schedule", got)
	}
}

// TestPeriodicTransientReadSkipsDeadline: a no-sample read skips the
// deadline, keeps the schedule running, and never escalates.
func TestPeriodicTransientReadSkipsDeadline(t *testing.T) {
	tl := startTimeline(t)
	dev := device.NewMockCamera("cam0", 10*time.Millisecond)
	dev.SetStarveReads(true)
	out := &collector{}
	stops := &stopRecorder{}
	c := capture.NewPeriodicController(capture.PeriodicConfig{DeviceID: "cam0"}, tl, dev, out, stops.stop)
	runOn(t, tl, func() { c.Startup(context.Background()) })

	runOn(t, tl, func() {
		if err := c.Activate(); err != nil {
			t.Errorf("Activate: %v", err)
		}
	})

	time.Sleep(80 * time.Millisecond)
	if got := out.count(); got != 0 {
		t.Fatalf("%d samples emitted while starved", got)
	}
	if stops.calls() != 0 {
		t.Fatalf("transient reads escalated to stop")
	}

	var stats capture.PeriodicStats
	runOn(t, tl, func() { stats = c.Stats() })
	if stats.ReadsMissed == 0 {
		t.Error("missed reads not counted")
	}

	// Capture resumes once the device produces again.
	dev.SetStarveReads(false)
	waitFor(t, 2*time.Second, func() bool { return out.count() >= 1 }, "capture did not resume")
}

// TestPeriodicFatalReadRequestsStop: any non-transient read error is fatal
// for the instance.
func TestPeriodicFatalReadRequestsStop(t *testing.T) {
	tl := startTimeline(t)
	dev := device.NewMockCamera("cam0", 10*time.Millisecond)
	dev.SetFailReads(true)
	stops := &stopRecorder{}
	c := capture.NewPeriodicController(capture.PeriodicConfig{DeviceID: "cam0"}, tl, dev, &collector{}, stops.stop)
	runOn(t, tl, func() { c.Startup(context.Background()) })

	runOn(t, tl, func() {
		if err := c.Activate(); err != nil {
			t.Errorf("Activate: %v", err)
		}
	})

	waitFor(t, 2*time.Second, func() bool { return stops.calls() >= 1 }, "fatal read did not request stop")
}

// TestPeriodicFatalReadEndsSchedule: a fatal read requests the stop exactly
// once; the deadline is not re-armed, so the broken device is not re-read
// every period while shutdown propagates.
func TestPeriodicFatalReadEndsSchedule(t *testing.T) {
	tl := startTimeline(t)
	dev := device.NewMockCamera("cam0", 10*time.Millisecond)
	dev.SetFailReads(true)
	stops := &stopRecorder{}
	out := &collector{}
	c := capture.NewPeriodicController(capture.PeriodicConfig{DeviceID: "cam0"}, tl, dev, out, stops.stop)
	runOn(t, tl, func() { c.Startup(context.Background()) })

	runOn(t, tl, func() {
		if err := c.Activate(); err != nil {
			t.Errorf("Activate: %v", err)
		}
	})

	waitFor(t, 2*time.Second, func() bool { return stops.calls() >= 1 }, "fatal read did not request stop")

	// Many periods later: still exactly one stop request, nothing emitted.
	time.Sleep(100 * time.Millisecond)
	if got := stops.calls(); got != 1 {
		t.Errorf("stop requests = %d, want exactly 1", got)
	}
	if got := out.count(); got != 0 {
		t.Errorf("samples emitted after fatal error = %d, want 0", got)
	}

	// Even if the device recovers, no schedule is left running: recovery
	// requires a new activation.
	dev.SetFailReads(false)
	time.Sleep(60 * time.Millisecond)
	if got := out.count(); got != 0 {
		t.Errorf("schedule kept running after fatal error: %d samples", got)
	}
}

// TestPeriodicStartupOpenFailureRequestsStop: an unopenable device at
// startup has no recovery path.
func TestPeriodicStartupOpenFailureRequestsStop(t *testing.T) {
	tl := startTimeline(t)
	dev := device.NewMockCamera("cam0", 10*time.Millisecond)
	dev.SetFailOpen(true)
	stops := &stopRecorder{}
	c := capture.NewPeriodicController(capture.PeriodicConfig{
		DeviceID:        "cam0",
		ActiveAtStartup: true,
	}, tl, dev, &collector{}, stops.stop)

	var mode capture.Mode
	runOn(t, tl, func() {
		c.Startup(context.Background())
		mode = c.Mode()
	})

	if stops.calls() != 1 {
		t.Errorf("stop calls = %d, want 1", stops.calls())
	}
	if mode != capture.ModeIdle {
		t.Errorf("mode after failed startup = %v, want Idle", mode)
	}
}

// TestPeriodicActivateFailureLeavesIdle: a failed activation rolls back to
// Idle so a later Activate can retry.
func TestPeriodicActivateFailureLeavesIdle(t *testing.T) {
	tl := startTimeline(t)
	dev := device.NewMockCamera("cam0", 50*time.Millisecond)
	dev.SetFailOpen(true)
	c := capture.NewPeriodicController(capture.PeriodicConfig{DeviceID: "cam0"}, tl, dev, &collector{}, (&stopRecorder{}).stop)
	runOn(t, tl, func() { c.Startup(context.Background()) })

	runOn(t, tl, func() {
		if err := c.Activate(); err == nil {
			t.Error("Activate succeeded against a refusing device")
		}
		if c.Mode() != capture.ModeIdle {
			t.Errorf("mode after failed Activate = %v, want Idle", c.Mode())
		}
	})

	dev.SetFailOpen(false)
	runOn(t, tl, func() {
		if err := c.Activate(); err != nil {
			t.Errorf("retry Activate: %v", err)
		}
		if c.Mode() != capture.ModeActive {
			t.Errorf("mode after retry = %v, want Active", c.Mode())
		}
	})
}
