package capture

import (
	"log/slog"
	"time"
)

// Schedule is the sampling cadence resolved for one Active session.
type Schedule struct {
	// FastMode disables the recurring schedule; capture happens only on
	// trigger signals.
	FastMode bool
	// Period is the effective recurring capture interval. Zero when
	// FastMode is set.
	Period time.Duration
}

// ResolveSchedule reconciles the caller-requested interval against the
// device-reported native interval.
//
// Policy, evaluated once per Idle→Active transition (never cached across
// device re-opens, the native rate may differ after reopen):
//
//  1. Fast mode is only honored when no interval was requested; a requested
//     interval and trigger-only capture are mutually exclusive.
//  2. Otherwise the requested interval wins when it is at least the native
//     interval. A request below the native floor degrades to the native rate
//     with a warning, not an error: the device cannot sustain a faster rate,
//     but a slow request is a legitimate downsampling choice.
//
// requested <= 0 means "unspecified".
func ResolveSchedule(requested, native time.Duration, fastMode bool) Schedule {
	if fastMode && requested <= 0 {
		return Schedule{FastMode: true}
	}

	if requested > 0 && requested >= native {
		return Schedule{Period: requested}
	}

	if requested > 0 && requested < native {
		slog.Warn("capture: requested interval below device native rate, clamping",
			"requested", requested,
			"native", native,
		)
	}
	return Schedule{Period: native}
}
