package capture

import (
	"context"
	"errors"
	"time"
)

// ErrNoSample is the transient "nothing to read yet" condition of a polled
// device (e.g. the camera has not produced a frame since the last read).
// Controllers log it and keep the schedule running; it never escalates to a
// stop request.
var ErrNoSample = errors.New("capture: no sample available")

// Session is an exclusive handle to an open polled capture device.
//
// A session is owned by exactly one controller instance for its lifetime and
// is only ever touched from the timeline.
//
// Implementations must guarantee:
//   - Read() returns the most recent sample, ErrNoSample when none has
//     arrived yet, or a fatal error when the device is broken or closed
//   - NativeInterval() reports the device-native sampling interval
//     (1 / reported rate) for the currently open session
//   - Close() is idempotent: a second close is a no-op, not an error
type Session interface {
	Read() ([]byte, error)
	NativeInterval() time.Duration
	Close() error
}

// Device opens polled capture sessions. Used by PeriodicController.
type Device interface {
	Open(ctx context.Context) (Session, error)
}

// BufferFunc receives one raw buffer from a provider thread.
//
// It runs on a thread the timeline does not control and must not be assumed
// to run under any lock the timeline holds. Implementations (the streaming
// controller's callback) must return without blocking on I/O or on timeline
// progress.
type BufferFunc func(buf []byte)

// StreamSession is an exclusive handle to a continuously running input
// stream whose provider pushes buffers asynchronously.
//
// Implementations must guarantee:
//   - Close() blocks until the underlying stream confirms no further
//     BufferFunc invocations will occur, then releases the device
//   - Close() is idempotent
type StreamSession interface {
	Close() error
}

// StreamDevice opens push-based capture sessions. Used by
// StreamingController. The provider thread invoking fn is owned by the
// underlying stream library, not by the controller.
type StreamDevice interface {
	OpenStream(ctx context.Context, fn BufferFunc) (StreamSession, error)
}
