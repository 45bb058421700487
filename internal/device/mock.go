package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/sensegate/internal/capture"
)

// MockCamera is a polled device producing synthetic frames, for tests and
// for running the service without hardware.
//
// Knobs (all safe to flip between sessions):
//   - SetNativeInterval changes the rate the next session reports
//   - FailOpen makes Open return an error
//   - FailReads makes Read return a fatal error
//   - StarveReads makes Read return capture.ErrNoSample
type MockCamera struct {
	deviceID string

	mu             sync.Mutex
	nativeInterval time.Duration
	failOpen       bool
	failReads      bool
	starveReads    bool
	opens          int
	closes         int
}

// NewMockCamera creates a mock camera reporting the given native interval.
func NewMockCamera(deviceID string, nativeInterval time.Duration) *MockCamera {
	return &MockCamera{
		deviceID:       deviceID,
		nativeInterval: nativeInterval,
	}
}

// SetNativeInterval changes the interval reported by subsequently opened
// sessions (already-open sessions keep the value they were opened with).
func (d *MockCamera) SetNativeInterval(iv time.Duration) {
	d.mu.Lock()
	d.nativeInterval = iv
	d.mu.Unlock()
}

// SetFailOpen controls open-failure injection.
func (d *MockCamera) SetFailOpen(fail bool) {
	d.mu.Lock()
	d.failOpen = fail
	d.mu.Unlock()
}

// SetFailReads controls fatal-read injection.
func (d *MockCamera) SetFailReads(fail bool) {
	d.mu.Lock()
	d.failReads = fail
	d.mu.Unlock()
}

// SetStarveReads controls transient no-sample injection.
func (d *MockCamera) SetStarveReads(starve bool) {
	d.mu.Lock()
	d.starveReads = starve
	d.mu.Unlock()
}

// Opens returns how many sessions have been opened.
func (d *MockCamera) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Closes returns how many session Close calls performed a real release
// (idempotent re-closes are not counted).
func (d *MockCamera) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// Open implements capture.Device.
func (d *MockCamera) Open(ctx context.Context) (capture.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failOpen {
		return nil, fmt.Errorf("device: mock camera %s: open refused", d.deviceID)
	}
	d.opens++
	slog.Debug("device: mock camera session opened", "device", d.deviceID)
	return &mockCameraSession{
		dev:            d,
		nativeInterval: d.nativeInterval,
	}, nil
}

type mockCameraSession struct {
	dev            *MockCamera
	nativeInterval time.Duration

	mu     sync.Mutex
	seq    uint64
	closed bool
}

func (s *mockCameraSession) Read() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("device: mock camera session closed")
	}

	s.dev.mu.Lock()
	failReads := s.dev.failReads
	starve := s.dev.starveReads
	s.dev.mu.Unlock()

	if failReads {
		return nil, fmt.Errorf("device: mock camera %s: device gone", s.dev.deviceID)
	}
	if starve {
		return nil, capture.ErrNoSample
	}

	s.seq++
	return []byte(fmt.Sprintf("frame-%d", s.seq)), nil
}

func (s *mockCameraSession) NativeInterval() time.Duration {
	return s.nativeInterval
}

func (s *mockCameraSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.dev.mu.Lock()
	s.dev.closes++
	s.dev.mu.Unlock()

	slog.Debug("device: mock camera session closed", "device", s.dev.deviceID)
	return nil
}

// MockStream is a push-based device whose provider thread is either the
// test goroutine (Push) or an internal ticker (Interval > 0).
type MockStream struct {
	deviceID string
	interval time.Duration

	mu       sync.Mutex
	failOpen bool
	session  *MockStreamSession
}

// NewMockStream creates a mock stream. With interval > 0 each opened
// session generates synthetic buffers at that cadence; with interval 0 the
// caller drives it through Push.
func NewMockStream(deviceID string, interval time.Duration) *MockStream {
	return &MockStream{deviceID: deviceID, interval: interval}
}

// SetFailOpen controls open-failure injection.
func (d *MockStream) SetFailOpen(fail bool) {
	d.mu.Lock()
	d.failOpen = fail
	d.mu.Unlock()
}

// Session returns the most recently opened session (nil before the first
// open). Test hook.
func (d *MockStream) Session() *MockStreamSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// Push invokes the current session's provider callback from the calling
// goroutine, simulating one provider-thread buffer. Returns false when no
// session is open or the session is closed.
func (d *MockStream) Push(buf []byte) bool {
	d.mu.Lock()
	s := d.session
	d.mu.Unlock()
	if s == nil {
		return false
	}
	return s.push(buf)
}

// OpenStream implements capture.StreamDevice.
func (d *MockStream) OpenStream(ctx context.Context, fn capture.BufferFunc) (capture.StreamSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failOpen {
		return nil, fmt.Errorf("device: mock stream %s: open refused", d.deviceID)
	}

	s := &MockStreamSession{
		deviceID: d.deviceID,
		fn:       fn,
		stopCh:   make(chan struct{}),
	}
	if d.interval > 0 {
		s.wg.Add(1)
		go s.generate(d.interval)
	}
	d.session = s

	slog.Debug("device: mock stream session opened", "device", d.deviceID)
	return s, nil
}

// MockStreamSession is the open handle to one mock stream.
type MockStreamSession struct {
	deviceID string
	fn       capture.BufferFunc

	// cbMu makes Close block until in-flight pushes have returned, which is
	// the stop-confirmation contract real stream libraries give.
	cbMu   sync.RWMutex
	closed bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func (s *MockStreamSession) push(buf []byte) bool {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()

	if s.closed {
		return false
	}
	s.fn(buf)
	return true
}

// generate is the internal provider goroutine for ticker-driven sessions.
func (s *MockStreamSession) generate(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			seq++
			s.push([]byte(fmt.Sprintf("buffer-%d", seq)))
		}
	}
}

// Close implements capture.StreamSession: after it returns, no further
// callback invocation occurs. Idempotent.
func (s *MockStreamSession) Close() error {
	s.cbMu.Lock()
	if s.closed {
		s.cbMu.Unlock()
		return nil
	}
	s.closed = true
	s.cbMu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	slog.Debug("device: mock stream session closed", "device", s.deviceID)
	return nil
}
