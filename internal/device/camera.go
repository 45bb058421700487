package device

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/sensegate/internal/capture"
)

// defaultNativeInterval is used until the negotiated caps report a
// framerate (30 fps).
const defaultNativeInterval = 33333 * time.Microsecond

// CameraConfig contains configuration for a local camera device.
type CameraConfig struct {
	// DeviceID is the v4l2 device path (e.g. /dev/video0). Required.
	DeviceID string
	// Width and Height select the capture resolution.
	Width  int
	Height int
}

// Camera opens polled capture sessions on a local camera.
//
// Each session owns a GStreamer pipeline whose appsink callback keeps only
// the most recent frame; Read() returns that frame or capture.ErrNoSample
// when none arrived since the last read. The device is therefore safe to
// poll at any cadence without queue growth.
type Camera struct {
	cfg CameraConfig
}

// NewCamera creates a camera device with fail-fast validation.
func NewCamera(cfg CameraConfig) (*Camera, error) {
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device: camera device id is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("device: invalid camera resolution %dx%d", cfg.Width, cfg.Height)
	}
	if err := checkGStreamerAvailable(); err != nil {
		return nil, fmt.Errorf("device: GStreamer not available: %w", err)
	}
	return &Camera{cfg: cfg}, nil
}

// Open builds and starts the capture pipeline and returns the session.
//
// Pipeline structure:
//
//	v4l2src → videoconvert → videoscale → capsfilter(RGB,WxH) → appsink
//
// The appsink keeps only the latest frame (max-buffers=1, drop=true).
func (c *Camera) Open(ctx context.Context) (capture.Session, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("device: failed to create pipeline: %w", err)
	}
	// A partially built pipeline still holds GStreamer resources; every
	// error exit below tears it down.
	fail := func(err error) (capture.Session, error) {
		pipeline.SetState(gst.StateNull)
		return nil, err
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return fail(fmt.Errorf("device: failed to create v4l2src: %w", err))
	}
	src.SetProperty("device", c.cfg.DeviceID)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return fail(fmt.Errorf("device: failed to create videoconvert: %w", err))
	}

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return fail(fmt.Errorf("device: failed to create videoscale: %w", err))
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fail(fmt.Errorf("device: failed to create capsfilter: %w", err))
	}
	capsStr := fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", c.cfg.Width, c.cfg.Height)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return fail(fmt.Errorf("device: failed to create appsink: %w", err))
	}
	appsink.SetProperty("sync", false)    // No sync with clock (real-time)
	appsink.SetProperty("max-buffers", 1) // Keep only latest frame
	appsink.SetProperty("drop", true)     // Drop old frames

	pipeline.AddMany(src, converter, scaler, capsfilter, appsink.Element)
	if err := gst.ElementLinkMany(src, converter, scaler, capsfilter, appsink.Element); err != nil {
		return fail(fmt.Errorf("device: failed to link camera pipeline: %w", err))
	}

	s := &cameraSession{
		deviceID:       c.cfg.DeviceID,
		pipeline:       pipeline,
		nativeInterval: defaultNativeInterval,
		stopCh:         make(chan struct{}),
	}

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fail(fmt.Errorf("device: failed to start camera pipeline: %w", err))
	}

	// Wait for the pipeline to reach PLAYING so the negotiated caps carry
	// the real device framerate.
	bus := pipeline.GetPipelineBus()
	msg := bus.TimedPop(5 * time.Second)
	if msg != nil && msg.Type() == gst.MessageStateChanged {
		_, newState := msg.ParseStateChanged()
		if newState == gst.StatePlaying {
			slog.Debug("device: camera pipeline reached PLAYING state",
				"device", c.cfg.DeviceID,
			)
		}
	}

	s.wg.Add(1)
	go s.monitorBus()

	slog.Info("device: camera session opened",
		"device", c.cfg.DeviceID,
		"resolution", fmt.Sprintf("%dx%d", c.cfg.Width, c.cfg.Height),
	)
	return s, nil
}

// cameraSession is the open handle to one camera pipeline.
type cameraSession struct {
	deviceID string
	pipeline *gst.Pipeline

	mu             sync.Mutex
	latest         []byte // nil = consumed, non-nil = unread frame
	nativeInterval time.Duration
	rateKnown      bool
	fatalErr       error
	closed         bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// onNewSample runs on the GStreamer streaming thread; it overwrites the
// single latest-frame slot, never queues.
func (s *cameraSession) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("device: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("device: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("device: empty camera buffer received")
		return gst.FlowOK
	}

	// Copy frame data (GStreamer will reuse the buffer)
	frame := make([]byte, len(data))
	copy(frame, data)
	buffer.Unmap()

	s.mu.Lock()
	s.latest = frame
	if !s.rateKnown {
		if caps := sample.GetCaps(); caps != nil {
			if iv, ok := parseNativeInterval(caps.String()); ok {
				s.nativeInterval = iv
				s.rateKnown = true
			}
		}
	}
	s.mu.Unlock()

	return gst.FlowOK
}

// Read returns the most recent frame.
//
// capture.ErrNoSample means the device produced nothing since the last read
// (transient). A pipeline error or a closed session is returned as-is and is
// fatal for the owning controller.
func (s *cameraSession) Read() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("device: camera session closed")
	}
	if s.fatalErr != nil {
		return nil, s.fatalErr
	}
	if s.latest == nil {
		return nil, capture.ErrNoSample
	}
	frame := s.latest
	s.latest = nil
	return frame, nil
}

// NativeInterval reports 1 / device framerate, from the negotiated caps
// once known, the 30 fps default before that.
func (s *cameraSession) NativeInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nativeInterval
}

// Close stops the bus monitor and tears the pipeline down. Idempotent.
func (s *cameraSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.latest = nil
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("device: failed to stop camera pipeline: %w", err)
	}

	slog.Info("device: camera session closed", "device", s.deviceID)
	return nil
}

// monitorBus watches the pipeline bus and records the first fatal error so
// the next Read surfaces it.
func (s *cameraSession) monitorBus() {
	defer s.wg.Done()

	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-s.stopCh:
			return
		default:
			msg := bus.TimedPop(50 * time.Millisecond)
			if msg == nil {
				continue
			}
			switch msg.Type() {
			case gst.MessageEOS:
				s.recordFatal(fmt.Errorf("device: camera %s: end of stream", s.deviceID))
				return
			case gst.MessageError:
				gerr := msg.ParseError()
				slog.Error("device: camera pipeline error",
					"device", s.deviceID,
					"error", gerr.Error(),
					"debug", gerr.DebugString(),
				)
				s.recordFatal(fmt.Errorf("device: camera %s: %s", s.deviceID, gerr.Error()))
				return
			}
		}
	}
}

func (s *cameraSession) recordFatal(err error) {
	s.mu.Lock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	s.mu.Unlock()
}

var framerateRe = regexp.MustCompile(`framerate=\(fraction\)(\d+)/(\d+)`)

// parseNativeInterval extracts the framerate fraction from a caps string
// and inverts it. Returns false when the caps carry no usable framerate.
func parseNativeInterval(caps string) (time.Duration, bool) {
	m := framerateRe.FindStringSubmatch(caps)
	if m == nil {
		return 0, false
	}
	num, _ := strconv.Atoi(m[1])
	den, _ := strconv.Atoi(m[2])
	if num <= 0 || den <= 0 {
		return 0, false
	}
	return time.Duration(float64(time.Second) * float64(den) / float64(num)), true
}

// checkGStreamerAvailable is a fail-fast validation run at construction.
func checkGStreamerAvailable() error {
	gst.Init(nil)

	elem, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("GStreamer not available or not properly installed: %w", err)
	}
	elem.SetState(gst.StateNull)
	return nil
}
