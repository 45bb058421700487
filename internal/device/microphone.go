package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/sensegate/internal/capture"
)

// MicrophoneConfig contains configuration for an audio input stream.
type MicrophoneConfig struct {
	// DeviceID is the ALSA device name; empty selects the system default
	// source (autoaudiosrc).
	DeviceID string
	// SampleRate in Hz (e.g. 16000).
	SampleRate int
	// ChannelCount (1 = mono).
	ChannelCount int
	// BufferSize is the preferred capture block size in bytes; 0 leaves the
	// source's default.
	BufferSize int
	// SampleFormat is the raw audio format (e.g. S16LE, F32LE).
	SampleFormat string
}

// Microphone opens push-based capture sessions on an audio input.
//
// The appsink's NewSampleFunc is the provider callback: it runs on the
// GStreamer streaming thread, which the controller must treat as fully
// concurrent with the timeline.
type Microphone struct {
	cfg MicrophoneConfig
}

// NewMicrophone creates a microphone device with fail-fast validation.
func NewMicrophone(cfg MicrophoneConfig) (*Microphone, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("device: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.ChannelCount <= 0 {
		return nil, fmt.Errorf("device: invalid channel count %d", cfg.ChannelCount)
	}
	if cfg.SampleFormat == "" {
		cfg.SampleFormat = "S16LE"
	}
	if err := checkGStreamerAvailable(); err != nil {
		return nil, fmt.Errorf("device: GStreamer not available: %w", err)
	}
	return &Microphone{cfg: cfg}, nil
}

// OpenStream builds and starts the capture pipeline; fn receives one copied
// buffer per appsink sample, on the streaming thread.
//
// Pipeline structure:
//
//	alsasrc|autoaudiosrc → audioconvert → audioresample →
//	capsfilter(format,rate,channels) → appsink
func (m *Microphone) OpenStream(ctx context.Context, fn capture.BufferFunc) (capture.StreamSession, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("device: failed to create pipeline: %w", err)
	}
	// A partially built pipeline still holds GStreamer resources; every
	// error exit below tears it down.
	fail := func(err error) (capture.StreamSession, error) {
		pipeline.SetState(gst.StateNull)
		return nil, err
	}

	var src *gst.Element
	if m.cfg.DeviceID == "" {
		src, err = gst.NewElement("autoaudiosrc")
		if err != nil {
			return fail(fmt.Errorf("device: failed to create autoaudiosrc: %w", err))
		}
	} else {
		src, err = gst.NewElement("alsasrc")
		if err != nil {
			return fail(fmt.Errorf("device: failed to create alsasrc: %w", err))
		}
		src.SetProperty("device", m.cfg.DeviceID)
	}
	if m.cfg.BufferSize > 0 {
		src.SetProperty("blocksize", uint(m.cfg.BufferSize))
	}

	converter, err := gst.NewElement("audioconvert")
	if err != nil {
		return fail(fmt.Errorf("device: failed to create audioconvert: %w", err))
	}

	resampler, err := gst.NewElement("audioresample")
	if err != nil {
		return fail(fmt.Errorf("device: failed to create audioresample: %w", err))
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fail(fmt.Errorf("device: failed to create capsfilter: %w", err))
	}
	capsStr := fmt.Sprintf("audio/x-raw,format=%s,rate=%d,channels=%d",
		m.cfg.SampleFormat, m.cfg.SampleRate, m.cfg.ChannelCount)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return fail(fmt.Errorf("device: failed to create appsink: %w", err))
	}
	appsink.SetProperty("sync", false)

	pipeline.AddMany(src, converter, resampler, capsfilter, appsink.Element)
	if err := gst.ElementLinkMany(src, converter, resampler, capsfilter, appsink.Element); err != nil {
		return fail(fmt.Errorf("device: failed to link microphone pipeline: %w", err))
	}

	s := &microphoneSession{
		deviceID: m.cfg.DeviceID,
		pipeline: pipeline,
		fn:       fn,
	}

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fail(fmt.Errorf("device: failed to start microphone pipeline: %w", err))
	}

	slog.Info("device: microphone stream opened",
		"device", m.cfg.DeviceID,
		"caps", capsStr,
	)
	return s, nil
}

// microphoneSession is the open handle to one audio pipeline.
type microphoneSession struct {
	deviceID string
	pipeline *gst.Pipeline
	fn       capture.BufferFunc

	// cbMu is held (read) for the duration of every callback and (write)
	// during Close, so Close cannot return while a callback is in flight.
	cbMu   sync.RWMutex
	closed bool
}

// onNewSample runs on the GStreamer streaming thread (the provider thread).
func (s *microphoneSession) onNewSample(sink *app.Sink) gst.FlowReturn {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()

	if s.closed {
		return gst.FlowEOS
	}

	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("device: failed to pull sample from appsink, skipping buffer")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("device: failed to get buffer from sample, skipping buffer")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("device: empty audio buffer received")
		return gst.FlowOK
	}

	// Copy buffer data (GStreamer will reuse the buffer)
	buf := make([]byte, len(data))
	copy(buf, data)
	buffer.Unmap()

	s.fn(buf)
	return gst.FlowOK
}

// Close stops the pipeline and blocks until no callback invocation can
// still be running. Idempotent.
//
// Downward state changes to NULL are synchronous in GStreamer: when
// SetState returns, the sink is deactivated and the streaming thread has
// stopped. Holding the write side of cbMu afterwards additionally flushes
// out any callback that was already past the deactivation check.
func (s *microphoneSession) Close() error {
	s.cbMu.Lock()
	if s.closed {
		s.cbMu.Unlock()
		return nil
	}
	s.closed = true
	s.cbMu.Unlock()

	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("device: failed to stop microphone pipeline: %w", err)
	}

	// Barrier: taking the write lock waits out any in-flight callback.
	s.cbMu.Lock()
	s.cbMu.Unlock()

	slog.Info("device: microphone stream closed", "device", s.deviceID)
	return nil
}
