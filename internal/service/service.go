// Package service wires configuration, timeline, devices, controllers,
// control plane and emitter into one runnable sensegate instance.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/sensegate/internal/capture"
	"github.com/e7canasta/sensegate/internal/config"
	"github.com/e7canasta/sensegate/internal/control"
	"github.com/e7canasta/sensegate/internal/device"
	"github.com/e7canasta/sensegate/internal/emitter"
	"github.com/e7canasta/sensegate/internal/sink"
	"github.com/e7canasta/sensegate/internal/timeline"
	"github.com/e7canasta/sensegate/internal/types"
)

// Service is the sensegate orchestrator.
type Service struct {
	cfg *config.Config

	tl      *timeline.Timeline
	camera  *capture.PeriodicController
	mic     *capture.StreamingController
	emitter *emitter.MQTTEmitter
	control *control.Handler
	tap     *sink.Mailbox

	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelRun context.CancelFunc
}

// New creates a service instance from a configuration file.
func New(configPath string) (*Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"camera_enabled", cfg.Camera.Enabled,
		"microphone_enabled", cfg.Microphone.Enabled,
	)

	s := &Service{
		cfg:     cfg,
		tl:      timeline.New(256),
		emitter: emitter.NewMQTTEmitter(cfg),
	}

	var out sink.Sink = sink.Func(func(sample *types.CapturedSample) {
		s.emitter.PublishSample(sample)
	})
	if cfg.SampleTap {
		// The tap is a pull-based consumer behind a latest-wins mailbox, so
		// its logging pace never stalls the timeline.
		s.tap = sink.NewMailbox()
		out = sink.Tee(out, s.tap)
	}

	if cfg.Camera.Enabled {
		dev, err := buildCameraDevice(cfg.Camera)
		if err != nil {
			return nil, fmt.Errorf("failed to build camera device: %w", err)
		}
		s.camera = capture.NewPeriodicController(capture.PeriodicConfig{
			DeviceID:          cfg.Camera.DeviceID,
			RequestedInterval: cfg.Camera.RequestedInterval(),
			FastMode:          cfg.Camera.FastMode,
			ActiveAtStartup:   cfg.Camera.ActiveAtStartup,
			Debug:             cfg.Camera.Debug,
		}, s.tl, dev, out, s.requestStop)
	}

	if cfg.Microphone.Enabled {
		dev, err := buildMicrophoneDevice(cfg.Microphone)
		if err != nil {
			return nil, fmt.Errorf("failed to build microphone device: %w", err)
		}
		s.mic = capture.NewStreamingController(capture.StreamingConfig{
			DeviceID:        cfg.Microphone.DeviceID,
			ActiveAtStartup: cfg.Microphone.ActiveAtStartup,
			Debug:           cfg.Microphone.Debug,
		}, s.tl, dev, out, s.requestStop)
	}

	return s, nil
}

// buildCameraDevice selects the real or mock camera backend.
// device_id "mock" keeps the service runnable without hardware.
func buildCameraDevice(cfg config.CameraConfig) (capture.Device, error) {
	if cfg.DeviceID == "mock" {
		return device.NewMockCamera(cfg.DeviceID, 33*time.Millisecond), nil
	}
	return device.NewCamera(device.CameraConfig{
		DeviceID: cfg.DeviceID,
		Width:    cfg.Width,
		Height:   cfg.Height,
	})
}

func buildMicrophoneDevice(cfg config.MicrophoneConfig) (capture.StreamDevice, error) {
	if cfg.DeviceID == "mock" {
		return device.NewMockStream(cfg.DeviceID, 100*time.Millisecond), nil
	}
	return device.NewMicrophone(device.MicrophoneConfig{
		DeviceID:     cfg.DeviceID,
		SampleRate:   cfg.SampleRate,
		ChannelCount: cfg.ChannelCount,
		BufferSize:   cfg.BufferSize,
		SampleFormat: cfg.SampleFormat,
	})
}

// Run starts the service and blocks until the context is cancelled or a
// global stop is requested.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()

	slog.Info("sensegate service starting", "instance_id", s.cfg.InstanceID)

	// The timeline gets its own lifetime: it must keep executing through
	// Shutdown so the controllers can release their devices on it after the
	// run context is cancelled.
	if err := s.tl.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start timeline: %w", err)
	}

	// Startup activation runs on the timeline; an unopenable device issues
	// the global stop from inside Startup.
	s.onTimeline(func() error {
		if s.camera != nil {
			s.camera.Startup(ctx)
		}
		if s.mic != nil {
			s.mic.Startup(ctx)
		}
		return nil
	})

	if err := s.emitter.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}

	s.control = control.NewHandler(s.cfg, s.emitter.Client, control.CommandCallbacks{
		OnGetStatus:  s.getStatus,
		OnActivate:   s.signalActivate,
		OnDeactivate: s.signalDeactivate,
		OnTrigger:    s.signalTrigger,
		OnShutdown:   s.shutdownViaControl,
	})
	if err := s.control.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control plane: %w", err)
	}

	if err := s.StartHealthServer(s.cfg.Health.Port); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}

	s.wg.Add(1)
	go s.publishHealthLoop(ctx, 10*time.Second)

	if s.tap != nil {
		s.wg.Add(1)
		go s.runSampleTap()
	}

	slog.Info("sensegate service running",
		"camera", s.camera != nil,
		"microphone", s.mic != nil,
	)

	<-ctx.Done()

	slog.Info("sensegate service run loop exiting")
	return nil
}

// Shutdown performs graceful shutdown of all components.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	slog.Info("shutting down sensegate service")

	// Shutdown sequence (order matters):
	// 1. Controllers first: release devices while the timeline still runs.
	s.onTimeline(func() error {
		if s.camera != nil {
			s.camera.Shutdown()
		}
		if s.mic != nil {
			s.mic.Shutdown()
		}
		return nil
	})

	// 2. Control plane: no more signals.
	if s.control != nil {
		if err := s.control.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	// 3. Timeline: nothing left to execute.
	if err := s.tl.Stop(); err != nil {
		slog.Error("failed to stop timeline", "error", err)
	}

	// 4. Background goroutines. Closing the tap unblocks its consumer.
	if s.tap != nil {
		s.tap.Close()
	}
	s.wg.Wait()

	// 5. MQTT last.
	if err := s.emitter.Disconnect(); err != nil {
		slog.Error("failed to disconnect mqtt", "error", err)
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("sensegate service shutdown complete", "uptime", uptime)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout.
func (s *Service) ShutdownTimeout() time.Duration {
	timeout := time.Duration(s.cfg.ShutdownTimeoutS) * time.Second
	if timeout == 0 {
		return 5 * time.Second
	}
	return timeout
}

// requestStop is the whole-system stop path handed to the controllers.
func (s *Service) requestStop(err error) {
	slog.Error("global stop requested", "error", err)
	s.mu.RLock()
	cancel := s.cancelRun
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// onTimeline runs fn on the timeline and waits for its result. Callers are
// control-plane or service goroutines, never the timeline itself.
func (s *Service) onTimeline(fn func() error) error {
	done := make(chan error, 1)
	if !s.tl.Do(func() { done <- fn() }) {
		return fmt.Errorf("timeline not running")
	}
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeline dispatch timeout")
	}
}

func (s *Service) controllerFor(name string) (activate func() error, deactivate func(), trigger func(), ok bool) {
	switch name {
	case "camera":
		if s.camera == nil {
			return nil, nil, nil, false
		}
		return s.camera.Activate, s.camera.Deactivate, s.camera.Trigger, true
	case "microphone":
		if s.mic == nil {
			return nil, nil, nil, false
		}
		// The streaming controller has no trigger semantics; a trigger on
		// it is an unknown signal, rejected at dispatch.
		return s.mic.Activate, s.mic.Deactivate, nil, true
	}
	return nil, nil, nil, false
}

func (s *Service) signalActivate(name string) error {
	activate, _, _, ok := s.controllerFor(name)
	if !ok {
		return fmt.Errorf("unknown controller %q", name)
	}
	return s.onTimeline(activate)
}

func (s *Service) signalDeactivate(name string) error {
	_, deactivate, _, ok := s.controllerFor(name)
	if !ok {
		return fmt.Errorf("unknown controller %q", name)
	}
	return s.onTimeline(func() error {
		deactivate()
		return nil
	})
}

func (s *Service) signalTrigger(name string) error {
	_, _, trigger, ok := s.controllerFor(name)
	if !ok {
		return fmt.Errorf("unknown controller %q", name)
	}
	if trigger == nil {
		return fmt.Errorf("controller %q does not support trigger", name)
	}
	return s.onTimeline(func() error {
		trigger()
		return nil
	})
}

func (s *Service) shutdownViaControl() error {
	slog.Info("shutdown requested via control plane")
	s.mu.RLock()
	cancel := s.cancelRun
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// getStatus collects a status snapshot for the control plane.
func (s *Service) getStatus() map[string]any {
	s.mu.RLock()
	started := s.started
	running := s.isRunning
	s.mu.RUnlock()

	status := map[string]any{
		"instance_id":    s.cfg.InstanceID,
		"uptime_s":       time.Since(started).Seconds(),
		"running":        running,
		"mqtt_connected": s.emitter.IsConnected(),
	}

	s.onTimeline(func() error {
		if s.camera != nil {
			status["camera"] = s.camera.Stats()
		}
		if s.mic != nil {
			status["microphone"] = s.mic.Stats()
		}
		return nil
	})

	return status
}

// runSampleTap drains the tap mailbox at its own pace and logs each sample.
// Under load the mailbox keeps only the latest sample, so the tap observes
// the freshest capture rather than a growing backlog.
func (s *Service) runSampleTap() {
	defer s.wg.Done()

	for {
		sample := s.tap.Take()
		if sample == nil {
			return
		}
		slog.Info("sample tap",
			"device", sample.DeviceID,
			"seq", sample.Seq,
			"size_bytes", len(sample.Payload),
			"trace_id", sample.TraceID,
			"dropped", s.tap.Drops(),
		)
	}
}

// publishHealthLoop periodically publishes a health snapshot.
func (s *Service) publishHealthLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.emitter.PublishHealth(s.HealthCheck())
		}
	}
}
