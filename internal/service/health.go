package service

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/e7canasta/sensegate/internal/capture"
)

// HealthStatus represents the health state of the service.
type HealthStatus struct {
	Status        string                  `json:"status"` // "healthy", "degraded"
	UptimeSeconds int64                   `json:"uptime_seconds"`
	MQTTConnected bool                    `json:"mqtt_connected"`
	Camera        *capture.PeriodicStats  `json:"camera,omitempty"`
	Microphone    *capture.StreamingStats `json:"microphone,omitempty"`
}

// HealthCheck returns the current health status.
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	status := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(started).Seconds()),
		MQTTConnected: s.emitter.IsConnected(),
	}

	s.onTimeline(func() error {
		if s.camera != nil {
			st := s.camera.Stats()
			status.Camera = &st
		}
		if s.mic != nil {
			st := s.mic.Stats()
			status.Microphone = &st
		}
		return nil
	})

	if !status.MQTTConnected {
		status.Status = "degraded"
	}
	return status
}

// StartHealthServer serves GET /healthz on the configured port.
// Non-blocking; the server lives for the process lifetime.
func (s *Service) StartHealthServer(port string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.HealthCheck()); err != nil {
			slog.Error("failed to encode health response", "error", err)
		}
	})

	go func() {
		addr := ":" + port
		slog.Info("health server listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("health server stopped", "error", err)
		}
	}()

	return nil
}
