// Package control implements the MQTT control plane that delivers
// activate / deactivate / trigger signals to the capture controllers.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/sensegate/internal/config"
)

// Command represents a control plane command.
//
// Controller selects which capture controller the signal targets
// ("camera" or "microphone"); commands without a controller scope
// (get_status, shutdown) leave it empty.
type Command struct {
	Command    string         `json:"command"`
	Controller string         `json:"controller,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

// Response represents a command response.
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// CommandCallbacks contains the callback functions for commands. Each
// callback is responsible for hopping onto the timeline itself.
type CommandCallbacks struct {
	OnGetStatus  func() map[string]any
	OnActivate   func(controller string) error
	OnDeactivate func(controller string) error
	OnTrigger    func(controller string) error
	OnShutdown   func() error
}

// Handler handles control plane commands.
type Handler struct {
	cfg       *config.Config
	client    mqtt.Client
	commands  chan Command
	callbacks CommandCallbacks

	// mu guards stopped. Unsubscribe does not drain in-flight router
	// deliveries, so messageHandler can still run while Stop executes; the
	// flag keeps a late delivery from hitting the closed channel.
	mu      sync.Mutex
	stopped bool
}

// NewHandler creates a control plane handler.
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
}

// Start subscribes to the control topic and begins processing commands.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")

	go h.processCommands(ctx)

	return nil
}

// Stop unsubscribes and stops command processing. Idempotent.
func (h *Handler) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	topic := h.cfg.MQTT.Topics.Control

	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(topic)
		token.Wait()
	}

	close(h.commands)

	slog.Info("control plane handler stopped")
	return nil
}

// messageHandler is called by the MQTT client when a control message
// arrives.
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received",
		"command", cmd.Command,
		"controller", cmd.Controller,
	)

	// The send happens under mu with stopped false; Stop sets the flag
	// before closing the channel, so no send can reach a closed channel.
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		slog.Debug("control command after stop discarded", "command", cmd.Command)
		return
	}
	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.handleCommand(cmd)
		}
	}
}

// handleCommand dispatches one command to its callback and acks it.
func (h *Handler) handleCommand(cmd Command) {
	resp := Response{
		CommandAck: cmd.Command,
		Status:     "ok",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}

	var err error
	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus != nil {
			resp.Data = h.callbacks.OnGetStatus()
		}
	case "activate":
		err = h.dispatchScoped(cmd, h.callbacks.OnActivate)
	case "deactivate":
		err = h.dispatchScoped(cmd, h.callbacks.OnDeactivate)
	case "trigger":
		err = h.dispatchScoped(cmd, h.callbacks.OnTrigger)
	case "shutdown":
		if h.callbacks.OnShutdown != nil {
			err = h.callbacks.OnShutdown()
		}
	default:
		err = fmt.Errorf("unknown command %q", cmd.Command)
	}

	if err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		slog.Error("control command failed",
			"command", cmd.Command,
			"controller", cmd.Controller,
			"error", err,
		)
	}

	h.sendResponse(resp)
}

func (h *Handler) dispatchScoped(cmd Command, fn func(string) error) error {
	if fn == nil {
		return fmt.Errorf("command %q not supported", cmd.Command)
	}
	if cmd.Controller == "" {
		return fmt.Errorf("command %q requires a controller", cmd.Command)
	}
	return fn(cmd.Controller)
}

// sendResponse publishes the ack on the control topic with an /ack suffix.
func (h *Handler) sendResponse(resp Response) {
	if h.client == nil || !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal control response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Control + "/ack"
	token := h.client.Publish(topic, h.cfg.MQTT.QoS["control"], false, data)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Warn("control response publish timeout", "topic", topic)
	}
}
