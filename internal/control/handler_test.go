package control

import (
	"fmt"
	"testing"

	"github.com/e7canasta/sensegate/internal/config"
)

// testHandler builds a handler with no MQTT client; sendResponse is a no-op
// without one, so handleCommand can be exercised directly.
func testHandler(callbacks CommandCallbacks) *Handler {
	cfg := &config.Config{
		InstanceID: "test",
		MQTT: config.MQTTConfig{
			Topics: config.MQTTTopics{Control: "sense/control/test"},
			QoS:    map[string]byte{"control": 1},
		},
	}
	return NewHandler(cfg, nil, callbacks)
}

func TestHandleCommandDispatch(t *testing.T) {
	type call struct {
		command    string
		controller string
	}
	var calls []call
	record := func(command string) func(string) error {
		return func(controller string) error {
			calls = append(calls, call{command, controller})
			return nil
		}
	}

	shutdowns := 0
	h := testHandler(CommandCallbacks{
		OnGetStatus:  func() map[string]any { return map[string]any{"running": true} },
		OnActivate:   record("activate"),
		OnDeactivate: record("deactivate"),
		OnTrigger:    record("trigger"),
		OnShutdown: func() error {
			shutdowns++
			return nil
		},
	})

	h.handleCommand(Command{Command: "activate", Controller: "camera"})
	h.handleCommand(Command{Command: "deactivate", Controller: "microphone"})
	h.handleCommand(Command{Command: "trigger", Controller: "camera"})
	h.handleCommand(Command{Command: "shutdown"})

	want := []call{
		{"activate", "camera"},
		{"deactivate", "microphone"},
		{"trigger", "camera"},
	}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call[%d] = %v, want %v", i, calls[i], want[i])
		}
	}
	if shutdowns != 1 {
		t.Errorf("shutdown calls = %d, want 1", shutdowns)
	}
}

func TestHandleCommandScopedRequiresController(t *testing.T) {
	invoked := false
	h := testHandler(CommandCallbacks{
		OnActivate: func(string) error {
			invoked = true
			return nil
		},
	})

	h.handleCommand(Command{Command: "activate"})
	if invoked {
		t.Error("activate callback invoked without a controller scope")
	}
}

func TestDispatchScoped(t *testing.T) {
	h := testHandler(CommandCallbacks{})

	if err := h.dispatchScoped(Command{Command: "trigger"}, nil); err == nil {
		t.Error("nil callback accepted")
	}
	if err := h.dispatchScoped(Command{Command: "trigger", Controller: ""}, func(string) error { return nil }); err == nil {
		t.Error("empty controller accepted")
	}
	wantErr := fmt.Errorf("boom")
	err := h.dispatchScoped(Command{Command: "trigger", Controller: "camera"}, func(c string) error {
		if c != "camera" {
			t.Errorf("controller = %q, want camera", c)
		}
		return wantErr
	})
	if err != wantErr {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestHandleCommandUnknown(t *testing.T) {
	h := testHandler(CommandCallbacks{})
	// Must not panic or invoke anything; the error path only affects the ack.
	h.handleCommand(Command{Command: "reboot"})
}

// testMessage is a minimal mqtt.Message for driving messageHandler directly.
type testMessage struct {
	payload []byte
}

func (m testMessage) Duplicate() bool   { return false }
func (m testMessage) Qos() byte         { return 1 }
func (m testMessage) Retained() bool    { return false }
func (m testMessage) Topic() string     { return "sense/control/test" }
func (m testMessage) MessageID() uint16 { return 0 }
func (m testMessage) Payload() []byte   { return m.payload }
func (m testMessage) Ack()              {}

// TestMessageHandlerAfterStop: a router delivery arriving after Stop must be
// discarded, not sent into the closed command channel.
func TestMessageHandlerAfterStop(t *testing.T) {
	h := testHandler(CommandCallbacks{})

	msg := testMessage{payload: []byte(`{"command":"activate","controller":"camera"}`)}
	h.messageHandler(nil, msg)
	select {
	case cmd := <-h.commands:
		if cmd.Command != "activate" {
			t.Fatalf("queued command = %q, want activate", cmd.Command)
		}
	default:
		t.Fatal("command not queued before Stop")
	}

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	// Would panic on the closed channel without the stopped guard.
	h.messageHandler(nil, msg)
}
