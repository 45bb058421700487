package capture

// Mode is the power/activity state of a device controller.
type Mode int

const (
	// ModeIdle means the device is powered down or unopened.
	ModeIdle Mode = iota
	// ModeActive means the device is open and producing samples.
	ModeActive
)

// String returns a human-readable mode name.
func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeActive:
		return "active"
	default:
		return "unknown"
	}
}

// Event is a mode transition trigger.
type Event int

const (
	// EventActivate requests Idle → Active.
	EventActivate Event = iota
	// EventDeactivate requests Active → Idle.
	EventDeactivate
	// EventShutdown is terminal and reachable from any state.
	EventShutdown
)

// Action is the entry/exit work a transition demands from the controller.
type Action int

const (
	// ActionNone: event ignored in the current state, nothing to do.
	ActionNone Action = iota
	// ActionOpen: open the capture session and compute the schedule.
	ActionOpen
	// ActionRelease: release the capture session.
	ActionRelease
)

// Machine is the shared two-state mode machine of both controllers.
//
// It decides transitions; the controllers execute the returned Action.
// Events not listed for the current state return ActionNone (e.g. a
// deactivate signal while Idle is ignored). After EventShutdown the machine
// is terminal: every further event returns ActionNone.
//
// Not thread-safe: lives on the timeline like the controllers that own it.
type Machine struct {
	mode       Mode
	terminated bool
}

// NewMachine returns a machine in the given initial mode.
//
// The initial mode is configuration-dependent (active_at_startup); the
// controller that starts Active is still responsible for executing the
// ActionOpen work itself during startup.
func NewMachine(initial Mode) *Machine {
	return &Machine{mode: initial}
}

// Mode returns the current mode.
func (m *Machine) Mode() Mode {
	return m.mode
}

// Terminated reports whether EventShutdown has been applied.
func (m *Machine) Terminated() bool {
	return m.terminated
}

// Apply fires an event and returns the action the controller must perform.
//
// Transition table:
//
//	Idle   + activate   → Active  (ActionOpen)
//	Active + deactivate → Idle    (ActionRelease)
//	any    + shutdown   → terminal (ActionRelease if a session is held)
//
// Shutdown returns ActionRelease only from Active; releasing from Idle would
// be a double release. Session release itself stays idempotent regardless.
func (m *Machine) Apply(ev Event) Action {
	if m.terminated {
		return ActionNone
	}

	switch ev {
	case EventActivate:
		if m.mode == ModeIdle {
			m.mode = ModeActive
			return ActionOpen
		}
	case EventDeactivate:
		if m.mode == ModeActive {
			m.mode = ModeIdle
			return ActionRelease
		}
	case EventShutdown:
		m.terminated = true
		if m.mode == ModeActive {
			m.mode = ModeIdle
			return ActionRelease
		}
	}
	return ActionNone
}
