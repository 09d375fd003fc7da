package plugin

import "fmt"

// HealthState is the supervisor's view of one plugin
type HealthState uint8

const (
	StateStarting HealthState = iota
	StateReady
	StateDegraded
	StateCrashed
	StateRestarting
	StateStopped
)

// String returns the state name
func (s HealthState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateCrashed:
		return "crashed"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *HealthState) UnmarshalText(text []byte) error {
	for st := StateStarting; st <= StateStopped; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown plugin state %q", text)
}

// Running reports whether the plugin has a registered, live process.
func (s HealthState) Running() bool {
	return s == StateReady || s == StateDegraded
}

var transitions = map[HealthState][]HealthState{
	StateStarting:   {StateReady, StateCrashed, StateStopped},
	StateReady:      {StateDegraded, StateCrashed, StateStopped},
	StateDegraded:   {StateReady, StateCrashed, StateStopped},
	StateCrashed:    {StateRestarting, StateStopped},
	StateRestarting: {StateStarting, StateStopped},
	StateStopped:    {StateStarting},
}

// CanTransition reports whether from -> to is a legal supervisor transition
func CanTransition(from, to HealthState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
