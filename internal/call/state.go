package call

import "fmt"

// CallState represents the lifecycle state of the single active call.
type CallState int

const (
	StateIdle CallState = iota
	// StateInit is a call the provider has created but not yet started.
	// External observers see it as StateIdle.
	StateInit
	StateDialing
	StateRinging
	StateActive
	StateDisconnected
)

// String returns the string representation of the state.
func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInit:
		return "init"
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText lets snapshots encode states by name.
func (s CallState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Observable returns the state as reported to components outside the
// controller.
func (s CallState) Observable() CallState {
	if s == StateInit {
		return StateIdle
	}
	return s
}

// validTransitions lists the transitions the platform is expected to drive.
// Provider events are authoritative, so a transition outside this table is
// logged but still applied.
var validTransitions = map[CallState][]CallState{
	StateIdle:         {StateInit, StateDialing, StateRinging},
	StateInit:         {StateDialing, StateRinging, StateActive, StateDisconnected},
	StateDialing:      {StateActive, StateDisconnected},
	StateRinging:      {StateActive, StateDisconnected},
	StateActive:       {StateActive, StateDisconnected},
	StateDisconnected: {StateIdle},
}

// CanTransitionTo checks if a transition from the current state to next is
// one the platform normally produces.
func (s CallState) CanTransitionTo(next CallState) bool {
	if s == next {
		return true
	}
	for _, state := range validTransitions[s] {
		if state == next {
			return true
		}
	}
	return false
}

// RawState is the call state as reported by the provider.
type RawState int

const (
	RawNew RawState = iota
	RawDialing
	RawRinging
	RawHolding
	RawActive
	RawDisconnected
	RawSelectPhoneAccount
	RawConnecting
	RawDisconnecting
	RawPulling
	RawAudioProcessing
	RawSimulatedRinging
)

var rawStateNames = map[RawState]string{
	RawNew:                "NEW",
	RawDialing:            "DIALING",
	RawRinging:            "RINGING",
	RawHolding:            "HOLDING",
	RawActive:             "ACTIVE",
	RawDisconnected:       "DISCONNECTED",
	RawSelectPhoneAccount: "SELECT_PHONE_ACCOUNT",
	RawConnecting:         "CONNECTING",
	RawDisconnecting:      "DISCONNECTING",
	RawPulling:            "PULLING",
	RawAudioProcessing:    "AUDIO_PROCESSING",
	RawSimulatedRinging:   "SIMULATED_RINGING",
}

// String returns the provider's name for the raw state.
func (r RawState) String() string {
	if name, ok := rawStateNames[r]; ok {
		return name
	}
	return fmt.Sprintf("RAW(%d)", int(r))
}

// MapRawState converts a provider state into the controller's state and the
// hold flag. It is total: states with no specific mapping become StateIdle.
func MapRawState(raw RawState) (state CallState, onHold bool) {
	switch raw {
	case RawNew:
		return StateInit, false
	case RawDialing, RawConnecting, RawSelectPhoneAccount:
		return StateDialing, false
	case RawRinging, RawSimulatedRinging:
		return StateRinging, false
	case RawHolding:
		return StateActive, true
	case RawActive:
		return StateActive, false
	case RawDisconnected, RawDisconnecting:
		return StateDisconnected, false
	default:
		return StateIdle, false
	}
}
