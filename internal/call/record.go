package call

import (
	"fmt"
	"strings"
	"time"
)

// DefaultSimSlot selects the platform's default outgoing account.
const DefaultSimSlot = -1

// Direction indicates who originated the call.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// CallRecord is the controller's view of one logical call attempt.
type CallRecord struct {
	// ID is a locally generated identifier, stable from the optimistic
	// DIALING record through provider confirmation.
	ID        string    `json:"id"`
	Number    string    `json:"number"`
	Direction Direction `json:"direction"`
	State     CallState `json:"state"`
	StartedAt time.Time `json:"started_at"`

	// ConnectedAt is set once, on the first transition into StateActive.
	ConnectedAt *time.Time `json:"connected_at,omitempty"`

	SimSlot int  `json:"sim_slot"`
	OnHold  bool `json:"on_hold"`

	// Optimistic is true until the provider reports the call.
	Optimistic bool `json:"optimistic"`
}

// clone returns a deep copy safe to hand to other goroutines.
func (r *CallRecord) clone() *CallRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.ConnectedAt != nil {
		t := *r.ConnectedAt
		c.ConnectedAt = &t
	}
	c.State = r.State.Observable()
	return &c
}

// markConnected records the connection time if it has not been recorded yet.
func (r *CallRecord) markConnected(at time.Time) bool {
	if r.ConnectedAt != nil {
		return false
	}
	r.ConnectedAt = &at
	return true
}

// HistoryEntry is the terminal snapshot of a call handed to the history sink.
type HistoryEntry struct {
	ID          string
	Number      string
	Direction   Direction
	StartedAt   time.Time
	ConnectedAt *time.Time
	EndedAt     time.Time
	Duration    time.Duration
	SimSlot     int
	Disposition string
}

// newHistoryEntry computes the terminal snapshot for a record removed at
// endedAt. Duration counts from connection; unanswered calls have zero
// duration.
func newHistoryEntry(r *CallRecord, endedAt time.Time) HistoryEntry {
	e := HistoryEntry{
		ID:        r.ID,
		Number:    r.Number,
		Direction: r.Direction,
		StartedAt: r.StartedAt,
		EndedAt:   endedAt,
		SimSlot:   r.SimSlot,
	}
	if r.ConnectedAt != nil {
		t := *r.ConnectedAt
		e.ConnectedAt = &t
		e.Duration = endedAt.Sub(t)
		e.Disposition = "answered"
		return e
	}
	if r.Direction == DirectionIncoming {
		e.Disposition = "missed"
	} else {
		e.Disposition = "no_answer"
	}
	return e
}

// Route is an audio output path.
type Route int

const (
	RouteEarpiece Route = 1 << iota
	RouteSpeaker
	RouteBluetooth
	RouteWiredHeadset
)

// String returns the string representation of the route.
func (r Route) String() string {
	switch r {
	case RouteEarpiece:
		return "earpiece"
	case RouteSpeaker:
		return "speaker"
	case RouteBluetooth:
		return "bluetooth"
	case RouteWiredHeadset:
		return "wired_headset"
	default:
		return fmt.Sprintf("route(%d)", int(r))
	}
}

// MarshalText encodes the route by name.
func (r Route) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ParseRoute parses a route name as produced by Route.String.
func ParseRoute(s string) (Route, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "earpiece":
		return RouteEarpiece, nil
	case "speaker":
		return RouteSpeaker, nil
	case "bluetooth":
		return RouteBluetooth, nil
	case "wired_headset", "wired-headset", "headset":
		return RouteWiredHeadset, nil
	default:
		return 0, fmt.Errorf("unknown audio route %q", s)
	}
}

// RouteSet is a bitmask of routes, matching the provider's supported-routes
// mask.
type RouteSet int

// Has reports whether the set contains r.
func (s RouteSet) Has(r Route) bool {
	return int(s)&int(r) != 0
}

// Routes lists the routes in the set in a stable order.
func (s RouteSet) Routes() []Route {
	var out []Route
	for _, r := range []Route{RouteEarpiece, RouteSpeaker, RouteBluetooth, RouteWiredHeadset} {
		if s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// MarshalJSON encodes the set as a list of route names.
func (s RouteSet) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, 4)
	for _, r := range s.Routes() {
		names = append(names, `"`+r.String()+`"`)
	}
	return []byte("[" + strings.Join(names, ",") + "]"), nil
}

// AudioRouteState is the audio output state as last reported by the provider.
type AudioRouteState struct {
	Current   Route    `json:"current"`
	Available RouteSet `json:"available"`
	Muted     bool     `json:"muted"`
}

// DefaultAudioRouteState is the state between calls.
func DefaultAudioRouteState() AudioRouteState {
	return AudioRouteState{
		Current:   RouteEarpiece,
		Available: RouteSet(RouteEarpiece | RouteSpeaker),
	}
}

// AudioStateEvent is the provider's audio-state-changed notification.
type AudioStateEvent struct {
	Route           Route
	Muted           bool
	SupportedRoutes RouteSet
}

// SimAccount describes one subscription the device can place calls with.
type SimAccount struct {
	SlotIndex      int    `json:"slot_index"`
	SubscriptionID int    `json:"subscription_id"`
	CarrierName    string `json:"carrier_name"`
	PhoneNumber    string `json:"phone_number"`

	// ProviderHandle is passed back to the provider untouched when placing
	// a call on this account.
	ProviderHandle any `json:"-"`
}

// Snapshot is a consistent copy of the controller's published state.
type Snapshot struct {
	Seq    uint64          `json:"seq"`
	State  CallState       `json:"state"`
	Record *CallRecord     `json:"record,omitempty"`
	Audio  AudioRouteState `json:"audio"`
}
