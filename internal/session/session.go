// Package session runs the alerting side of a call: audio focus, ringtone,
// vibration, the call notification and the decision of when to reveal the
// call UI.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/media"
	"github.com/flowpbx/flowphone/internal/notify"
)

// DefaultRevealDelay is how long after ringing starts the call UI is
// revealed if the user has not acted on the notification.
const DefaultRevealDelay = 900 * time.Millisecond

// ErrActive is returned by Start while a session is running.
var ErrActive = errors.New("session: already active")

// State is the lifecycle state of a session.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRingingAlert
	StateLive
	StateStopped
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRingingAlert:
		return "ringing_alert"
	case StateLive:
		return "live"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Intent describes the call a session is started for.
type Intent struct {
	Direction   call.Direction `json:"direction"`
	Number      string         `json:"number"`
	ContactName string         `json:"contact_name,omitempty"`

	// RingingSince is when an incoming call started ringing. It is zero for
	// outgoing calls.
	RingingSince time.Time `json:"ringing_since,omitzero"`
}

func (i Intent) caller() notify.Caller {
	return notify.Caller{Number: i.Number, ContactName: i.ContactName}
}

// Status is a snapshot of the session.
type Status struct {
	ID            string `json:"id,omitempty"`
	State         State  `json:"state"`
	Intent        Intent `json:"intent"`
	Silenced      bool   `json:"silenced"`
	FocusGranted  bool   `json:"focus_granted"`
	RevealPending bool   `json:"reveal_pending"`
}

// CallControl is the part of the call controller the session uses.
type CallControl interface {
	Watch() (<-chan call.Snapshot, func())
	AnswerCall(ctx context.Context) bool
	RejectCall(ctx context.Context, withMessage bool, text string) bool
	EndCall(ctx context.Context) bool
}

// AudioFocus arbitrates audio output between owners.
type AudioFocus interface {
	RequestTransient(owner string, onChange func(media.FocusChange)) (*media.FocusGrant, bool)
}

// Ringtone is a looping alert sound.
type Ringtone interface {
	Start() error
	Pause()
	Resume()
	Stop()
}

// Vibrator plays haptic patterns.
type Vibrator interface {
	Vibrate(w media.Waveform) error
	Cancel()
}

// RingerMode reports whether the device is silenced.
type RingerMode interface {
	Silent() bool
}

// Notifications builds the call notifications.
type Notifications interface {
	Incoming(sessionID string, c notify.Caller) (notify.Notification, error)
	Ongoing(sessionID string, c notify.Caller) (notify.Notification, error)
}

// Notifier shows and removes notifications. Both calls must return
// without waiting for delivery.
type Notifier interface {
	Post(n notify.Notification)
	Cancel(id string)
}

// Revealer brings the interactive call UI to the foreground.
type Revealer interface {
	RevealCallUI(sessionID string, intent Intent)
}

// UIVisibility decides whether an outgoing call should show its UI.
type UIVisibility interface {
	ShouldShowCallUi() bool
}

// AlwaysShow is a UIVisibility that always reveals.
type AlwaysShow struct{}

func (AlwaysShow) ShouldShowCallUi() bool { return true }

// Timer is a pending one-shot callback.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
