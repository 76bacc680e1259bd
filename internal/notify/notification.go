// Package notify builds call notifications, signs their actions and delivers
// them to the user's devices.
package notify

import (
	"fmt"
	"time"
)

// Kind distinguishes the two call notifications.
type Kind string

const (
	KindIncoming Kind = "incoming"
	KindOngoing  Kind = "ongoing"
)

// ActionName identifies a notification action.
type ActionName string

const (
	ActionAnswer  ActionName = "answer"
	ActionDecline ActionName = "decline"
	ActionSilence ActionName = "silence"
	ActionEnd     ActionName = "end"
)

// Valid reports whether a is a known action.
func (a ActionName) Valid() bool {
	switch a {
	case ActionAnswer, ActionDecline, ActionSilence, ActionEnd:
		return true
	}
	return false
}

// Action is a button on a notification. Token authorizes the action when it
// is sent back to the control API.
type Action struct {
	Name  ActionName `json:"name"`
	Label string     `json:"label"`
	Token string     `json:"token"`
}

// Notification is the platform-neutral description of a call alert.
// Notifications with the same ID replace each other.
type Notification struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	Category string `json:"category"`
	Title    string `json:"title"`
	Text     string `json:"text"`

	// Ambient notifications carry no sound or vibration of their own.
	Ambient bool `json:"ambient"`
	Ongoing bool `json:"ongoing"`

	// FullScreen asks the device to reveal the call UI directly.
	FullScreen bool `json:"full_screen"`

	// Public is the content-suppressed version shown where the content
	// must stay hidden, such as a locked screen.
	Public *Notification `json:"public,omitempty"`

	Actions  []Action  `json:"actions"`
	PostedAt time.Time `json:"posted_at"`
}

// Caller identifies the remote party of a call.
type Caller struct {
	Number      string
	ContactName string
}

func (c Caller) display() string {
	switch {
	case c.ContactName != "":
		return c.ContactName
	case c.Number != "":
		return c.Number
	default:
		return "Unknown caller"
	}
}

// Builder produces call notifications with signed actions.
type Builder struct {
	signer *Signer
	now    func() time.Time
}

// NewBuilder creates a builder that signs actions with signer.
func NewBuilder(signer *Signer) *Builder {
	return &Builder{signer: signer, now: time.Now}
}

// Incoming builds the ringing notification with Answer, Decline and Silence
// actions and a full-screen reveal.
func (b *Builder) Incoming(sessionID string, c Caller) (Notification, error) {
	actions, err := b.actions(sessionID,
		Action{Name: ActionAnswer, Label: "Answer"},
		Action{Name: ActionDecline, Label: "Decline"},
		Action{Name: ActionSilence, Label: "Silence"},
	)
	if err != nil {
		return Notification{}, err
	}
	return Notification{
		ID:         sessionID,
		Kind:       KindIncoming,
		Category:   "call",
		Title:      c.display(),
		Text:       "Incoming call",
		Ambient:    true,
		FullScreen: true,
		Public: &Notification{
			ID:       sessionID,
			Kind:     KindIncoming,
			Category: "call",
			Title:    "Incoming call",
		},
		Actions:  actions,
		PostedAt: b.now(),
	}, nil
}

// Ongoing builds the in-call notification with an End action.
func (b *Builder) Ongoing(sessionID string, c Caller) (Notification, error) {
	actions, err := b.actions(sessionID, Action{Name: ActionEnd, Label: "End"})
	if err != nil {
		return Notification{}, err
	}
	return Notification{
		ID:       sessionID,
		Kind:     KindOngoing,
		Category: "call",
		Title:    c.display(),
		Text:     "Call in progress",
		Ambient:  true,
		Ongoing:  true,
		Public: &Notification{
			ID:       sessionID,
			Kind:     KindOngoing,
			Category: "call",
			Title:    "Call in progress",
			Ongoing:  true,
		},
		Actions:  actions,
		PostedAt: b.now(),
	}, nil
}

func (b *Builder) actions(sessionID string, actions ...Action) ([]Action, error) {
	for i := range actions {
		token, err := b.signer.Sign(sessionID, actions[i].Name)
		if err != nil {
			return nil, fmt.Errorf("signing %s action: %w", actions[i].Name, err)
		}
		actions[i].Token = token
	}
	return actions, nil
}
