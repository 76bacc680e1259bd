// Package fallback keeps a loose view of phone activity from coarse
// ring/off-hook/idle broadcasts. It is a hint for UI paths that do not own
// the call; it never alerts and never drives the call controller.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Broadcast is a coarse phone-state value.
type Broadcast string

const (
	BroadcastRinging Broadcast = "RINGING"
	BroadcastOffhook Broadcast = "OFFHOOK"
	BroadcastIdle    Broadcast = "IDLE"
)

// ParseBroadcast accepts a broadcast name in any case.
func ParseBroadcast(s string) (Broadcast, error) {
	switch b := Broadcast(strings.ToUpper(strings.TrimSpace(s))); b {
	case BroadcastRinging, BroadcastOffhook, BroadcastIdle:
		return b, nil
	default:
		return "", fmt.Errorf("unknown phone state %q", s)
	}
}

// Signal is one received broadcast.
type Signal struct {
	State  Broadcast
	Number string
}

// Kind is the shape of the derived model.
type Kind string

const (
	KindNoCall  Kind = "no_call"
	KindRinging Kind = "ringing"
	KindActive  Kind = "active"
)

// Model is the listener's view of the phone. StartedAt is set while
// ringing, ConnectedAt while active.
type Model struct {
	Kind        Kind       `json:"kind"`
	Number      string     `json:"number,omitempty"`
	ContactName string     `json:"contact_name,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
}

// Source delivers broadcasts until ctx is done or the source fails. The
// returned channel is closed when delivery ends.
type Source interface {
	Subscribe(ctx context.Context) (<-chan Signal, error)
}

// ContactResolver maps a number to a display name, or "".
type ContactResolver interface {
	Resolve(ctx context.Context, number string) string
}

const watchBuffer = 8

// Listener derives a Model from broadcasts.
type Listener struct {
	contacts ContactResolver
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	model Model
	subs  map[chan Model]struct{}
}

// NewListener creates a listener in the NoCall state. contacts may be nil.
func NewListener(contacts ContactResolver, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		contacts: contacts,
		logger:   logger.With("subsystem", "fallback-listener"),
		now:      time.Now,
		model:    Model{Kind: KindNoCall},
		subs:     make(map[chan Model]struct{}),
	}
}

// Run applies broadcasts from source until ctx is done or the source
// closes its channel.
func (l *Listener) Run(ctx context.Context, source Source) error {
	signals, err := source.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to phone state: %w", err)
	}
	l.logger.Info("fallback listener started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				l.logger.Info("phone state source closed")
				return nil
			}
			l.Apply(ctx, sig)
		}
	}
}

// Apply folds one broadcast into the model.
func (l *Listener) Apply(ctx context.Context, sig Signal) {
	var name string
	if sig.Number != "" && l.contacts != nil && sig.State != BroadcastIdle {
		name = l.contacts.Resolve(ctx, sig.Number)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.model
	now := l.now()
	switch sig.State {
	case BroadcastRinging:
		l.model = Model{Kind: KindRinging, Number: sig.Number, ContactName: name, StartedAt: &now}
	case BroadcastOffhook:
		switch prev.Kind {
		case KindRinging:
			l.model = Model{Kind: KindActive, Number: prev.Number, ContactName: prev.ContactName, ConnectedAt: &now}
		case KindNoCall:
			l.model = Model{Kind: KindActive, Number: sig.Number, ContactName: name, ConnectedAt: &now}
		default:
			return
		}
	case BroadcastIdle:
		if prev.Kind == KindNoCall {
			return
		}
		l.model = Model{Kind: KindNoCall}
	default:
		l.logger.Debug("ignoring unknown phone state", "state", sig.State)
		return
	}

	l.logger.Debug("phone state changed", "from", prev.Kind, "to", l.model.Kind)
	for ch := range l.subs {
		select {
		case ch <- l.model:
		default:
		}
	}
}

// State returns the current model.
func (l *Listener) State() Model {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.model
}

// Watch returns a channel of model changes, starting with the current
// model. The caller must call cancel when done.
func (l *Listener) Watch() (<-chan Model, func()) {
	ch := make(chan Model, watchBuffer)

	l.mu.Lock()
	l.subs[ch] = struct{}{}
	ch <- l.model
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, ch)
			l.mu.Unlock()
			close(ch)
		})
	}
}
