// Package bridge forwards call provider events to the call controller.
//
// The provider may start delivering events before the controller exists.
// Bridge holds a set-once reference to the controller; events that arrive
// before it is bound are dropped and counted.
package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/flowpbx/flowphone/internal/call"
)

// ErrAlreadyBound is returned by Bind when the bridge already has an intake.
var ErrAlreadyBound = errors.New("bridge: intake already bound")

// Bridge is a call.EventSink that forwards to a bound intake.
type Bridge struct {
	logger *slog.Logger

	intake  atomic.Pointer[intakeRef]
	dropped atomic.Uint64

	registerOnce sync.Once
	registerErr  error
}

type intakeRef struct {
	sink call.EventSink
}

// New creates an unbound bridge.
func New(logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{logger: logger.With("subsystem", "call-bridge")}
}

// NewBound creates a bridge already bound to intake.
func NewBound(intake call.EventSink, logger *slog.Logger) *Bridge {
	b := New(logger)
	b.intake.Store(&intakeRef{sink: intake})
	return b
}

// Bind sets the intake. It succeeds at most once.
func (b *Bridge) Bind(intake call.EventSink) error {
	if intake == nil {
		return fmt.Errorf("bridge: nil intake")
	}
	if !b.intake.CompareAndSwap(nil, &intakeRef{sink: intake}) {
		return ErrAlreadyBound
	}
	b.logger.Info("call intake bound")
	return nil
}

// Register attaches the bridge to the provider's event stream. Only the first
// call registers; later calls return the first result.
func (b *Bridge) Register(registrar call.SinkRegistrar) error {
	first := false
	b.registerOnce.Do(func() {
		first = true
		if registrar == nil {
			b.registerErr = fmt.Errorf("bridge: nil registrar")
			return
		}
		if err := registrar.RegisterSink(b); err != nil {
			b.registerErr = fmt.Errorf("registering call sink: %w", err)
		}
	})
	if !first {
		b.logger.Debug("bridge already registered with provider")
	}
	return b.registerErr
}

// Dropped returns the number of events discarded because no intake was bound.
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bridge) target(event string) call.EventSink {
	ref := b.intake.Load()
	if ref == nil {
		b.dropped.Add(1)
		b.logger.Warn("call event dropped, controller not bound", "event", event)
		return nil
	}
	return ref.sink
}

func (b *Bridge) OnCallAdded(h call.CallHandle) {
	if sink := b.target("call_added"); sink != nil {
		sink.OnCallAdded(h)
	}
}

func (b *Bridge) OnCallRemoved(h call.CallHandle) {
	if sink := b.target("call_removed"); sink != nil {
		sink.OnCallRemoved(h)
	}
}

func (b *Bridge) OnAudioStateChanged(ev call.AudioStateEvent) {
	if sink := b.target("audio_state_changed"); sink != nil {
		sink.OnAudioStateChanged(ev)
	}
}
