package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/media"
)

// focusOwner is the name the session requests audio focus under.
const focusOwner = "call-session"

// Options configures a Service. Controller, Notifications and Notifier are
// required; the rest default to no-ops.
type Options struct {
	Controller    CallControl
	Focus         AudioFocus
	Ringtone      Ringtone
	Vibrator      Vibrator
	Ringer        RingerMode
	Notifications Notifications
	Notifier      Notifier
	Revealer      Revealer
	Visibility    UIVisibility

	RevealDelay time.Duration
	Waveform    media.Waveform

	Clock  Clock
	Logger *slog.Logger
	NewID  func() string
}

// Service owns the alerting resources of at most one call at a time.
//
// Incoming sessions move Idle → Starting → RingingAlert → Live → Stopped;
// outgoing sessions skip RingingAlert. Collaborators are called with the
// session lock held, so Ringtone, Vibrator and Notifier must not call back
// into the service synchronously.
type Service struct {
	ctrl          CallControl
	focus         AudioFocus
	ringtone      Ringtone
	vibrator      Vibrator
	ringer        RingerMode
	notifications Notifications
	notifier      Notifier
	revealer      Revealer
	visibility    UIVisibility
	revealDelay   time.Duration
	waveform      media.Waveform
	clock         Clock
	logger        *slog.Logger
	newID         func() string

	mu        sync.Mutex
	state     State
	gen       uint64
	id        string
	intent    Intent
	silenced  bool
	grant     *media.FocusGrant
	alerting  bool
	reveal    Timer
	stopWatch func()
}

// New creates a session service.
func New(opts Options) *Service {
	s := &Service{
		ctrl:          opts.Controller,
		focus:         opts.Focus,
		ringtone:      opts.Ringtone,
		vibrator:      opts.Vibrator,
		ringer:        opts.Ringer,
		notifications: opts.Notifications,
		notifier:      opts.Notifier,
		revealer:      opts.Revealer,
		visibility:    opts.Visibility,
		revealDelay:   opts.RevealDelay,
		waveform:      opts.Waveform,
		clock:         opts.Clock,
		logger:        opts.Logger,
		newID:         opts.NewID,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("subsystem", "call-session")
	if s.focus == nil {
		s.focus = media.NewFocusManager(s.logger)
	}
	if s.ringtone == nil {
		s.ringtone = nopRingtone{}
	}
	if s.vibrator == nil {
		s.vibrator = nopVibrator{}
	}
	if s.ringer == nil {
		s.ringer = loudRinger{}
	}
	if s.revealer == nil {
		s.revealer = logRevealer{logger: s.logger}
	}
	if s.visibility == nil {
		s.visibility = AlwaysShow{}
	}
	if s.revealDelay <= 0 {
		s.revealDelay = DefaultRevealDelay
	}
	if len(s.waveform.Timings) == 0 {
		s.waveform = media.DefaultRingWaveform()
	}
	if s.clock == nil {
		s.clock = realClock{}
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// Status returns the current session snapshot.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ID:            s.id,
		State:         s.state,
		Intent:        s.intent,
		Silenced:      s.silenced,
		FocusGranted:  s.grant != nil,
		RevealPending: s.reveal != nil,
	}
}

// Start begins a session for intent. It is allowed only from Idle or
// Stopped.
func (s *Service) Start(intent Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle && s.state != StateStopped {
		return ErrActive
	}

	switch {
	case intent.Direction != call.DirectionIncoming:
		intent.RingingSince = time.Time{}
	case intent.RingingSince.IsZero():
		intent.RingingSince = s.clock.Now()
	}

	s.gen++
	gen := s.gen
	s.id = s.newID()
	s.intent = intent
	s.silenced = false
	s.state = StateStarting

	s.logger.Info("call session starting",
		"session_id", s.id,
		"direction", intent.Direction,
		"number", intent.Number,
	)

	if intent.Direction == call.DirectionIncoming {
		s.enterRingingLocked(gen)
	} else {
		s.enterLiveLocked(gen)
	}

	updates, cancel := s.ctrl.Watch()
	s.stopWatch = cancel
	go s.follow(gen, updates)
	return nil
}

func (s *Service) enterRingingLocked(gen uint64) {
	s.state = StateRingingAlert

	grant, ok := s.focus.RequestTransient(focusOwner, func(c media.FocusChange) {
		s.onFocusChange(gen, c)
	})
	if ok {
		s.grant = grant
		if s.ringer.Silent() {
			s.logger.Info("ringer silent, not alerting", "session_id", s.id)
		} else {
			s.startAlertLocked()
		}
	} else {
		s.logger.Warn("audio focus denied, ringing without sound", "session_id", s.id)
	}

	n, err := s.notifications.Incoming(s.id, s.intent.caller())
	if err != nil {
		s.logger.Error("building incoming notification failed", "session_id", s.id, "error", err)
	} else {
		s.notifier.Post(n)
	}

	s.armRevealLocked(gen, func() bool { return s.state == StateRingingAlert }, false)
}

func (s *Service) startAlertLocked() {
	if err := s.ringtone.Start(); err != nil {
		s.logger.Warn("ringtone start failed", "session_id", s.id, "error", err)
	}
	if err := s.vibrator.Vibrate(s.waveform); err != nil {
		s.logger.Warn("vibration start failed", "session_id", s.id, "error", err)
	}
	s.alerting = true
}

func (s *Service) stopAlertLocked() {
	if !s.alerting {
		return
	}
	s.ringtone.Stop()
	s.vibrator.Cancel()
	s.alerting = false
}

func (s *Service) enterLiveLocked(gen uint64) {
	s.state = StateLive
	s.stopAlertLocked()
	if s.grant != nil {
		s.grant.Release()
		s.grant = nil
	}

	n, err := s.notifications.Ongoing(s.id, s.intent.caller())
	if err != nil {
		s.logger.Error("building ongoing notification failed", "session_id", s.id, "error", err)
	} else {
		s.notifier.Post(n)
	}

	if s.intent.Direction == call.DirectionOutgoing {
		s.armRevealLocked(gen, func() bool { return s.state == StateLive }, true)
	} else {
		s.cancelRevealLocked()
	}
	s.logger.Info("call session live", "session_id", s.id)
}

// armRevealLocked schedules the one-shot reveal. The timer handle is the
// only token that lets the callback proceed: cancelling or re-arming
// replaces it, so a superseded callback finds a different handle and exits.
func (s *Service) armRevealLocked(gen uint64, stillWanted func() bool, checkVisibility bool) {
	s.cancelRevealLocked()

	var t Timer
	t = s.clock.AfterFunc(s.revealDelay, func() {
		s.mu.Lock()
		if s.reveal != t || s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.reveal = nil
		wanted := stillWanted()
		id, intent := s.id, s.intent
		s.mu.Unlock()

		if !wanted {
			return
		}
		if checkVisibility && !s.visibility.ShouldShowCallUi() {
			s.logger.Debug("call ui not wanted for outgoing call", "session_id", id)
			return
		}
		s.logger.Info("revealing call ui", "session_id", id)
		s.revealer.RevealCallUI(id, intent)
	})
	s.reveal = t
}

func (s *Service) cancelRevealLocked() {
	if s.reveal != nil {
		s.reveal.Stop()
		s.reveal = nil
	}
}

func (s *Service) onFocusChange(gen uint64, c media.FocusChange) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen || s.state != StateRingingAlert || !s.alerting {
		return
	}
	switch c {
	case media.FocusLoss, media.FocusLossTransient:
		s.logger.Debug("audio focus lost, pausing ringtone", "change", c)
		s.ringtone.Pause()
	case media.FocusGain:
		if !s.silenced {
			s.logger.Debug("audio focus regained, resuming ringtone")
			s.ringtone.Resume()
		}
	}
}

// Silence stops the ringtone and vibration without changing state. It is
// idempotent.
func (s *Service) Silence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silenceLocked()
}

func (s *Service) silenceLocked() {
	s.cancelRevealLocked()
	if s.silenced {
		return
	}
	s.silenced = true
	s.stopAlertLocked()
	if s.state == StateRingingAlert {
		s.logger.Info("call silenced", "session_id", s.id)
	}
}

// Answer silences the alert and asks the controller to answer. The session
// goes Live when the controller reports the call active.
func (s *Service) Answer(ctx context.Context) bool {
	s.mu.Lock()
	s.silenceLocked()
	s.mu.Unlock()

	ok := s.ctrl.AnswerCall(ctx)
	if !ok {
		s.logger.Warn("answer request failed")
	}
	return ok
}

// Reject declines the call and stops the session whatever the outcome.
func (s *Service) Reject(ctx context.Context) bool {
	s.mu.Lock()
	s.cancelRevealLocked()
	s.mu.Unlock()

	ok := s.ctrl.RejectCall(ctx, false, "")
	s.Stop()
	return ok
}

// End hangs up and stops the session whatever the outcome.
func (s *Service) End(ctx context.Context) bool {
	s.mu.Lock()
	s.cancelRevealLocked()
	s.mu.Unlock()

	ok := s.ctrl.EndCall(ctx)
	s.Stop()
	return ok
}

// Stop releases every session resource. Stopping an idle or stopped
// session is a no-op.
func (s *Service) Stop() {
	s.mu.Lock()
	stopWatch := s.stopLocked()
	s.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
}

func (s *Service) stopLocked() func() {
	if s.state == StateIdle || s.state == StateStopped {
		return nil
	}
	s.gen++
	s.cancelRevealLocked()
	s.stopAlertLocked()
	if s.grant != nil {
		s.grant.Release()
		s.grant = nil
	}
	s.notifier.Cancel(s.id)
	s.state = StateStopped

	s.logger.Info("call session stopped", "session_id", s.id)

	stopWatch := s.stopWatch
	s.stopWatch = nil
	return stopWatch
}

// follow tracks the controller for the lifetime of session gen.
func (s *Service) follow(gen uint64, updates <-chan call.Snapshot) {
	seenCall := false
	for snap := range updates {
		switch snap.State {
		case call.StateActive:
			s.onCallActive(gen)
		case call.StateDisconnected:
			s.stopIfCurrent(gen)
			return
		case call.StateIdle:
			if seenCall {
				s.stopIfCurrent(gen)
				return
			}
		}
		if snap.State != call.StateIdle {
			seenCall = true
		}
	}
}

func (s *Service) onCallActive(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	if s.state == StateRingingAlert || s.state == StateStarting {
		s.enterLiveLocked(gen)
	}
}

func (s *Service) stopIfCurrent(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	stopWatch := s.stopLocked()
	s.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
}

type nopRingtone struct{}

func (nopRingtone) Start() error { return nil }
func (nopRingtone) Pause()       {}
func (nopRingtone) Resume()      {}
func (nopRingtone) Stop()        {}

type nopVibrator struct{}

func (nopVibrator) Vibrate(media.Waveform) error { return nil }
func (nopVibrator) Cancel()                      {}

type loudRinger struct{}

func (loudRinger) Silent() bool { return false }

type logRevealer struct {
	logger *slog.Logger
}

func (r logRevealer) RevealCallUI(sessionID string, intent Intent) {
	r.logger.Info("call ui reveal requested", "session_id", sessionID, "number", intent.Number)
}
