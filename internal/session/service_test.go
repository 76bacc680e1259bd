package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/call/calltest"
	"github.com/flowpbx/flowphone/internal/media"
	"github.com/flowpbx/flowphone/internal/notify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs due callbacks on the caller's
// goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
}

func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeRingtone struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (r *fakeRingtone) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *fakeRingtone) Start() error {
	r.add("start")
	return r.err
}
func (r *fakeRingtone) Pause()  { r.add("pause") }
func (r *fakeRingtone) Resume() { r.add("resume") }
func (r *fakeRingtone) Stop()   { r.add("stop") }

func (r *fakeRingtone) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeVibrator struct {
	mu        sync.Mutex
	patterns  []media.Waveform
	cancelled int
}

func (v *fakeVibrator) Vibrate(w media.Waveform) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.patterns = append(v.patterns, w)
	return nil
}

func (v *fakeVibrator) Cancel() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelled++
}

func (v *fakeVibrator) Counts() (started, cancelled int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.patterns), v.cancelled
}

type fakeRinger struct{ silent bool }

func (r fakeRinger) Silent() bool { return r.silent }

type fakeNotifier struct {
	mu        sync.Mutex
	posted    []notify.Notification
	cancelled []string
}

func (n *fakeNotifier) Post(x notify.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.posted = append(n.posted, x)
}

func (n *fakeNotifier) Cancel(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, id)
}

func (n *fakeNotifier) Kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Kind
	for _, p := range n.posted {
		out = append(out, p.Kind)
	}
	return out
}

func (n *fakeNotifier) Cancelled() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.cancelled...)
}

type fakeRevealer struct {
	mu      sync.Mutex
	reveals []string
}

func (r *fakeRevealer) RevealCallUI(id string, _ Intent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reveals = append(r.reveals, id)
}

func (r *fakeRevealer) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reveals)
}

type fakeVisibility struct{ show bool }

func (v fakeVisibility) ShouldShowCallUi() bool { return v.show }

type fixture struct {
	svc      *Service
	ctrl     *call.Controller
	clock    *fakeClock
	focus    *media.FocusManager
	ringtone *fakeRingtone
	vibrator *fakeVibrator
	notifier *fakeNotifier
	revealer *fakeRevealer
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	ctrl := call.NewController(call.Options{
		Provider: &calltest.Provider{},
		Logger:   testLogger(),
	})
	t.Cleanup(ctrl.Close)

	f := &fixture{
		ctrl:     ctrl,
		clock:    &fakeClock{now: time.Unix(1_700_000_000, 0)},
		focus:    media.NewFocusManager(testLogger()),
		ringtone: &fakeRingtone{},
		vibrator: &fakeVibrator{},
		notifier: &fakeNotifier{},
		revealer: &fakeRevealer{},
	}
	opts := Options{
		Controller:    ctrl,
		Focus:         f.focus,
		Ringtone:      f.ringtone,
		Vibrator:      f.vibrator,
		Ringer:        fakeRinger{},
		Notifications: notify.NewBuilder(notify.NewSigner([]byte("test-key-test-key-test-key-12345"), 0)),
		Notifier:      f.notifier,
		Revealer:      f.revealer,
		Clock:         f.clock,
		Logger:        testLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.svc = New(opts)
	t.Cleanup(f.svc.Stop)
	return f
}

func waitState(t *testing.T, svc *Service, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svc.Status().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session state = %v, want %v", svc.Status().State, want)
}

func incoming() Intent {
	return Intent{Direction: call.DirectionIncoming, Number: "+61400000000", ContactName: "Alice"}
}

func TestService_IncomingAlerts(t *testing.T) {
	f := newFixture(t, nil)
	f.ctrl.OnCallAdded(calltest.NewHandle("c1", "+61400000000", call.RawRinging))

	if err := f.svc.Start(incoming()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := f.svc.Status()
	if st.State != StateRingingAlert {
		t.Fatalf("state = %v, want ringing_alert", st.State)
	}
	if !st.Intent.RingingSince.Equal(f.clock.Now()) {
		t.Errorf("ringing since = %v, want %v", st.Intent.RingingSince, f.clock.Now())
	}
	if !st.FocusGranted || f.focus.Holder() != focusOwner {
		t.Error("audio focus not held")
	}
	if ev := f.ringtone.Events(); len(ev) != 1 || ev[0] != "start" {
		t.Errorf("ringtone events = %v, want [start]", ev)
	}
	f.vibrator.mu.Lock()
	patterns := f.vibrator.patterns
	f.vibrator.mu.Unlock()
	if len(patterns) != 1 || len(patterns[0].Timings) != 5 || patterns[0].Repeat != 0 {
		t.Errorf("vibration patterns = %+v", patterns)
	}
	if kinds := f.notifier.Kinds(); len(kinds) != 1 || kinds[0] != notify.KindIncoming {
		t.Errorf("notifications = %v, want [incoming]", kinds)
	}

	f.clock.Advance(DefaultRevealDelay - time.Millisecond)
	if f.revealer.Count() != 0 {
		t.Fatal("revealed before delay elapsed")
	}
	f.clock.Advance(time.Millisecond)
	if f.revealer.Count() != 1 {
		t.Errorf("reveals = %d, want 1", f.revealer.Count())
	}
}

func TestService_SilenceKeepsRinging(t *testing.T) {
	f := newFixture(t, nil)
	h := calltest.NewHandle("c1", "+61400000000", call.RawRinging)
	f.ctrl.OnCallAdded(h)
	if err := f.svc.Start(incoming()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	before := f.ctrl.Snapshot()
	f.svc.Silence()
	f.svc.Silence()
	after := f.ctrl.Snapshot()

	if before.State != call.StateRinging || after.State != before.State {
		t.Errorf("call state before/after silence = %v/%v, want ringing/ringing", before.State, after.State)
	}
	if after.Seq != before.Seq {
		t.Errorf("silence published a call snapshot (seq %d -> %d)", before.Seq, after.Seq)
	}
	if calls := h.Calls(); len(calls) != 0 {
		t.Errorf("handle calls = %v, want none", calls)
	}

	st := f.svc.Status()
	if st.State != StateRingingAlert || !st.Silenced {
		t.Errorf("status = %+v, want silenced ringing_alert", st)
	}
	if ev := f.ringtone.Events(); len(ev) != 2 || ev[1] != "stop" {
		t.Errorf("ringtone events = %v, want [start stop]", ev)
	}
	if _, cancelled := f.vibrator.Counts(); cancelled != 1 {
		t.Errorf("vibrator cancels = %d, want 1", cancelled)
	}

	f.clock.Advance(time.Second)
	if f.revealer.Count() != 0 {
		t.Error("reveal fired after silence")
	}
}

func TestService_AnswerCancelsReveal(t *testing.T) {
	f := newFixture(t, nil)
	h := calltest.NewHandle("c1", "+61400000000", call.RawRinging)
	f.ctrl.OnCallAdded(h)
	if err := f.svc.Start(incoming()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.clock.Advance(500 * time.Millisecond)
	if !f.svc.Status().RevealPending {
		t.Fatal("reveal not pending while ringing")
	}
	if !f.svc.Answer(context.Background()) {
		t.Fatal("Answer returned false")
	}
	if calls := h.Calls(); len(calls) != 1 || calls[0] != "answer" {
		t.Errorf("handle calls = %v, want [answer]", calls)
	}

	// Past the 900ms mark measured from the start of the session.
	f.clock.Advance(DefaultRevealDelay - 500*time.Millisecond)
	f.clock.Advance(time.Second)
	if f.revealer.Count() != 0 {
		t.Error("reveal fired after answer")
	}
	if f.clock.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", f.clock.Pending())
	}

	h.SetState(call.RawActive)
	waitState(t, f.svc, StateLive)

	kinds := f.notifier.Kinds()
	if len(kinds) != 2 || kinds[1] != notify.KindOngoing {
		t.Errorf("notifications = %v, want [incoming ongoing]", kinds)
	}
	if f.focus.Holder() != "" {
		t.Errorf("focus holder = %q, want released", f.focus.Holder())
	}
}

func TestService_FocusDeniedStillNotifies(t *testing.T) {
	f := newFixture(t, nil)
	excl, ok := f.focus.RequestExclusive("voip-app", nil)
	if !ok {
		t.Fatal("exclusive focus denied")
	}
	defer excl.Release()

	if err := f.svc.Start(incoming()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if st := f.svc.Status(); st.FocusGranted || st.State != StateRingingAlert {
		t.Errorf("status = %+v", st)
	}
	if ev := f.ringtone.Events(); len(ev) != 0 {
		t.Errorf("ringtone events = %v, want none", ev)
	}
	if started, _ := f.vibrator.Counts(); started != 0 {
		t.Errorf("vibration started %d times", started)
	}
	if kinds := f.notifier.Kinds(); len(kinds) != 1 {
		t.Errorf("notifications = %v, want one", kinds)
	}

	f.clock.Advance(DefaultRevealDelay)
	if f.revealer.Count() != 1 {
		t.Errorf("reveals = %d, want 1", f.revealer.Count())
	}
}

func TestService_SilentRinger(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Ringer = fakeRinger{silent: true} })
	if err := f.svc.Start(incoming()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ev := f.ringtone.Events(); len(ev) != 0 {
		t.Errorf("ringtone events = %v, want none", ev)
	}
	if kinds := f.notifier.Kinds(); len(kinds) != 1 {
		t.Errorf("notifications = %v, want one", kinds)
	}
}

func TestService_FocusLossPausesAndGainResumes(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.svc.Start(incoming()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	other, ok := f.focus.RequestTransient("navigation", nil)
	if !ok {
		t.Fatal("transient request denied")
	}
	other.Release()

	ev := f.ringtone.Events()
	want := []string{"start", "pause", "resume"}
	if len(ev) != len(want) {
		t.Fatalf("ringtone events = %v, want %v", ev, want)
	}
	for i := range want {
		if ev[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, ev[i], want[i])
		}
	}
}

func TestService_GainAfterSilenceDoesNotResume(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.svc.Start(incoming()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	other, _ := f.focus.RequestTransient("navigation", nil)
	f.svc.Silence()
	other.Release()

	for _, e := range f.ringtone.Events() {
		if e == "resume" {
			t.Fatal("ringtone resumed after silence")
		}
	}
}

func TestService_RejectAlwaysStops(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.svc.Start(incoming()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	id := f.svc.Status().ID

	// No call at the controller, so the reject itself fails.
	if f.svc.Reject(context.Background()) {
		t.Error("Reject returned true without a call")
	}
	st := f.svc.Status()
	if st.State != StateStopped {
		t.Errorf("state = %v, want stopped", st.State)
	}
	if c := f.notifier.Cancelled(); len(c) != 1 || c[0] != id {
		t.Errorf("cancelled = %v, want [%s]", c, id)
	}
	if f.focus.Holder() != "" {
		t.Error("focus not released")
	}

	f.clock.Advance(time.Second)
	if f.revealer.Count() != 0 {
		t.Error("reveal fired after reject")
	}
}

func TestService_EndStops(t *testing.T) {
	f := newFixture(t, nil)
	h := calltest.NewHandle("c1", "100", call.RawActive)
	f.ctrl.OnCallAdded(h)
	if err := f.svc.Start(Intent{Direction: call.DirectionOutgoing, Number: "100"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !f.svc.End(context.Background()) {
		t.Error("End returned false")
	}
	if calls := h.Calls(); len(calls) != 1 || calls[0] != "disconnect" {
		t.Errorf("calls = %v, want [disconnect]", calls)
	}
	if f.svc.Status().State != StateStopped {
		t.Errorf("state = %v, want stopped", f.svc.Status().State)
	}
}

func TestService_Outgoing(t *testing.T) {
	tests := []struct {
		name    string
		show    bool
		reveals int
	}{
		{"ui wanted", true, 1},
		{"ui not wanted", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(o *Options) { o.Visibility = fakeVisibility{show: tt.show} })
			if err := f.svc.Start(Intent{Direction: call.DirectionOutgoing, Number: "100"}); err != nil {
				t.Fatalf("Start: %v", err)
			}
			if st := f.svc.Status(); st.State != StateLive || st.FocusGranted {
				t.Errorf("status = %+v, want live without focus", st)
			}
			if ev := f.ringtone.Events(); len(ev) != 0 {
				t.Errorf("ringtone events = %v", ev)
			}
			if kinds := f.notifier.Kinds(); len(kinds) != 1 || kinds[0] != notify.KindOngoing {
				t.Errorf("notifications = %v, want [ongoing]", kinds)
			}

			f.clock.Advance(DefaultRevealDelay)
			if got := f.revealer.Count(); got != tt.reveals {
				t.Errorf("reveals = %d, want %d", got, tt.reveals)
			}
		})
	}
}

func TestService_StartWhileActive(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.svc.Start(incoming()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.svc.Start(incoming()); !errors.Is(err, ErrActive) {
		t.Errorf("second Start err = %v, want ErrActive", err)
	}

	f.svc.Stop()
	first := f.svc.Status().ID
	if err := f.svc.Start(incoming()); err != nil {
		t.Fatalf("Start after Stop: %v", err)
	}
	if f.svc.Status().ID == first {
		t.Error("restarted session reused the previous id")
	}
}

func TestService_StopsWhenCallRemoved(t *testing.T) {
	f := newFixture(t, nil)
	h := calltest.NewHandle("c1", "100", call.RawRinging)
	f.ctrl.OnCallAdded(h)
	if err := f.svc.Start(incoming()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.ctrl.OnCallRemoved(h)
	waitState(t, f.svc, StateStopped)

	if f.focus.Holder() != "" {
		t.Error("focus not released")
	}
	if len(f.notifier.Cancelled()) != 1 {
		t.Errorf("cancelled = %v", f.notifier.Cancelled())
	}
}

func TestService_StopsOnDisconnected(t *testing.T) {
	f := newFixture(t, nil)
	h := calltest.NewHandle("c1", "100", call.RawActive)
	f.ctrl.OnCallAdded(h)
	if err := f.svc.Start(Intent{Direction: call.DirectionOutgoing, Number: "100"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.SetState(call.RawDisconnected)
	waitState(t, f.svc, StateStopped)
}

func TestService_StopIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.Stop()
	if f.svc.Status().State != StateIdle {
		t.Errorf("state = %v, want idle", f.svc.Status().State)
	}
	if err := f.svc.Start(incoming()); err != nil {
		t.Fatal(err)
	}
	f.svc.Stop()
	f.svc.Stop()
	if n := len(f.notifier.Cancelled()); n != 1 {
		t.Errorf("cancel count = %d, want 1", n)
	}
}

func TestLauncher_StartsIncomingSession(t *testing.T) {
	f := newFixture(t, nil)
	contacts := NewContacts(map[string]string{"+61 400 000 000": "Alice"})
	l := NewLauncher(f.ctrl, f.svc, contacts, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	// Let the launcher subscribe before the call arrives.
	time.Sleep(20 * time.Millisecond)
	f.ctrl.OnCallAdded(calltest.NewHandle("c1", "+61400000000", call.RawRinging))

	waitState(t, f.svc, StateRingingAlert)
	st := f.svc.Status()
	if st.Intent.ContactName != "Alice" || st.Intent.Direction != call.DirectionIncoming {
		t.Errorf("intent = %+v", st.Intent)
	}
}

func TestLauncher_StartsOutgoingSession(t *testing.T) {
	f := newFixture(t, nil)
	l := NewLauncher(f.ctrl, f.svc, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	if err := f.ctrl.PlaceCall(context.Background(), "100", call.DefaultSimSlot); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	waitState(t, f.svc, StateLive)
	if got := f.svc.Status().Intent.Direction; got != call.DirectionOutgoing {
		t.Errorf("direction = %v, want outgoing", got)
	}
}

func TestService_RingingSince(t *testing.T) {
	preset := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	started := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name   string
		intent Intent
		want   time.Time
	}{
		{"incoming defaults to now", incoming(), started},
		{"incoming keeps caller value", Intent{Direction: call.DirectionIncoming, Number: "+61400000000", RingingSince: preset}, preset},
		{"outgoing is cleared", Intent{Direction: call.DirectionOutgoing, Number: "100", RingingSince: preset}, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			if err := f.svc.Start(tt.intent); err != nil {
				t.Fatalf("Start: %v", err)
			}
			f.clock.Advance(300 * time.Millisecond)
			if got := f.svc.Status().Intent.RingingSince; !got.Equal(tt.want) {
				t.Errorf("ringing since = %v, want %v", got, tt.want)
			}
		})
	}
}
