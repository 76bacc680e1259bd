// Package calltest provides in-memory call providers for tests.
package calltest

import (
	"context"
	"sync"

	"github.com/flowpbx/flowphone/internal/call"
)

// Handle is a scripted call.CallHandle. Tests drive it with SetState.
type Handle struct {
	id     string
	number string
	caps   call.Capability

	mu        sync.Mutex
	state     call.RawState
	listeners map[int]func(call.RawState)
	nextID    int
	calls     []string
	err       error
}

// NewHandle returns a handle in the given initial state with hold and DTMF
// capabilities.
func NewHandle(id, number string, state call.RawState) *Handle {
	return &Handle{
		id:        id,
		number:    number,
		state:     state,
		caps:      call.CapHold | call.CapDTMF,
		listeners: make(map[int]func(call.RawState)),
	}
}

func (h *Handle) ID() string     { return h.id }
func (h *Handle) Number() string { return h.number }

func (h *Handle) State() call.RawState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) Capabilities() call.Capability { return h.caps }

// SetCapabilities replaces the advertised capabilities.
func (h *Handle) SetCapabilities(caps call.Capability) { h.caps = caps }

// FailWith makes every subsequent operation return err.
func (h *Handle) FailWith(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

// SetState changes the raw state and notifies subscribers synchronously.
func (h *Handle) SetState(s call.RawState) {
	h.mu.Lock()
	h.state = s
	fns := make([]func(call.RawState), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Handle) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// Calls returns the operations invoked on the handle, in order.
func (h *Handle) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.calls))
	copy(out, h.calls)
	return out
}

func (h *Handle) Subscribe(fn func(call.RawState)) call.Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	return &subscription{h: h, id: id}
}

func (h *Handle) record(op string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, op)
	return h.err
}

func (h *Handle) Answer(context.Context) error { return h.record("answer") }

func (h *Handle) Reject(_ context.Context, withMessage bool, _ string) error {
	if withMessage {
		return h.record("reject_with_message")
	}
	return h.record("reject")
}

func (h *Handle) Disconnect(context.Context) error { return h.record("disconnect") }
func (h *Handle) Hold(context.Context) error       { return h.record("hold") }
func (h *Handle) Unhold(context.Context) error     { return h.record("unhold") }

func (h *Handle) PlayDtmf(_ context.Context, digit rune) error {
	return h.record("dtmf:" + string(digit))
}

type subscription struct {
	h    *Handle
	id   int
	once sync.Once
}

func (s *subscription) Release() {
	s.once.Do(func() {
		s.h.mu.Lock()
		delete(s.h.listeners, s.id)
		s.h.mu.Unlock()
	})
}

// Provider is a call.Provider that records requests. It can optionally
// confirm placed calls through a registered sink.
type Provider struct {
	mu       sync.Mutex
	placed   []string
	opts     []call.PlaceOptions
	muted    []bool
	routes   []call.Route
	placeErr error
	sink     call.EventSink

	// OnPlace, when set, runs synchronously inside Place.
	OnPlace func(uri string)
}

// FailPlace makes Place return err.
func (p *Provider) FailPlace(err error) {
	p.mu.Lock()
	p.placeErr = err
	p.mu.Unlock()
}

func (p *Provider) Place(_ context.Context, uri string, opts call.PlaceOptions) error {
	p.mu.Lock()
	if p.placeErr != nil {
		err := p.placeErr
		p.mu.Unlock()
		return err
	}
	p.placed = append(p.placed, uri)
	p.opts = append(p.opts, opts)
	hook := p.OnPlace
	p.mu.Unlock()

	if hook != nil {
		hook(uri)
	}
	return nil
}

func (p *Provider) SetMuted(_ context.Context, muted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = append(p.muted, muted)
	return nil
}

func (p *Provider) SetAudioRoute(_ context.Context, route call.Route) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes = append(p.routes, route)
	return nil
}

func (p *Provider) RegisterSink(sink call.EventSink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
	return nil
}

// Sink returns the registered event sink, if any.
func (p *Provider) Sink() call.EventSink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sink
}

// Placed returns the URIs passed to Place.
func (p *Provider) Placed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.placed))
	copy(out, p.placed)
	return out
}

// PlaceOptions returns the options passed to Place.
func (p *Provider) PlaceOptions() []call.PlaceOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]call.PlaceOptions, len(p.opts))
	copy(out, p.opts)
	return out
}

// MuteRequests returns the values passed to SetMuted.
func (p *Provider) MuteRequests() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bool, len(p.muted))
	copy(out, p.muted)
	return out
}

// RouteRequests returns the routes passed to SetAudioRoute.
func (p *Provider) RouteRequests() []call.Route {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]call.Route, len(p.routes))
	copy(out, p.routes)
	return out
}

// Permissions is a mutable call.Permissions.
type Permissions struct {
	mu    sync.Mutex
	call  bool
	phone bool
}

// NewPermissions returns permissions with both grants set as given.
func NewPermissions(callPerm, phonePerm bool) *Permissions {
	return &Permissions{call: callPerm, phone: phonePerm}
}

func (p *Permissions) HasCallPermission() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.call
}

func (p *Permissions) HasPhonePermission() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phone
}

// Set replaces both grants.
func (p *Permissions) Set(callPerm, phonePerm bool) {
	p.mu.Lock()
	p.call, p.phone = callPerm, phonePerm
	p.mu.Unlock()
}

// History collects history entries.
type History struct {
	mu      sync.Mutex
	entries []call.HistoryEntry
}

func (h *History) Record(e call.HistoryEntry) {
	h.mu.Lock()
	h.entries = append(h.entries, e)
	h.mu.Unlock()
}

// Entries returns the recorded entries.
func (h *History) Entries() []call.HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]call.HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Sims is a static call.SimSource.
type Sims []call.SimAccount

func (s Sims) SimAccounts(context.Context) ([]call.SimAccount, error) {
	return s, nil
}
