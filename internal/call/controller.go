package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultDialTimeout bounds how long an optimistic DIALING record may wait
// for the provider to report the call before it is retracted.
const defaultDialTimeout = 30 * time.Second

// Options configures a Controller. Provider may be nil, in which case
// PlaceCall reports ProviderUnavailable.
type Options struct {
	Provider    Provider
	Permissions Permissions
	History     HistorySink
	Sims        SimSource

	// Region is the ISO 3166 region used to canonicalize national numbers.
	Region string

	DialTimeout time.Duration
	Logger      *slog.Logger

	// Now and NewID are test seams.
	Now   func() time.Time
	NewID func() string
}

// Controller is the authoritative call state machine. It owns the current
// CallRecord, CallState and AudioRouteState; every mutation is serialized
// through mu. Provider calls are made outside the lock.
type Controller struct {
	provider    Provider
	perms       Permissions
	history     HistorySink
	sims        SimSource
	region      string
	dialTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
	stream      *broadcaster

	mu          sync.Mutex
	state       CallState
	record      *CallRecord
	audio       AudioRouteState
	handle      CallHandle
	raw         RawState
	sub         Subscription
	pendingSlot int
	dialTimer   *time.Timer
	accounts    []SimAccount
	seq         uint64
}

// NewController creates a controller and loads the SIM inventory.
func NewController(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("subsystem", "call-controller")

	c := &Controller{
		provider:    opts.Provider,
		perms:       opts.Permissions,
		history:     opts.History,
		sims:        opts.Sims,
		region:      opts.Region,
		dialTimeout: opts.DialTimeout,
		logger:      logger,
		now:         opts.Now,
		newID:       opts.NewID,
		stream:      newBroadcaster(logger),
		state:       StateIdle,
		audio:       DefaultAudioRouteState(),
		pendingSlot: DefaultSimSlot,
	}
	if c.perms == nil {
		c.perms = AllowAll{}
	}
	if c.history == nil {
		c.history = discardHistory{}
	}
	if c.region == "" {
		c.region = "US"
	}
	if c.dialTimeout <= 0 {
		c.dialTimeout = defaultDialTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.RefreshSimAccounts(ctx); err != nil {
		c.logger.Warn("initial sim inventory load failed", "error", err)
	}
	return c
}

// Snapshot returns the current published state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Watch returns a channel of snapshots, starting with the current one. The
// caller must call cancel when done.
func (c *Controller) Watch() (<-chan Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, cancel := c.stream.subscribe()
	c.stream.publishTo(ch, c.snapshotLocked())
	return ch, cancel
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Seq:    c.seq,
		State:  c.state.Observable(),
		Record: c.record.clone(),
		Audio:  c.audio,
	}
}

func (c *Controller) publishLocked() {
	c.seq++
	c.stream.publish(c.snapshotLocked())
}

// PlaceCall normalizes number and asks the provider to dial it. On success
// a DIALING record is published before the provider confirms the call.
func (c *Controller) PlaceCall(ctx context.Context, number string, simSlot int) error {
	if !c.perms.HasCallPermission() || !c.perms.HasPhonePermission() {
		c.logger.Warn("place call refused, permission not granted")
		return placeErr(CodePermissionDenied, "call permission not granted")
	}

	normalized := NormalizeNumber(number, c.region)
	if normalized == "" {
		return placeErr(CodeInvalidNumber, "number has no dialable digits")
	}
	if c.provider == nil {
		return placeErr(CodeProviderUnavailable, "no call provider registered")
	}

	c.mu.Lock()
	if c.handle != nil {
		c.mu.Unlock()
		return placeErr(CodeUnknown, "call already in progress")
	}
	account, slot := c.accountForSlotLocked(simSlot)
	c.pendingSlot = slot
	c.mu.Unlock()

	var accountHandle any
	if account != nil {
		accountHandle = account.ProviderHandle
	}

	err := guard("place", func() error {
		return c.provider.Place(ctx, "tel:"+normalized, PlaceOptions{AccountHandle: accountHandle})
	})
	if err != nil {
		c.logger.Warn("provider rejected place request", "number", normalized, "error", err)
		return classifyProviderErr(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// The provider may already have reported the call while Place ran.
	if c.handle != nil {
		return nil
	}

	c.stopDialTimerLocked()
	rec := &CallRecord{
		ID:         c.newID(),
		Number:     normalized,
		Direction:  DirectionOutgoing,
		State:      StateDialing,
		StartedAt:  c.now(),
		SimSlot:    slot,
		Optimistic: true,
	}
	c.record = rec
	c.state = StateDialing
	c.armDialTimerLocked(rec.ID)
	c.publishLocked()

	c.logger.Info("call placed", "record_id", rec.ID, "number", normalized, "sim_slot", slot)
	return nil
}

func (c *Controller) accountForSlotLocked(slot int) (*SimAccount, int) {
	if slot == DefaultSimSlot {
		return nil, DefaultSimSlot
	}
	for i := range c.accounts {
		if c.accounts[i].SlotIndex == slot {
			acct := c.accounts[i]
			return &acct, slot
		}
	}
	c.logger.Warn("unknown sim slot, using default account", "sim_slot", slot)
	return nil, DefaultSimSlot
}

func (c *Controller) armDialTimerLocked(recordID string) {
	c.dialTimer = time.AfterFunc(c.dialTimeout, func() {
		c.retractOptimistic(recordID)
	})
}

func (c *Controller) stopDialTimerLocked() {
	if c.dialTimer != nil {
		c.dialTimer.Stop()
		c.dialTimer = nil
	}
}

// retractOptimistic clears an optimistic record the provider never
// confirmed.
func (c *Controller) retractOptimistic(recordID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != nil || c.record == nil || !c.record.Optimistic || c.record.ID != recordID {
		return
	}
	c.logger.Warn("provider never confirmed outgoing call, retracting",
		"record_id", recordID,
		"number", c.record.Number,
		"timeout", c.dialTimeout,
	)
	c.clearLocked()
	c.publishLocked()
}

func (c *Controller) clearLocked() {
	c.stopDialTimerLocked()
	c.record = nil
	c.state = StateIdle
	c.audio = DefaultAudioRouteState()
	c.pendingSlot = DefaultSimSlot
}

// OnCallAdded captures a new provider call. Only one call is tracked; a
// second concurrent call is left to the provider.
func (c *Controller) OnCallAdded(h CallHandle) {
	if h == nil {
		return
	}
	raw := h.State()
	number := h.Number()
	id := h.ID()

	c.mu.Lock()
	if c.handle != nil {
		current := c.handle.ID()
		c.mu.Unlock()
		if current == id {
			c.logger.Debug("duplicate call-added ignored", "call_id", id)
		} else {
			c.logger.Warn("second concurrent call not tracked", "call_id", id, "current_call_id", current)
		}
		return
	}

	direction := DirectionOutgoing
	if raw == RawRinging || raw == RawSimulatedRinging {
		direction = DirectionIncoming
	}

	rec := c.record
	if rec != nil && rec.Optimistic && direction == DirectionOutgoing {
		rec.Optimistic = false
		if rec.Number == "" {
			rec.Number = number
		}
	} else {
		if rec != nil {
			c.logger.Warn("superseding unconfirmed outgoing record", "record_id", rec.ID)
		}
		slot := DefaultSimSlot
		if direction == DirectionOutgoing {
			slot = c.pendingSlot
		}
		rec = &CallRecord{
			ID:        c.newID(),
			Number:    number,
			Direction: direction,
			StartedAt: c.now(),
			SimSlot:   slot,
		}
		c.state = StateIdle
	}
	c.stopDialTimerLocked()
	c.record = rec
	c.handle = h
	c.applyRawLocked(raw)
	c.publishLocked()
	c.mu.Unlock()

	c.logger.Info("call added",
		"call_id", id,
		"record_id", rec.ID,
		"direction", direction,
		"raw_state", raw,
	)

	sub := h.Subscribe(func(s RawState) {
		c.onHandleState(id, s)
	})

	c.mu.Lock()
	if c.handle != nil && c.handle.ID() == id && c.sub == nil {
		c.sub = sub
		sub = nil
		// A transition between the first State read and Subscribe was
		// never delivered to the callback.
		if latest := h.State(); latest != c.raw {
			c.logger.Debug("call state changed while subscribing", "call_id", id, "raw_state", latest)
			c.applyRawLocked(latest)
			c.publishLocked()
		}
	}
	c.mu.Unlock()

	// The call was removed while subscribing.
	if sub != nil {
		sub.Release()
	}
}

func (c *Controller) onHandleState(callID string, raw RawState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle == nil || c.handle.ID() != callID {
		c.logger.Debug("state change for untracked call ignored", "call_id", callID, "raw_state", raw)
		return
	}
	c.applyRawLocked(raw)
	c.publishLocked()
}

// applyRawLocked maps a provider state onto the current record.
func (c *Controller) applyRawLocked(raw RawState) {
	next, onHold := MapRawState(raw)
	prev := c.state
	c.raw = raw
	if !prev.CanTransitionTo(next) {
		c.logger.Warn("unexpected call state transition applied",
			"from", prev,
			"to", next,
			"raw_state", raw,
		)
	}
	c.state = next
	c.record.State = next
	c.record.OnHold = onHold
	if next == StateActive && c.record.markConnected(c.now()) {
		c.logger.Info("call connected", "record_id", c.record.ID)
	}
}

// OnCallRemoved finalizes the tracked call: the subscription is released,
// the terminal record goes to the history sink and state resets to idle.
// Removing a handle that is not tracked is a no-op.
func (c *Controller) OnCallRemoved(h CallHandle) {
	if h == nil {
		return
	}
	id := h.ID()

	c.mu.Lock()
	if c.handle == nil || c.handle.ID() != id || c.record == nil {
		c.mu.Unlock()
		c.logger.Debug("call-removed for untracked call ignored", "call_id", id)
		return
	}
	sub := c.sub
	entry := newHistoryEntry(c.record, c.now())
	c.sub = nil
	c.handle = nil
	c.clearLocked()
	c.publishLocked()
	c.mu.Unlock()

	if sub != nil {
		sub.Release()
	}
	c.history.Record(entry)

	c.logger.Info("call removed",
		"call_id", id,
		"record_id", entry.ID,
		"disposition", entry.Disposition,
		"duration_ms", entry.Duration.Milliseconds(),
	)
}

// OnAudioStateChanged applies the provider's authoritative audio state.
func (c *Controller) OnAudioStateChanged(ev AudioStateEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.audio = AudioRouteState{
		Current:   ev.Route,
		Available: ev.SupportedRoutes,
		Muted:     ev.Muted,
	}
	c.publishLocked()
}

// current returns the tracked handle with the state it was read under.
func (c *Controller) current() (CallHandle, CallState, AudioRouteState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	onHold := c.record != nil && c.record.OnHold
	return c.handle, c.state, c.audio, onHold
}

// forward runs a provider operation and collapses any failure to false.
func (c *Controller) forward(op string, fn func() error) bool {
	if err := guard(op, fn); err != nil {
		c.logger.Warn("call operation failed", "op", op, "error", err)
		return false
	}
	return true
}

func (c *Controller) phoneAllowed(op string) bool {
	if c.perms.HasPhonePermission() {
		return true
	}
	c.logger.Warn("call operation refused, phone permission not granted", "op", op)
	return false
}

// AnswerCall asks the provider to answer the ringing call. The transition
// to ACTIVE arrives later from the provider.
func (c *Controller) AnswerCall(ctx context.Context) bool {
	h, _, _, _ := c.current()
	if h == nil || !c.phoneAllowed("answer") {
		return false
	}
	return c.forward("answer", func() error { return h.Answer(ctx) })
}

// RejectCall declines the ringing call, optionally with a text reply when
// the provider supports it.
func (c *Controller) RejectCall(ctx context.Context, withMessage bool, text string) bool {
	h, _, _, _ := c.current()
	if h == nil || !c.phoneAllowed("reject") {
		return false
	}
	if withMessage && !h.Capabilities().Has(CapRejectWithMessage) {
		c.logger.Info("provider cannot reject with message, rejecting plainly")
		withMessage, text = false, ""
	}
	return c.forward("reject", func() error { return h.Reject(ctx, withMessage, text) })
}

// EndCall rejects a ringing call and disconnects any other. Ending while
// only an unconfirmed outgoing record exists retracts that record.
func (c *Controller) EndCall(ctx context.Context) bool {
	h, state, _, _ := c.current()
	if h == nil {
		return c.retractDangling()
	}
	if !c.phoneAllowed("end") {
		return false
	}
	if state == StateRinging {
		return c.forward("end", func() error { return h.Reject(ctx, false, "") })
	}
	return c.forward("end", func() error { return h.Disconnect(ctx) })
}

func (c *Controller) retractDangling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != nil || c.record == nil || !c.record.Optimistic {
		return false
	}
	c.logger.Info("ending unconfirmed outgoing call", "record_id", c.record.ID)
	c.clearLocked()
	c.publishLocked()
	return true
}

// ToggleHold holds or resumes the active call.
func (c *Controller) ToggleHold(ctx context.Context) bool {
	h, state, _, onHold := c.current()
	if h == nil || state != StateActive || !c.phoneAllowed("hold") {
		return false
	}
	if !h.Capabilities().Has(CapHold) {
		c.logger.Info("provider call does not support hold")
		return false
	}
	if onHold {
		return c.forward("unhold", func() error { return h.Unhold(ctx) })
	}
	return c.forward("hold", func() error { return h.Hold(ctx) })
}

// ToggleMute asks the provider to flip the microphone mute. The new state is
// applied when the provider echoes it back.
func (c *Controller) ToggleMute(ctx context.Context) bool {
	h, _, audio, _ := c.current()
	if h == nil || c.provider == nil || !c.phoneAllowed("mute") {
		return false
	}
	return c.forward("mute", func() error { return c.provider.SetMuted(ctx, !audio.Muted) })
}

// SetAudioRoute asks the provider to switch output to route.
func (c *Controller) SetAudioRoute(ctx context.Context, route Route) bool {
	h, _, audio, _ := c.current()
	if h == nil || c.provider == nil || !c.phoneAllowed("route") {
		return false
	}
	if !audio.Available.Has(route) {
		c.logger.Info("audio route not available", "route", route)
		return false
	}
	return c.forward("route", func() error { return c.provider.SetAudioRoute(ctx, route) })
}

// SendDtmf plays a DTMF digit on the active call.
func (c *Controller) SendDtmf(ctx context.Context, digit rune) bool {
	h, state, _, _ := c.current()
	if h == nil || state != StateActive || !c.phoneAllowed("dtmf") {
		return false
	}
	if !validDTMF(digit) {
		c.logger.Info("invalid dtmf digit", "digit", string(digit))
		return false
	}
	if !h.Capabilities().Has(CapDTMF) {
		c.logger.Info("provider call does not support dtmf")
		return false
	}
	return c.forward("dtmf", func() error { return h.PlayDtmf(ctx, digit) })
}

// SimAccounts returns the current SIM inventory.
func (c *Controller) SimAccounts() []SimAccount {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SimAccount, len(c.accounts))
	copy(out, c.accounts)
	return out
}

// RefreshSimAccounts reloads the SIM inventory, replacing it wholesale.
func (c *Controller) RefreshSimAccounts(ctx context.Context) error {
	if c.sims == nil {
		return nil
	}
	accounts, err := c.sims.SimAccounts(ctx)
	if err != nil {
		return err
	}
	loaded := make([]SimAccount, len(accounts))
	copy(loaded, accounts)

	c.mu.Lock()
	c.accounts = loaded
	c.mu.Unlock()

	c.logger.Debug("sim inventory loaded", "count", len(loaded))
	return nil
}

// Close stops background timers.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopDialTimerLocked()
}
