package call

import (
	"context"
	"errors"
)

// Provider errors the controller maps onto PlaceError codes.
var (
	ErrProviderPermission = errors.New("provider: permission denied")
	ErrProviderOffline    = errors.New("provider: unavailable")
	ErrUnsupported        = errors.New("provider: operation not supported")
)

// Capability flags advertise which per-call operations a handle supports.
type Capability uint32

const (
	CapHold Capability = 1 << iota
	CapDTMF
	CapRejectWithMessage
)

// Has reports whether c includes all of want.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// Subscription is an owned per-call callback registration. Releasing it
// unsubscribes; Release is safe to call more than once.
type Subscription interface {
	Release()
}

// CallHandle is a live reference to one in-progress call at the provider.
type CallHandle interface {
	ID() string
	Number() string
	State() RawState
	Capabilities() Capability

	// Subscribe registers fn for state changes of this call. Changes are
	// delivered in the order the provider produces them.
	Subscribe(fn func(RawState)) Subscription

	Answer(ctx context.Context) error
	Reject(ctx context.Context, withMessage bool, text string) error
	Disconnect(ctx context.Context) error
	Hold(ctx context.Context) error
	Unhold(ctx context.Context) error
	PlayDtmf(ctx context.Context, digit rune) error
}

// PlaceOptions carries the optional extras of a place request.
type PlaceOptions struct {
	// AccountHandle is SimAccount.ProviderHandle, or nil for the default.
	AccountHandle any
}

// Provider is the telephony subsystem that performs signalling.
type Provider interface {
	Place(ctx context.Context, uri string, opts PlaceOptions) error
	SetMuted(ctx context.Context, muted bool) error
	SetAudioRoute(ctx context.Context, route Route) error
}

// EventSink receives the provider's call notifications.
type EventSink interface {
	OnCallAdded(h CallHandle)
	OnCallRemoved(h CallHandle)
	OnAudioStateChanged(ev AudioStateEvent)
}

// SinkRegistrar is implemented by providers that deliver events to a single
// registered sink.
type SinkRegistrar interface {
	RegisterSink(sink EventSink) error
}

// SimSource lists the subscriptions available for placing calls.
type SimSource interface {
	SimAccounts(ctx context.Context) ([]SimAccount, error)
}

// Permissions gates privileged operations.
type Permissions interface {
	HasCallPermission() bool
	HasPhonePermission() bool
}

// HistorySink receives terminal call records. Record must not block.
type HistorySink interface {
	Record(entry HistoryEntry)
}

// AllowAll grants every permission.
type AllowAll struct{}

func (AllowAll) HasCallPermission() bool  { return true }
func (AllowAll) HasPhonePermission() bool { return true }

type discardHistory struct{}

func (discardHistory) Record(HistoryEntry) {}
