package media

import (
	"log/slog"
	"sync"
)

// FocusChange is delivered to a focus holder when its focus changes.
type FocusChange int

const (
	FocusGain FocusChange = iota
	FocusLossTransient
	FocusLoss
)

// String returns the string representation of the change.
func (c FocusChange) String() string {
	switch c {
	case FocusGain:
		return "gain"
	case FocusLossTransient:
		return "loss_transient"
	case FocusLoss:
		return "loss"
	default:
		return "unknown"
	}
}

// FocusManager arbitrates which owner may play audio. Holders form a stack:
// a new transient request suspends the current top, and releasing the top
// returns focus to the one beneath. An exclusive holder denies all requests
// until it releases.
type FocusManager struct {
	logger *slog.Logger

	mu    sync.Mutex
	stack []*FocusGrant
}

// FocusGrant is a granted focus request.
type FocusGrant struct {
	m         *FocusManager
	owner     string
	exclusive bool
	onChange  func(FocusChange)
	once      sync.Once
}

// NewFocusManager creates an empty focus arbiter.
func NewFocusManager(logger *slog.Logger) *FocusManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &FocusManager{logger: logger.With("subsystem", "audio-focus")}
}

// RequestTransient asks for short-lived focus. onChange, which may be nil,
// receives later losses and gains. It is invoked without the manager lock
// held.
func (m *FocusManager) RequestTransient(owner string, onChange func(FocusChange)) (*FocusGrant, bool) {
	return m.request(owner, false, onChange)
}

// RequestExclusive takes focus and denies every request until released. An
// exclusive request is itself denied while another exclusive holder exists.
func (m *FocusManager) RequestExclusive(owner string, onChange func(FocusChange)) (*FocusGrant, bool) {
	return m.request(owner, true, onChange)
}

func (m *FocusManager) request(owner string, exclusive bool, onChange func(FocusChange)) (*FocusGrant, bool) {
	m.mu.Lock()
	var prev *FocusGrant
	if n := len(m.stack); n > 0 {
		prev = m.stack[n-1]
	}
	for _, g := range m.stack {
		if g.exclusive {
			m.mu.Unlock()
			m.logger.Info("audio focus denied", "owner", owner, "holder", g.owner)
			return nil, false
		}
	}
	g := &FocusGrant{m: m, owner: owner, exclusive: exclusive, onChange: onChange}
	m.stack = append(m.stack, g)
	m.mu.Unlock()

	m.logger.Debug("audio focus granted", "owner", owner, "exclusive", exclusive)
	if prev != nil {
		change := FocusLossTransient
		if exclusive {
			change = FocusLoss
		}
		prev.notify(change)
	}
	return g, true
}

// Holder returns the owner currently holding focus, or "".
func (m *FocusManager) Holder() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stack) == 0 {
		return ""
	}
	return m.stack[len(m.stack)-1].owner
}

// Owner returns the name the grant was requested under.
func (g *FocusGrant) Owner() string { return g.owner }

// Release abandons focus. Releasing twice is a no-op.
func (g *FocusGrant) Release() {
	g.once.Do(func() {
		m := g.m
		m.mu.Lock()
		wasTop := false
		for i, h := range m.stack {
			if h == g {
				wasTop = i == len(m.stack)-1
				m.stack = append(m.stack[:i], m.stack[i+1:]...)
				break
			}
		}
		var next *FocusGrant
		if wasTop && len(m.stack) > 0 {
			next = m.stack[len(m.stack)-1]
		}
		m.mu.Unlock()

		m.logger.Debug("audio focus released", "owner", g.owner)
		if next != nil {
			next.notify(FocusGain)
		}
	})
}

func (g *FocusGrant) notify(c FocusChange) {
	if g.onChange != nil {
		g.onChange(c)
	}
}
