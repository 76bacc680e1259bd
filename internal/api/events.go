package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowpbx/flowphone/internal/fallback"
	"github.com/flowpbx/flowphone/internal/session"
)

// Event types sent on the event stream.
const (
	EventCall     = "call"
	EventReveal   = "reveal"
	EventFallback = "fallback"
)

const (
	hubBuffer      = 16
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 25 * time.Second
	wsReadLimit    = 512
)

// Event is one message on the event stream.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// RevealEvent asks connected UIs to bring the call screen forward.
type RevealEvent struct {
	SessionID string         `json:"session_id"`
	Intent    session.Intent `json:"intent"`
}

// EventHub fans out events that do not come from the call controller. It
// implements session.Revealer, so call UI reveals reach every connected
// client.
type EventHub struct {
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

var _ session.Revealer = (*EventHub)(nil)

// NewEventHub creates an empty hub.
func NewEventHub(logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{
		logger: logger.With("subsystem", "api-events"),
		now:    time.Now,
		subs:   make(map[chan Event]struct{}),
	}
}

// RevealCallUI publishes a reveal event. It never blocks.
func (h *EventHub) RevealCallUI(sessionID string, intent session.Intent) {
	delivered := h.Publish(EventReveal, RevealEvent{SessionID: sessionID, Intent: intent})
	h.logger.Info("call ui reveal published", "session_id", sessionID, "clients", delivered)
}

// Publish sends an event to every subscriber and returns how many received
// it. Subscribers that are behind miss the event.
func (h *EventHub) Publish(typ string, data any) int {
	ev := Event{Type: typ, Time: h.now(), Data: data}

	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for ch := range h.subs {
		select {
		case ch <- ev:
			delivered++
		default:
			h.logger.Warn("event subscriber lagging, dropping event", "type", typ)
		}
	}
	return delivered
}

// Subscribe returns a channel of events and a cancel function that closes
// it.
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, hubBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of connected subscribers.
func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin accepts non-browser clients, same-host pages and the CORS
// allow list.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.origins.Allowed(origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// handleEvents streams call snapshots, reveal requests and fallback model
// changes over a websocket. The first message is always the current call
// snapshot.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	snapshots, cancelCalls := s.calls.Watch()
	defer cancelCalls()
	hubEvents, cancelHub := s.events.Subscribe()
	defer cancelHub()

	var fallbackModels <-chan fallback.Model
	if s.fallback != nil {
		var cancelFallback func()
		fallbackModels, cancelFallback = s.fallback.Watch()
		defer cancelFallback()
	}

	s.logger.Debug("event stream connected", "remote_addr", r.RemoteAddr)

	// The client only sends control frames; reading drives the pong handler
	// and notices the close.
	closed := make(chan struct{})
	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongTimeout)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	send := func(ev Event) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)) //nolint:errcheck
		if err := conn.WriteJSON(ev); err != nil {
			s.logger.Debug("event stream write failed", "error", err)
			return false
		}
		return true
	}

	// Watch delivers the current snapshot first; forward it before
	// anything else.
	select {
	case snap, ok := <-snapshots:
		if !ok || !send(Event{Type: EventCall, Time: time.Now(), Data: snap}) {
			return
		}
	case <-r.Context().Done():
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			s.logger.Debug("event stream closed by client", "remote_addr", r.RemoteAddr)
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			if !send(Event{Type: EventCall, Time: time.Now(), Data: snap}) {
				return
			}
		case ev, ok := <-hubEvents:
			if !ok {
				return
			}
			if !send(ev) {
				return
			}
		case m, ok := <-fallbackModels:
			if !ok {
				fallbackModels = nil
				continue
			}
			if !send(Event{Type: EventFallback, Time: time.Now(), Data: m}) {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
