package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowpbx/flowphone/internal/api/middleware"
	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/session"
)

func TestEventHubPublishSubscribe(t *testing.T) {
	hub := NewEventHub(discardLogger())

	events, cancel := hub.Subscribe()
	if hub.Subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", hub.Subscribers())
	}

	if n := hub.Publish(EventFallback, "x"); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	ev := <-events
	if ev.Type != EventFallback || ev.Data != "x" {
		t.Errorf("event = %+v", ev)
	}

	cancel()
	cancel()
	if hub.Subscribers() != 0 {
		t.Fatalf("subscribers after cancel = %d", hub.Subscribers())
	}
	if _, ok := <-events; ok {
		t.Error("channel not closed after cancel")
	}
	if n := hub.Publish(EventFallback, "y"); n != 0 {
		t.Errorf("delivered after cancel = %d", n)
	}
}

func TestEventHubDropsForLaggingSubscriber(t *testing.T) {
	hub := NewEventHub(discardLogger())
	_, cancel := hub.Subscribe()
	defer cancel()

	for i := 0; i < hubBuffer; i++ {
		hub.Publish(EventCall, i)
	}
	if n := hub.Publish(EventCall, "overflow"); n != 0 {
		t.Errorf("delivered to full subscriber = %d, want 0", n)
	}
}

func TestCheckOrigin(t *testing.T) {
	srv := &Server{origins: middleware.NewOrigins([]string{"https://console.example.com", "https://*.desk.example.com"})}
	tests := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "phone.local:8080", true},
		{"https://console.example.com", "phone.local:8080", true},
		{"http://phone.local:8080", "phone.local:8080", true},
		{"https://agent-4.desk.example.com", "phone.local:8080", true},
		{"https://evil.example.com", "phone.local:8080", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
		r.Host = tt.host
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := srv.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	var ev wireEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	return ev
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events?access_token=" + env.token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("handshake status = %d", resp.StatusCode)
	}

	first := readEvent(t, conn)
	if first.Type != EventCall {
		t.Fatalf("first event type = %q, want %q", first.Type, EventCall)
	}
	var snap struct {
		Seq uint64 `json:"seq"`
	}
	if err := json.Unmarshal(first.Data, &snap); err != nil || snap.Seq != 3 {
		t.Fatalf("first snapshot = %s (%v)", first.Data, err)
	}

	// The fallback watcher delivers its current model on subscribe.
	if ev := readEvent(t, conn); ev.Type != EventFallback {
		t.Fatalf("second event type = %q, want %q", ev.Type, EventFallback)
	}

	// Wait for the hub subscription before publishing.
	deadline := time.Now().Add(5 * time.Second)
	for env.srv.events.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event stream never subscribed to the hub")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.srv.events.RevealCallUI("sess-9", session.Intent{Direction: call.DirectionIncoming, Number: "+61400000002"})

	ev := readEvent(t, conn)
	if ev.Type != EventReveal {
		t.Fatalf("event type = %q, want %q", ev.Type, EventReveal)
	}
	var reveal RevealEvent
	if err := json.Unmarshal(ev.Data, &reveal); err != nil {
		t.Fatal(err)
	}
	if reveal.SessionID != "sess-9" || reveal.Intent.Number != "+61400000002" {
		t.Errorf("reveal = %+v", reveal)
	}
}

func TestEventStreamRequiresToken(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %v, want 401", resp)
	}
}
