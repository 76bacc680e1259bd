package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSigner() *Signer {
	return NewSigner([]byte("0123456789abcdef0123456789abcdef"), time.Minute)
}

func TestBuilder_Incoming(t *testing.T) {
	b := NewBuilder(testSigner())
	n, err := b.Incoming("sess-1", Caller{Number: "+61400000000", ContactName: "Alice"})
	if err != nil {
		t.Fatalf("Incoming: %v", err)
	}

	if n.ID != "sess-1" || n.Kind != KindIncoming || n.Category != "call" {
		t.Errorf("notification = %+v", n)
	}
	if !n.Ambient || !n.FullScreen || n.Ongoing {
		t.Errorf("flags: ambient=%v fullScreen=%v ongoing=%v", n.Ambient, n.FullScreen, n.Ongoing)
	}
	if n.Title != "Alice" {
		t.Errorf("title = %q, want Alice", n.Title)
	}

	var names []ActionName
	for _, a := range n.Actions {
		names = append(names, a.Name)
		if a.Token == "" {
			t.Errorf("action %s has no token", a.Name)
		}
	}
	if len(names) != 3 || names[0] != ActionAnswer || names[1] != ActionDecline || names[2] != ActionSilence {
		t.Errorf("actions = %v, want [answer decline silence]", names)
	}

	if n.Public == nil {
		t.Fatal("public version missing")
	}
	pub, _ := json.Marshal(n.Public)
	if strings.Contains(string(pub), "+61400000000") || strings.Contains(string(pub), "Alice") {
		t.Errorf("public version leaks caller: %s", pub)
	}
}

func TestBuilder_Ongoing(t *testing.T) {
	b := NewBuilder(testSigner())
	n, err := b.Ongoing("sess-1", Caller{Number: "100"})
	if err != nil {
		t.Fatalf("Ongoing: %v", err)
	}
	if n.Kind != KindOngoing || !n.Ongoing || n.FullScreen {
		t.Errorf("notification = %+v", n)
	}
	if n.Title != "100" || n.Text != "Call in progress" {
		t.Errorf("title/text = %q/%q", n.Title, n.Text)
	}
	if len(n.Actions) != 1 || n.Actions[0].Name != ActionEnd {
		t.Errorf("actions = %+v, want [end]", n.Actions)
	}
}

func TestBuilder_UnknownCaller(t *testing.T) {
	n, err := NewBuilder(testSigner()).Incoming("s", Caller{})
	if err != nil {
		t.Fatal(err)
	}
	if n.Title != "Unknown caller" {
		t.Errorf("title = %q", n.Title)
	}
}

func TestBuilder_SignerWithoutKey(t *testing.T) {
	b := NewBuilder(NewSigner(nil, 0))
	if _, err := b.Incoming("s", Caller{}); err == nil {
		t.Error("expected error without signing key")
	}
}

func TestSigner_RoundTrip(t *testing.T) {
	s := testSigner()
	token, err := s.Sign("sess-1", ActionAnswer)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	action, err := s.Verify(token, "sess-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if action != ActionAnswer {
		t.Errorf("action = %v, want answer", action)
	}
}

func TestSigner_Rejects(t *testing.T) {
	s := testSigner()
	token, err := s.Sign("sess-1", ActionEnd)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Verify(token, "sess-2"); !errors.Is(err, ErrWrongSession) {
		t.Errorf("other session err = %v, want ErrWrongSession", err)
	}

	other := NewSigner([]byte("another-key-another-key-another!!"), time.Minute)
	if _, err := other.Verify(token, "sess-1"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong key err = %v, want ErrInvalidToken", err)
	}

	if _, err := s.Verify("not-a-token", "sess-1"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage err = %v, want ErrInvalidToken", err)
	}

	expired := testSigner()
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, err := expired.Sign("sess-1", ActionEnd)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Verify(old, "sess-1"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired err = %v, want ErrInvalidToken", err)
	}

	bogus, err := s.Sign("sess-1", ActionName("explode"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Verify(bogus, "sess-1"); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("unknown action err = %v, want ErrUnknownAction", err)
	}
}

type recordingSender struct {
	mu   sync.Mutex
	ops  []string
	err  error
	gate chan struct{}
}

func (r *recordingSender) add(op string) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	return r.err
}

func (r *recordingSender) Post(_ context.Context, n Notification) error {
	return r.add("post:" + n.ID + ":" + string(n.Kind))
}

func (r *recordingSender) Cancel(_ context.Context, id string) error {
	return r.add("cancel:" + id)
}

func (r *recordingSender) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func waitOps(t *testing.T, r *recordingSender, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ops := r.Ops(); len(ops) >= n {
			return ops
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ops = %v, want %d", r.Ops(), n)
	return nil
}

func TestSurface_DeliversInOrder(t *testing.T) {
	sender := &recordingSender{}
	s := NewSurface(sender, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Post(Notification{ID: "a", Kind: KindIncoming})
	s.Post(Notification{ID: "a", Kind: KindOngoing})
	s.Cancel("a")

	ops := waitOps(t, sender, 3)
	want := []string{"post:a:incoming", "post:a:ongoing", "cancel:a"}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("ops[%d] = %q, want %q", i, ops[i], want[i])
		}
	}
	if _, ok := s.Get("a"); ok {
		t.Error("cancelled notification still active")
	}
}

func TestSurface_PostDoesNotBlock(t *testing.T) {
	sender := &recordingSender{gate: make(chan struct{})}
	s := NewSurface(sender, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < surfaceQueueSize*2; i++ {
			s.Post(Notification{ID: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Post blocked on a stalled sender")
	}
	if _, _, dropped := s.Stats(); dropped == 0 {
		t.Error("expected dropped operations with a stalled sender")
	}
	close(sender.gate)
}

func TestSurface_FailureCounted(t *testing.T) {
	sender := &recordingSender{err: errors.New("offline")}
	s := NewSurface(sender, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Post(Notification{ID: "a"})
	waitOps(t, sender, 1)

	deadline := time.Now().Add(time.Second)
	for {
		if _, failed, _ := s.Stats(); failed == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("failure not counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := s.Get("a"); !ok {
		t.Error("notification should remain active after a delivery failure")
	}
}

func TestMultiSender(t *testing.T) {
	ok := &recordingSender{}
	bad := &recordingSender{err: errors.New("down")}
	m := NewMultiSender(bad, ok)

	err := m.Post(context.Background(), Notification{ID: "a", Kind: KindIncoming})
	if err == nil {
		t.Error("expected joined error")
	}
	if got := ok.Ops(); len(got) != 1 {
		t.Errorf("healthy sender ops = %v", got)
	}
	if err := NewMultiSender(ok).Cancel(context.Background(), "a"); err != nil {
		t.Errorf("Cancel: %v", err)
	}
}

func TestGatewaySender_Post(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/v1/notify" {
			t.Errorf("expected path /v1/notify, got %s", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "key" {
			t.Errorf("expected X-API-Key %q, got %q", "key", r.Header.Get("X-API-Key"))
		}

		var req gatewayRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.DeviceToken != "device" || req.PushPlatform != "fcm" || req.Op != "post" {
			t.Errorf("request = %+v", req)
		}
		if req.Notification == nil || req.Notification.Title != "Alice" {
			t.Errorf("notification = %+v", req.Notification)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(envelope{Data: json.RawMessage(`{"delivered":true}`)})
	}))
	defer srv.Close()

	g := NewGatewaySender(srv.URL, "key", "device", "fcm")
	if !g.Configured() {
		t.Error("Configured() = false")
	}
	if err := g.Post(context.Background(), Notification{ID: "s1", Title: "Alice"}); err != nil {
		t.Fatalf("Post: %v", err)
	}
}

func TestGatewaySender_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"gateway error", http.StatusTooManyRequests, `{"error":"rate limited"}`, "rate limited"},
		{"bare status", http.StatusBadGateway, `oops`, "status 502"},
		{"not delivered", http.StatusOK, `{"data":{"delivered":false}}`, "not delivered"},
		{"bad json", http.StatusOK, `{`, "decoding response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			err := NewGatewaySender(srv.URL, "key", "device", "fcm").Cancel(context.Background(), "s1")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestFCMData(t *testing.T) {
	n, err := NewBuilder(testSigner()).Incoming("s1", Caller{Number: "100"})
	if err != nil {
		t.Fatal(err)
	}
	data, err := fcmData(n)
	if err != nil {
		t.Fatalf("fcmData: %v", err)
	}
	if data["id"] != "s1" || data["kind"] != "incoming" || data["full_screen"] != "true" {
		t.Errorf("data = %v", data)
	}
	var actions []Action
	if err := json.Unmarshal([]byte(data["actions"]), &actions); err != nil {
		t.Fatalf("actions not json: %v", err)
	}
	if len(actions) != 3 {
		t.Errorf("actions = %d, want 3", len(actions))
	}
}
