package notify

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	surfaceQueueSize = 64
	sendTimeout      = 10 * time.Second
)

type surfaceOp struct {
	cancel bool
	n      Notification
	id     string
}

// Surface posts and cancels notifications without blocking the caller.
// Operations are delivered to the Sender in submission order by a single
// worker started with Run. Delivery failures are logged and counted.
type Surface struct {
	sender Sender
	logger *slog.Logger
	queue  chan surfaceOp

	mu     sync.Mutex
	active map[string]Notification

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewSurface creates a surface delivering through sender.
func NewSurface(sender Sender, logger *slog.Logger) *Surface {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		sender = LogSender{Logger: logger}
	}
	return &Surface{
		sender: sender,
		logger: logger.With("subsystem", "notify"),
		queue:  make(chan surfaceOp, surfaceQueueSize),
		active: make(map[string]Notification),
	}
}

// Post shows or replaces the notification with n.ID.
func (s *Surface) Post(n Notification) {
	s.mu.Lock()
	s.active[n.ID] = n
	s.mu.Unlock()
	s.enqueue(surfaceOp{n: n, id: n.ID})
}

// Cancel removes the notification with id. Cancelling an unknown id is
// forwarded anyway so a stale device copy is cleared.
func (s *Surface) Cancel(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
	s.enqueue(surfaceOp{cancel: true, id: id})
}

func (s *Surface) enqueue(op surfaceOp) {
	select {
	case s.queue <- op:
	default:
		s.dropped.Add(1)
		s.logger.Warn("notification queue full, dropping operation", "id", op.id, "cancel", op.cancel)
	}
}

// Get returns the notification currently shown under id.
func (s *Surface) Get(id string) (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.active[id]
	return n, ok
}

// Active returns the shown notifications ordered by post time.
func (s *Surface) Active() []Notification {
	s.mu.Lock()
	out := make([]Notification, 0, len(s.active))
	for _, n := range s.active {
		out = append(out, n)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PostedAt.Before(out[j].PostedAt) })
	return out
}

// Stats returns delivery counters.
func (s *Surface) Stats() (delivered, failed, dropped uint64) {
	return s.delivered.Load(), s.failed.Load(), s.dropped.Load()
}

// Run delivers queued operations until ctx is done.
func (s *Surface) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-s.queue:
			s.deliver(ctx, op)
		}
	}
}

func (s *Surface) deliver(ctx context.Context, op surfaceOp) {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	var err error
	if op.cancel {
		err = s.sender.Cancel(sendCtx, op.id)
	} else {
		err = s.sender.Post(sendCtx, op.n)
	}
	if err != nil {
		s.failed.Add(1)
		s.logger.Warn("notification delivery failed", "id", op.id, "cancel", op.cancel, "error", err)
		return
	}
	s.delivered.Add(1)
}
