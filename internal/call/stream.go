package call

import (
	"log/slog"
	"sync"
)

// watchBuffer is the per-subscriber snapshot queue length. A subscriber that
// falls this far behind loses its oldest queued snapshots rather than
// stalling the controller; the newest snapshot is always delivered.
const watchBuffer = 32

// broadcaster fans snapshots out to subscribers. Publish never blocks.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[chan Snapshot]struct{}
	logger *slog.Logger
}

func newBroadcaster(logger *slog.Logger) *broadcaster {
	return &broadcaster{
		subs:   make(map[chan Snapshot]struct{}),
		logger: logger,
	}
}

// subscribe returns a channel of snapshots and a cancel function that closes
// it. The caller must call cancel when done.
func (b *broadcaster) subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, watchBuffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// publish delivers s to every subscriber. It must be called with the
// controller lock held so subscribers observe snapshots in sequence order.
func (b *broadcaster) publish(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		if !offer(ch, s) {
			b.logger.Warn("snapshot subscriber lagging, dropped oldest update", "seq", s.Seq)
		}
	}
}

// offer queues s on ch, evicting the oldest queued snapshot when ch is full.
// It reports whether s was queued without eviction. Callers hold b.mu, so
// no other publisher competes for the freed slot.
func offer(ch chan Snapshot, s Snapshot) bool {
	select {
	case ch <- s:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
	return false
}

// publishTo delivers s to a single subscriber.
func (b *broadcaster) publishTo(ch <-chan Snapshot, s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub != ch {
			continue
		}
		offer(sub, s)
	}
}
