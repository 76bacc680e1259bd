package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy is a named token bucket applied per client.
type Policy struct {
	Name  string
	Rate  rate.Limit
	Burst int
}

var (
	// APIPolicy covers every control API request.
	APIPolicy = Policy{Name: "api", Rate: 20, Burst: 40}
	// ActionPolicy covers notification action submissions, whose signed
	// token is the only credential they carry.
	ActionPolicy = Policy{Name: "actions", Rate: 5, Burst: 10}
	// DialPolicy bounds outgoing call placement.
	DialPolicy = Policy{Name: "dial", Rate: rate.Every(2 * time.Second), Burst: 10}
)

const clientIdleTTL = 10 * time.Minute

type client struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter applies one Policy per client key.
type ClientLimiter struct {
	policy Policy
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*client

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewClientLimiter creates a limiter and starts sweeping idle clients.
// Call Stop to end the sweep.
func NewClientLimiter(p Policy, logger *slog.Logger) *ClientLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &ClientLimiter{
		policy:  p,
		logger:  logger.With("subsystem", "api-ratelimit", "policy", p.Name),
		now:     time.Now,
		clients: make(map[string]*client),
		stopCh:  make(chan struct{}),
	}
	go l.sweepLoop(clientIdleTTL / 2)
	return l
}

// Reserve takes a token for key. When the bucket is empty it takes
// nothing and returns the wait until the next token.
func (l *ClientLimiter) Reserve(key string) (time.Duration, bool) {
	now := l.now()

	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		c = &client{bucket: rate.NewLimiter(l.policy.Rate, l.policy.Burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	l.mu.Unlock()

	r := c.bucket.ReserveN(now, 1)
	if !r.OK() {
		return time.Duration(math.MaxInt64), false
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return wait, false
	}
	return 0, true
}

// Stop ends the idle sweep. It is safe to call more than once.
func (l *ClientLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *ClientLimiter) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCh:
			return
		}
	}
}

// sweep forgets clients idle for clientIdleTTL or longer. Their buckets
// would be full again by then.
func (l *ClientLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-clientIdleTTL)
	removed := 0
	for key, c := range l.clients {
		if !c.lastSeen.After(cutoff) {
			delete(l.clients, key)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("rate limiter sweep", "removed", removed, "remaining", len(l.clients))
	}
}

// RateLimit returns middleware that applies the limiter's policy per
// client. Rejected requests get 429 with Retry-After set to the whole
// seconds until the client's next token.
func RateLimit(l *ClientLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)

			wait, ok := l.Reserve(key)
			if !ok {
				retry := retryAfterSeconds(wait)
				l.logger.Warn("rate limit exceeded",
					"client", key,
					"method", r.Method,
					"path", r.URL.Path,
					"retry_after", retry,
				)
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(wait time.Duration) int {
	if wait >= time.Hour {
		return int(time.Hour / time.Second)
	}
	return max(1, int(math.Ceil(wait.Seconds())))
}

// clientKey identifies the caller from RemoteAddr, which chi's RealIP has
// already rewritten behind a proxy. IPv6 clients are grouped by /64 since
// one host usually holds the whole prefix.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return host
	}
	addr = addr.Unmap()
	if addr.Is4() {
		return addr.String()
	}
	prefix, err := addr.WithZone("").Prefix(64)
	if err != nil {
		return addr.String()
	}
	return prefix.String()
}
