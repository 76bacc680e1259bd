// Package api serves the HTTP control API: call control, the session's
// notification actions, read-only views of the fallback model and the call
// log, a websocket event stream and Prometheus metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/flowphone/internal/api/middleware"
	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/database"
	"github.com/flowpbx/flowphone/internal/database/models"
	"github.com/flowpbx/flowphone/internal/fallback"
	"github.com/flowpbx/flowphone/internal/notify"
	"github.com/flowpbx/flowphone/internal/session"
)

// CallController is the call controller surface the API drives.
type CallController interface {
	Snapshot() call.Snapshot
	Watch() (<-chan call.Snapshot, func())
	PlaceCall(ctx context.Context, number string, simSlot int) error
	AnswerCall(ctx context.Context) bool
	RejectCall(ctx context.Context, withMessage bool, text string) bool
	EndCall(ctx context.Context) bool
	ToggleHold(ctx context.Context) bool
	ToggleMute(ctx context.Context) bool
	SetAudioRoute(ctx context.Context, route call.Route) bool
	SendDtmf(ctx context.Context, digit rune) bool
	SimAccounts() []call.SimAccount
	RefreshSimAccounts(ctx context.Context) error
}

// SessionService is the call session surface behind notification actions.
type SessionService interface {
	Status() session.Status
	Silence()
	Answer(ctx context.Context) bool
	Reject(ctx context.Context) bool
	End(ctx context.Context) bool
}

// ActionVerifier checks signed notification action tokens.
type ActionVerifier interface {
	Verify(token, sessionID string) (notify.ActionName, error)
}

// FallbackView exposes the fallback listener's model.
type FallbackView interface {
	State() fallback.Model
	Watch() (<-chan fallback.Model, func())
}

// HistoryLister reads the call log.
type HistoryLister interface {
	List(ctx context.Context, filter database.CallLogListFilter) ([]models.CallLog, int, error)
}

// RegistrationView reports SIP registration for the health endpoint.
type RegistrationView interface {
	Registered() bool
}

// Options groups the server's dependencies. Calls, Session, Actions and
// APIKey are required; nil optional views make their endpoints answer 503.
type Options struct {
	Calls        CallController
	Session      SessionService
	Actions      ActionVerifier
	Fallback     FallbackView
	History      HistoryLister
	Registration RegistrationView
	Events       *EventHub

	// Metrics serves /metrics when set.
	Metrics http.Handler

	// APIKey signs and verifies control-API bearer tokens.
	APIKey      []byte
	CORSOrigins []string
	TLS         bool
	Version     string
	Logger      *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router       *chi.Mux
	calls        CallController
	session      SessionService
	actions      ActionVerifier
	fallback     FallbackView
	history      HistoryLister
	registration RegistrationView
	events       *EventHub
	metrics      http.Handler
	apiKey       []byte
	origins      *middleware.Origins
	tls          bool
	version      string
	startTime    time.Time
	logger       *slog.Logger

	apiLimiter    *middleware.ClientLimiter
	actionLimiter *middleware.ClientLimiter
	dialLimiter   *middleware.ClientLimiter
}

// NewServer creates the HTTP handler with all routes mounted. Call Close to
// stop the rate limiters.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:       chi.NewRouter(),
		calls:        opts.Calls,
		session:      opts.Session,
		actions:      opts.Actions,
		fallback:     opts.Fallback,
		history:      opts.History,
		registration: opts.Registration,
		events:       opts.Events,
		metrics:      opts.Metrics,
		apiKey:       opts.APIKey,
		origins:      middleware.NewOrigins(opts.CORSOrigins),
		tls:          opts.TLS,
		version:      opts.Version,
		startTime:    time.Now(),
		logger:       logger.With("subsystem", "api"),
	}
	if s.events == nil {
		s.events = NewEventHub(logger)
	}
	s.apiLimiter = middleware.NewClientLimiter(middleware.APIPolicy, logger)
	s.actionLimiter = middleware.NewClientLimiter(middleware.ActionPolicy, logger)
	s.dialLimiter = middleware.NewClientLimiter(middleware.DialPolicy, logger)

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.actionLimiter.Stop()
	s.dialLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders(s.tls))
	r.Use(middleware.CORS(s.origins))

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.apiLimiter))

		r.Get("/health", s.handleHealth)

		// Notification actions authenticate with their own signed token.
		r.With(middleware.RateLimit(s.actionLimiter)).Post("/session/actions", s.handleSessionAction)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(s.apiKey))

			r.Route("/call", func(r chi.Router) {
				r.Get("/", s.handleGetCall)
				r.With(middleware.RateLimit(s.dialLimiter)).Post("/place", s.handlePlaceCall)
				r.Post("/answer", s.handleAnswerCall)
				r.Post("/reject", s.handleRejectCall)
				r.Post("/end", s.handleEndCall)
				r.Post("/hold", s.handleToggleHold)
				r.Post("/mute", s.handleToggleMute)
				r.Post("/route", s.handleSetRoute)
				r.Post("/dtmf", s.handleSendDtmf)
			})

			r.Get("/sims", s.handleListSims)
			r.Post("/sims/refresh", s.handleRefreshSims)

			r.Get("/session", s.handleGetSession)
			r.Get("/fallback", s.handleGetFallback)
			r.Get("/history", s.handleListHistory)
			r.Get("/events", s.handleEvents)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	SIPRegistered *bool  `json:"sip_registered,omitempty"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
	if s.registration != nil {
		registered := s.registration.Registered()
		resp.SIPRegistered = &registered
	}
	writeJSON(w, http.StatusOK, resp)
}
