package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"contractflow/auth"
	"contractflow/logging"
	"contractflow/session"
	"contractflow/workflow"
)

// Opener hands out initialized sessions per participant.
type Opener interface {
	Open(ctx context.Context, contractID string, role workflow.Role, displayName string) (*session.Session, error)
}

// Verifier turns a bearer token into a participant.
type Verifier interface {
	Verify(token string) (auth.Participant, error)
}

// Server exposes contract workflow sessions over HTTP.
type Server struct {
	sessions  Opener
	tokens    Verifier
	logger    *slog.Logger
	gatherer  prometheus.Gatherer
	keepAlive time.Duration

	streamsDone chan struct{}
	closeOnce   sync.Once
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithKeepAlive sets how often an idle event stream sends a ping. Each ping
// also keeps the streaming participant's session open.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepAlive = d
		}
	}
}

// WithGatherer exposes the registry on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func NewServer(sessions Opener, tokens Verifier, opts ...Option) *Server {
	s := &Server{
		sessions:  sessions,
		tokens:    tokens,
		logger:    logging.NewNop(),
		keepAlive: 15 * time.Second,

		streamsDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CloseStreams ends open event streams so http.Server.Shutdown does not wait
// on them.
func (s *Server) CloseStreams() {
	s.closeOnce.Do(func() { close(s.streamsDone) })
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/contracts/{contractID}", func(cr chi.Router) {
		cr.Use(s.authenticate)
		cr.Get("/", s.getContract)
		cr.Post("/actions", s.performAction)
		cr.Get("/actions/{action}/check", s.checkAction)
		cr.Get("/activity", s.listActivity)
		cr.Get("/presence", s.listPresence)
		cr.Get("/presence/events", s.streamPresence)
	})
	return r
}

type participantKey struct{}

func participantFrom(ctx context.Context) (auth.Participant, bool) {
	p, ok := ctx.Value(participantKey{}).(auth.Participant)
	return p, ok
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := parseBearer(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		p, err := s.tokens.Verify(token)
		if err != nil {
			s.logger.Debug("reject token", "err", err)
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		if !p.CanAccess(chi.URLParam(r, "contractID")) {
			writeError(w, r, http.StatusForbidden, "forbidden", "token is not scoped to this contract")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), participantKey{}, p)))
	})
}

func parseBearer(authorization string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authorization, prefix) {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(authorization, prefix))
	if tok == "" {
		return "", false
	}
	return tok, true
}
