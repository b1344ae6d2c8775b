// Package api is the local HTTP surface the match-entry UI talks to.
//
// Routes:
//
//	GET    /v1/state              aggregate outbox state
//	GET    /v1/state/stream       websocket; one JSON state per change
//	GET    /v1/entries            queued entries, FIFO
//	GET    /v1/entries/{id}       one entry
//	POST   /v1/entries            enqueue a match batch
//	POST   /v1/entries/{id}/retry manual retry of a failed entry
//	DELETE /v1/entries/{id}       discard an entry
//	POST   /v1/flush              manual flush pass
//	GET    /v1/matches            read-side match list
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/roach88/matchsync/internal/engine"
	"github.com/roach88/matchsync/internal/match"
	"github.com/roach88/matchsync/internal/outbox"
)

// Outbox is the engine surface the API drives. *engine.Engine implements it.
type Outbox interface {
	Enqueue(ctx context.Context, payload []outbox.Record, opts ...engine.EnqueueOption) (string, error)
	FlushNow(ctx context.Context) error
	Retry(ctx context.Context, entryID string) error
	Discard(ctx context.Context, entryID string) error
	State() outbox.State
	Entries() []outbox.Entry
	Entry(entryID string) (outbox.Entry, error)
	Subscribe(fn func(outbox.State)) (unsubscribe func())
	LastPass() engine.PassStats
}

var _ Outbox = (*engine.Engine)(nil)

// Server holds the API dependencies.
type Server struct {
	outbox    Outbox
	validator *match.Validator
	cache     *match.Cache
	synth     engine.Synthesizer
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithNow sets the clock used for date filters.
func WithNow(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithSynthesizer overrides the optimistic synthesizer.
func WithSynthesizer(synth engine.Synthesizer) Option {
	return func(s *Server) { s.synth = synth }
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer wires the API to an outbox and a read cache.
func NewServer(ob Outbox, v *match.Validator, cache *match.Cache, opts ...Option) *Server {
	s := &Server{
		outbox:    ob,
		validator: v,
		cache:     cache,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.synth == nil {
		s.synth = match.NewSynthesizer(nil, s.now)
	}
	return s
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(zapLoggerMiddleware(s.logger))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/state/stream", s.handleStateStream)
		r.Post("/flush", s.handleFlush)
		r.Get("/matches", s.handleMatches)

		r.Route("/entries", func(r chi.Router) {
			r.Get("/", s.handleEntries)
			r.Post("/", s.handleEnqueue)
			r.Get("/{id}", s.handleEntry)
			r.Delete("/{id}", s.handleDiscard)
			r.Post("/{id}/retry", s.handleRetry)
		})
	})

	return r
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
