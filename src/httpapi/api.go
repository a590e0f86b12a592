// Package httpapi serves threads over HTTP. Advancing a thread can stream
// message deltas as server-sent events.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/elee1766/threadloom/src/executor"
	"github.com/elee1766/threadloom/src/metrics"
	"github.com/elee1766/threadloom/src/thread"
)

// ThreadStore is the read and create side of thread storage
type ThreadStore interface {
	CreateThread(ctx context.Context, t *thread.Thread) error
	GetThread(ctx context.Context, id string) (*thread.Thread, error)
	ListThreads(ctx context.Context, projectID string, limit int) ([]*thread.Thread, error)
	ListMessages(ctx context.Context, threadID string) ([]*thread.Message, error)
	GetMessage(ctx context.Context, threadID, messageID string) (*thread.Message, error)
}

type Opts struct {
	Service *executor.Service
	Store   ThreadStore
	// Metrics, if set, is mounted on /metrics
	Metrics *metrics.Metrics
	// AuthMiddleware guards the thread routes. /metrics has its own.
	AuthMiddleware func(http.Handler) http.Handler
	Logger         *slog.Logger
}

// API is the HTTP surface. It is an http.Handler.
type API struct {
	chi.Router

	opts   Opts
	logger *slog.Logger
}

func New(o Opts) *API {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	a := &API{
		Router: chi.NewRouter(),
		opts:   o,
		logger: o.Logger.With("component", "httpapi"),
	}
	a.setup()
	return a
}

func (a *API) setup() {
	a.Use(middleware.RequestID)
	a.Use(a.logRequests)
	a.Use(middleware.Recoverer)

	if a.opts.Metrics != nil {
		a.Mount("/metrics", a.opts.Metrics.Router)
	}

	a.Group(func(r chi.Router) {
		if a.opts.AuthMiddleware != nil {
			r.Use(a.opts.AuthMiddleware)
		}
		r.Post("/projects/{projectID}/threads", a.createThread)
		r.Get("/projects/{projectID}/threads", a.listThreads)
		r.Get("/threads/{threadID}", a.getThread)
		r.Get("/threads/{threadID}/messages", a.listMessages)
		r.Get("/threads/{threadID}/messages/{messageID}", a.getMessage)
		r.Post("/threads/{threadID}/advance", a.advance)
		r.Post("/threads/{threadID}/cancel", a.cancel)
	})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
