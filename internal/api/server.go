// Package api is the control surface: target and subscription management,
// health and status reads, and a token debug endpoint. JSON in, JSON out,
// with per-IP rate limits on the mutating routes.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	json "github.com/goccy/go-json"

	"xnotifyd/internal/poll"
	"xnotifyd/internal/store"
	"xnotifyd/pkg/logx"
)

// Poller is the scheduler surface the API drives.
type Poller interface {
	Add(t store.Target)
	Remove(id string)
	Snapshot() []poll.TargetStatus
}

// TokenSource mirrors the txid generator for the debug endpoint.
type TokenSource interface {
	Derive(ctx context.Context, method, path string) (string, error)
	InvalidateAndRefresh(ctx context.Context) error
	Version() string
}

// Config tunes the server.
type Config struct {
	ListenAddr string

	// WriteLimit/WriteWindow bound mutating requests per client IP.
	// Defaults: 30 per hour.
	WriteLimit  int
	WriteWindow time.Duration
}

type Server struct {
	cfg    Config
	store  *store.Store
	poller Poller
	tokens TokenSource
	log    logx.Logger

	// runtime, when set, contributes supervisor goroutine stats to /status.
	runtime func() any

	http *http.Server
}

// SetRuntimeInfo attaches a runtime stats provider. Called once during app
// wiring, before Run.
func (s *Server) SetRuntimeInfo(fn func() any) { s.runtime = fn }

func NewServer(cfg Config, st *store.Store, poller Poller, tokens TokenSource, log logx.Logger) *Server {
	if cfg.WriteLimit <= 0 {
		cfg.WriteLimit = 30
	}
	if cfg.WriteWindow <= 0 {
		cfg.WriteWindow = time.Hour
	}
	s := &Server{
		cfg:    cfg,
		store:  st,
		poller: poller,
		tokens: tokens,
		log:    log.With(logx.String("component", "api")),
	}
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/txid", s.handleTxid)

	// Mutations share one per-IP fixed window.
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(s.cfg.WriteLimit, s.cfg.WriteWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				writeErr(w, http.StatusTooManyRequests, "rate limit exceeded")
			}),
		))
		r.Post("/targets", s.handleCreateTarget)
		r.Delete("/targets/{id}", s.handleDeleteTarget)
		r.Post("/subscriptions", s.handleCreateSubscription)
		r.Delete("/subscriptions/{id}", s.handleDeleteSubscription)
	})
	return r
}

// Run serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("control api listening", logx.String("addr", s.cfg.ListenAddr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shCtx); err != nil {
		return err
	}
	return <-errc
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func writeOK(w http.ResponseWriter, code int, extra map[string]any) {
	body := map[string]any{"status": "ok"}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, code, body)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"status": "error", "error": msg})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
