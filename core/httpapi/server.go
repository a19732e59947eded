// Package httpapi exposes the operational HTTP surface: liveness, breaker and
// provider status, and JSON event ingestion for non-Telegram channels.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/m3rciful/marketbot/core/augment"
	"github.com/m3rciful/marketbot/core/dispatch"
	"github.com/m3rciful/marketbot/core/logger"
	"github.com/m3rciful/marketbot/core/resilience"
)

// maxEventBody caps the size of a POST /events body.
const maxEventBody = 64 << 10

// Dispatcher consumes inbound events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev dispatch.Event)
}

// Circuits reports breaker state.
type Circuits interface {
	Snapshot() []resilience.CircuitState
}

// Providers reports generation provider health.
type Providers interface {
	Health(ctx context.Context) []augment.Status
}

// Options wires the handlers. Circuits and Providers may be nil.
type Options struct {
	Dispatcher Dispatcher
	Circuits   Circuits
	Providers  Providers
	// EventsToken, when set, is required as a Bearer token on POST /events.
	EventsToken string
}

// Server owns the router and the listening http.Server.
type Server struct {
	opts   Options
	router chi.Router
}

// New builds the router.
func New(opts Options) *Server {
	s := &Server{opts: opts}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLog)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Route("/status", func(r chi.Router) {
		r.Get("/circuits", s.circuits)
		r.Get("/providers", s.providers)
	})
	r.Post("/events", s.events)

	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "http", "http.listen", slog.String("listen", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info(ctx, "http", "http.stop", slog.String("status", "ok"))
	return nil
}

func (s *Server) circuits(w http.ResponseWriter, _ *http.Request) {
	out := []resilience.CircuitState{}
	if s.opts.Circuits != nil {
		out = s.opts.Circuits.Snapshot()
	}
	JSON(w, http.StatusOK, map[string]any{"circuits": out})
}

func (s *Server) providers(w http.ResponseWriter, r *http.Request) {
	out := []augment.Status{}
	if s.opts.Providers != nil {
		out = s.opts.Providers.Health(r.Context())
	}
	JSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.opts.Dispatcher == nil {
		Error(w, http.StatusServiceUnavailable, "dispatcher unavailable")
		return
	}

	var ev dispatch.Event
	dec := json.NewDecoder(io.LimitReader(r.Body, maxEventBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		Error(w, http.StatusBadRequest, "malformed event")
		return
	}
	ev.UserID = strings.TrimSpace(ev.UserID)
	if ev.UserID == "" {
		Error(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if ev.ID == "" {
		ev.ID = chiMiddleware.GetReqID(r.Context())
	}

	ctx := logger.WithHandler(r.Context(), "http.events")
	s.opts.Dispatcher.Dispatch(ctx, ev)
	JSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "id": ev.ID})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.opts.EventsToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.EventsToken)) == 1
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx := logger.WithRID(r.Context(), logger.BuildRID("http", chiMiddleware.GetReqID(r.Context()), ""))
		next.ServeHTTP(ww, r.WithContext(ctx))
		logger.Debug(ctx, "http", "http.request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("http_code", ww.Status()),
			slog.Int64("duration_ms", logger.SinceMS(start)),
		)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
