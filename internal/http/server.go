package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vaheed/novaspace/internal/logging"
	"github.com/vaheed/novaspace/internal/reconcile"
	"github.com/vaheed/novaspace/internal/store"
	"github.com/vaheed/novaspace/pkg/types"
)

const (
	otelServiceName   = "novaspace-api"
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// Reconciler is the part of the reconcile loop the API drives.
type Reconciler interface {
	Trigger()
	Last() (reconcile.Result, bool)
}

type Options struct {
	RequireAuth bool
	SigningKey  []byte
	// RequestsPerMinute limits each client IP; zero means 120.
	RequestsPerMinute int
}

// Server exposes address space status and a manual reconcile trigger.
type Server struct {
	store store.Store
	loop  Reconciler
	opts  Options
	auth  AuthConfig
}

func NewServer(st store.Store, loop Reconciler, opts Options) *Server {
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 120
	}
	return &Server{store: st, loop: loop, opts: opts, auth: AuthConfig{Key: opts.SigningKey}}
}

// Router returns the configured HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otelhttp.NewMiddleware(otelServiceName))
	r.Use(s.logMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(httprate.LimitByIP(s.opts.RequestsPerMinute, time.Minute))
		api.Use(s.authMiddleware)
		api.Get("/addressspaces", s.listSpaces)
		api.Get("/addressspaces/{name}", s.getSpace)
		api.Get("/addressspaces/{name}/events", s.listEvents)
		api.Get("/cycles/last", s.lastCycle)
		api.Post("/reconcile", s.triggerReconcile)
	})
	return r
}

// StartHTTP listens and serves until the context is canceled.
func StartHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		spanCtx := trace.SpanContextFromContext(r.Context())
		if spanCtx.IsValid() {
			fields = append(fields, zap.String("trace_id", spanCtx.TraceID().String()))
		}
		logging.L.Info("http_request", fields...)
	})
}

// authMiddleware attaches claims to the request. Reads stay open when auth
// is not required; the anonymous caller then only holds readOnly.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.opts.RequireAuth {
			next.ServeHTTP(w, r)
			return
		}
		c, err := s.auth.ParseFromHeader(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), c)))
	})
}

func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, allowed ...string) bool {
	if !s.opts.RequireAuth {
		return true
	}
	c := ClaimsFrom(r.Context())
	for _, want := range allowed {
		if HasRole(c, want) {
			return true
		}
	}
	writeError(w, http.StatusForbidden, CodeForbidden, "forbidden")
	return false
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Health(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "store not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listSpaces(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.ListStatuses(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	phase := types.Phase(r.URL.Query().Get("phase"))
	out := make([]types.SpaceStatus, 0, len(all))
	for _, st := range all {
		if phase == "" || st.Phase == phase {
			out = append(out, st)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSpace(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	st, err := s.store.GetStatus(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeNotFound, "address space "+name+" not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}
	evts, err := s.store.ListEvents(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evts)
}

func (s *Server) lastCycle(w http.ResponseWriter, r *http.Request) {
	res, ok := s.loop.Last()
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "no cycle has completed yet")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) triggerReconcile(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, r, RoleAdmin) {
		return
	}
	s.loop.Trigger()
	logging.L.Info("reconcile_triggered", zap.String("subject", ClaimsFrom(r.Context()).Subject))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	logging.L.Error("http_handler_error", zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
}
