package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkwatch/internal/collection"
	"github.com/JakeFAU/linkwatch/internal/config"
	"github.com/JakeFAU/linkwatch/internal/metrics"
	"github.com/JakeFAU/linkwatch/internal/supervisor"
)

// Controller is the slice of the supervisor the server drives.
type Controller interface {
	Status() supervisor.Status
	Trigger() bool
	Cancel() bool
	ReloadFromSource() error
}

// Server wires HTTP handlers to the supervisor.
type Server struct {
	router chi.Router
	ctrl   Controller
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(ctrl Controller, cfg config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{ctrl: ctrl, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/status", s.status)
		r.Post("/reload", s.reload)
		r.Post("/cancel", s.cancel)
		r.Post("/collect", s.collect)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("control server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown control server: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toStatusResponse(s.ctrl.Status()))
}

func (s *Server) reload(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctrl.ReloadFromSource(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) cancel(w http.ResponseWriter, _ *http.Request) {
	if !s.ctrl.Cancel() {
		writeError(w, http.StatusConflict, "no cycle is running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) collect(w http.ResponseWriter, _ *http.Request) {
	if !s.ctrl.Trigger() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_pending"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type statusResponse struct {
	Running  bool           `json:"running"`
	Cycles   int64          `json:"cycles"`
	Interval string         `json:"interval"`
	NextRun  *time.Time     `json:"next_run,omitempty"`
	Last     *cycleResponse `json:"last,omitempty"`
}

type cycleResponse struct {
	CollectionID int64            `json:"collection_id"`
	State        string           `json:"state"`
	Pages        int64            `json:"pages"`
	Links        int64            `json:"links"`
	NewLinks     int64            `json:"new_links"`
	Skipped      int              `json:"skipped"`
	StartedAt    time.Time        `json:"started_at"`
	EndedAt      time.Time        `json:"ended_at"`
	Targets      []targetResponse `json:"targets"`
}

type targetResponse struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Outcome  string `json:"outcome"`
	Links    int    `json:"links"`
	NewLinks int    `json:"new_links"`
	Error    string `json:"error,omitempty"`
}

func toStatusResponse(st supervisor.Status) statusResponse {
	resp := statusResponse{
		Running:  st.Running,
		Cycles:   st.Cycles,
		Interval: st.Interval.String(),
	}
	if !st.NextRun.IsZero() {
		next := st.NextRun.UTC()
		resp.NextRun = &next
	}
	if st.Last != nil {
		resp.Last = toCycleResponse(*st.Last)
	}
	return resp
}

func toCycleResponse(res collection.Result) *cycleResponse {
	out := &cycleResponse{
		CollectionID: res.CollectionID,
		State:        string(res.State),
		Pages:        res.Stats.Pages,
		Links:        res.Stats.Links,
		NewLinks:     res.Stats.NewLinks,
		Skipped:      res.Skipped,
		StartedAt:    res.StartedAt,
		EndedAt:      res.EndedAt,
		Targets:      make([]targetResponse, 0, len(res.Targets)),
	}
	for _, t := range res.Targets {
		tr := targetResponse{
			Name:     t.Name,
			URL:      t.URL,
			Outcome:  t.Outcome,
			Links:    t.Links,
			NewLinks: t.NewLinks,
		}
		if t.Err != nil {
			tr.Error = t.Err.Error()
		}
		out.Targets = append(out.Targets, tr)
	}
	return out
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", reqID),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
