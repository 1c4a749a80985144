// Package api is the HTTP/JSON control surface: onboarding of user-owned
// codes with email verification, session-based management, the public status
// feed, metrics, and static file serving.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/oamwatch/oamwatch/monitor/config"
	"github.com/oamwatch/oamwatch/monitor/notify"
	"github.com/oamwatch/oamwatch/monitor/observability"
	"github.com/oamwatch/oamwatch/monitor/scheduler"
	"github.com/oamwatch/oamwatch/monitor/store"
)

const (
	pendingTTL      = 10 * time.Minute
	verifyTTL       = 10 * time.Minute
	sessionTTL      = 7 * 24 * time.Hour
	shutdownTimeout = 5 * time.Second
	maxBodyBytes    = 4 * 1024
)

// SpecsFunc returns the currently declared admin specs; backed by the config
// watcher so reloads are visible without restarting the server.
type SpecsFunc func() []config.CodeSpec

// Server wires the handlers to their collaborators.
type Server struct {
	store    *store.Manager
	control  scheduler.Control
	notifier *notify.Queue
	specs    SpecsFunc
	log      *zap.Logger

	validate *validator.Validate
	limiter  *ipLimiter
	hub      *StatusHub

	siteDir string
	baseURL string
	addr    string

	httpSrv *http.Server
	now     func() time.Time
}

// New builds the server. baseURL is the externally visible prefix used in
// verification links, e.g. "http://localhost:8000".
func New(st *store.Manager, control scheduler.Control, notifier *notify.Queue, specs SpecsFunc, siteDir, baseURL string, port int, log *zap.Logger) *Server {
	s := &Server{
		store:    st,
		control:  control,
		notifier: notifier,
		specs:    specs,
		log:      log,
		validate: validator.New(),
		limiter:  newIPLimiter(1, 5),
		siteDir:  siteDir,
		baseURL:  baseURL,
		addr:     fmt.Sprintf(":%d", port),
		now:      time.Now,
	}
	s.hub = NewStatusHub(s, log)
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         3600,
	}))

	r.Route("/api", func(r chi.Router) {
		r.With(s.rateLimited).Post("/add-code", s.handleAddCode)
		r.Get("/verify-add/{token}", s.handleVerifyAdd)
		r.With(s.rateLimited).Post("/send-manage-code", s.handleSendManageCode)
		r.Post("/verify-manage", s.handleVerifyManage)
		r.Post("/delete-code", s.handleDeleteCode)
		r.With(s.rateLimited).Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.Post("/verify-session", s.handleVerifySession)
		r.Get("/status", s.handleStatus)
		r.Get("/ws", s.hub.handleWS)
	})
	r.Handle("/metrics", promhttp.Handler())

	// Static site, if present.
	if fi, err := os.Stat(s.siteDir); err == nil && fi.IsDir() {
		r.Handle("/*", http.FileServer(http.Dir(filepath.Clean(s.siteDir))))
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully within the
// shutdown window.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown forced", zap.Error(err))
		s.httpSrv.Close()
	}
	return <-errCh
}

// rateLimited rejects callers exceeding the per-IP budget on mutation
// endpoints.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.Allow(host) {
			s.writeError(w, r, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return s.validate.Struct(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	observability.APIRequests.WithLabelValues(r.URL.Path, fmt.Sprintf("%dxx", status/100)).Inc()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string, details ...string) {
	body := map[string]any{"error": msg}
	if len(details) > 0 {
		body["details"] = details[0]
	}
	s.writeJSON(w, r, status, body)
}
