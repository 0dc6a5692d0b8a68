// Package web exposes the calendar service over HTTP.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"golang.org/x/crypto/bcrypt"

	"smartcal/internal/calendar"
	"smartcal/internal/config"
	appLog "smartcal/internal/log"
	"smartcal/internal/model"
	"smartcal/internal/reconcile"
	"smartcal/internal/store"
)

const (
	maxBodyBytes      = 1 << 20
	maxICSBodyBytes   = 16 << 20
	defaultListDays   = 7
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Server routes API requests to a calendar.Service.
type Server struct {
	svc      *calendar.Service
	listen   string
	auth     *config.BasicAuthConfig
	router   *mux.Router
	validate *validator.Validate
	now      func() time.Time
}

func NewServer(svc *calendar.Service, cfg *config.Config) *Server {
	s := &Server{
		svc:      svc,
		listen:   cfg.Listen,
		auth:     cfg.BasicAuth,
		router:   mux.NewRouter(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the router wrapped with auth and CORS.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "user", s.auth.Username, "bcrypt", s.auth.PasswordHash != "")
		h = s.basicAuthMiddleware(h)
	}
	return cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	}).Handler(h)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(logRequests)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/parser-status", s.handleParserStatus).Methods(http.MethodGet)

	r.HandleFunc("/add-event", s.handleAddEvent).Methods(http.MethodPost)
	r.HandleFunc("/events", s.handleListEvents).Methods(http.MethodGet)
	r.HandleFunc("/events.ics", s.handleExport).Methods(http.MethodGet)
	r.HandleFunc("/events/{id}", s.handleGetEvent).Methods(http.MethodGet)
	r.HandleFunc("/events/{id}", s.handleUpdateEvent).Methods(http.MethodPatch)
	r.HandleFunc("/events/{id}", s.handleDeleteEvent).Methods(http.MethodDelete)
	r.HandleFunc("/import-ics", s.handleImport).Methods(http.MethodPost)

	r.HandleFunc("/sync-calendar", s.handleSync).Methods(http.MethodPost)
	r.HandleFunc("/conflicts", s.handleListConflicts).Methods(http.MethodGet)
	r.HandleFunc("/conflicts/{id}/resolve", s.handleResolveConflict).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

func (s *Server) basicAuthEnabled() bool {
	if s.auth == nil || s.auth.Username == "" {
		return false
	}
	return s.auth.Password != "" || s.auth.PasswordHash != ""
}

// basicAuthMiddleware guards everything except /health.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.auth.Username
	password := s.auth.Password
	hash := []byte(s.auth.PasswordHash)

	check := func(p string) bool {
		if len(hash) > 0 {
			return bcrypt.CompareHashAndPassword(hash, []byte(p)) == nil
		}
		return secureCompare(p, password)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !check(p) {
			w.Header().Set("WWW-Authenticate", `Basic realm="smartcal", charset="UTF-8"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

type errorResponse struct {
	Error     string                `json:"error"`
	Conflicts *model.ConflictReport `json:"conflicts,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrParse), errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, calendar.ErrConflict),
		errors.Is(err, store.ErrStale),
		errors.Is(err, reconcile.ErrStaleConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound), errors.Is(err, reconcile.ErrNoConflict):
		return http.StatusNotFound
	case errors.Is(err, reconcile.ErrAborted):
		return http.StatusBadGateway
	case errors.Is(err, calendar.ErrSyncDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		appLog.Error("api "+op+" failed", err)
	}
	writeError(w, status, err.Error())
}

// decode reads a JSON body into dst and runs struct validation.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %w", model.ErrValidation, err)
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %q", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", model.ErrValidation, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %w", model.ErrValidation, err)
	}
	return nil
}
