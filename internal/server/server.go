// Package server is the loopback control API of the session daemon.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dvcrn/waystation-auth/internal/credentials"
	"github.com/dvcrn/waystation-auth/internal/errors"
	"github.com/rs/zerolog"
)

// sseFlushWriter wraps a ResponseWriter to flush after each write.
type sseFlushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw sseFlushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil {
		fw.f.Flush()
	}
	return n, err
}

// Session is the part of the session manager the API drives.
type Session interface {
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	Refresh(ctx context.Context) (credentials.Credential, error)
	Current() credentials.State
	NextRefresh() (time.Time, bool)
	Subscribe(fn func(credentials.State)) (unsubscribe func())
}

// OnboardingStatus reports the onboarding flag.
type OnboardingStatus interface {
	Completed() bool
}

// Options holds optional collaborators.
type Options struct {
	Onboarding OnboardingStatus
	// Deliveries receives deep link batches posted to /deeplink.
	Deliveries chan<- []string
	Hub        *Hub
	// ControlToken, when set, is required on every route but /health.
	ControlToken string
}

type Server struct {
	session      Session
	onboarding   OnboardingStatus
	deliveries   chan<- []string
	hub          *Hub
	controlToken string
	mux          *http.ServeMux
	logger       zerolog.Logger
	now          func() time.Time
}

func New(logger zerolog.Logger, session Session, opts Options) *Server {
	hub := opts.Hub
	if hub == nil {
		hub = NewHub(logger)
	}
	s := &Server{
		session:      session,
		onboarding:   opts.Onboarding,
		deliveries:   opts.Deliveries,
		hub:          hub,
		controlToken: opts.ControlToken,
		mux:          http.NewServeMux(),
		logger:       logger.With().Str("component", "server").Logger(),
		now:          time.Now,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/session", s.controlMiddleware(s.sessionHandler))
	s.mux.HandleFunc("/session/token", s.controlMiddleware(s.tokenHandler))
	s.mux.HandleFunc("/login", s.controlMiddleware(s.loginHandler))
	s.mux.HandleFunc("/logout", s.controlMiddleware(s.logoutHandler))
	s.mux.HandleFunc("/refresh", s.controlMiddleware(s.refreshHandler))
	s.mux.HandleFunc("/deeplink", s.controlMiddleware(s.deepLinkHandler))
	s.mux.HandleFunc("/events", s.controlMiddleware(s.eventsHandler))
	s.mux.HandleFunc("/", s.notFoundHandler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.loggingMiddleware(s.mux).ServeHTTP(w, r)
}

// WatchSession publishes every committed session state on the event stream
// until the returned function is called.
func (s *Server) WatchSession() (stop func()) {
	return s.session.Subscribe(func(state credentials.State) {
		s.hub.Publish(EventSession, s.statusOf(state))
	})
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.logger.Debug().
			Str("method", r.Method).
			Str("uri", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Str("user_agent", r.UserAgent()).
			Msg("Incoming request")
		next.ServeHTTP(w, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("uri", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Finished request")
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "ok"}`))
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn().
		Str("method", r.Method).
		Str("uri", r.URL.Path).
		Str("remote_addr", r.RemoteAddr).
		Msg("Unhandled route")
	http.NotFound(w, r)
}

// sessionHandler handles GET /session. Tokens are never included.
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.status())
}

// tokenHandler handles GET /session/token for local tooling.
func (s *Server) tokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	cred, ok := s.session.Current().Credential()
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	s.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken: cred.AccessToken,
		ExpiresAt:   cred.ExpiresAt,
	})
}

// loginHandler handles POST /login. It only starts the flow; the outcome
// arrives on /events.
func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := s.session.Login(r.Context()); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
}

func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := s.session.Logout(r.Context()); err != nil {
		// The local session is gone either way.
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) refreshHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if _, err := s.session.Refresh(r.Context()); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.status())
}

// deepLinkHandler handles POST /deeplink with a {"urls": [...]} batch.
func (s *Server) deepLinkHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deliveries == nil {
		s.writeError(w, http.StatusNotImplemented, "deep links are not enabled")
		return
	}

	var req DeepLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Error().Err(err).Msg("Failed to parse request body")
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "missing required field: urls")
		return
	}

	select {
	case s.deliveries <- req.URLs:
	case <-r.Context().Done():
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) status() SessionStatus {
	return s.statusOf(s.session.Current())
}

func (s *Server) statusOf(state credentials.State) SessionStatus {
	status := SessionStatus{}
	if s.onboarding != nil {
		status.OnboardingCompleted = s.onboarding.Completed()
	}

	cred, ok := state.Credential()
	if !ok {
		return status
	}

	status.Authenticated = true
	status.Identity = cred.Identity
	status.HasRefreshToken = cred.HasRefreshToken()
	if expiry, ok := cred.Expiry(); ok {
		status.ExpiresAt = cred.ExpiresAt
		minutes := int64(expiry.Sub(s.now()) / time.Minute)
		status.MinutesUntilExpiry = &minutes
	}
	if at, ok := s.session.NextRefresh(); ok {
		status.NextRefreshAt = &at
	}
	return status
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrNoRefreshToken):
		return http.StatusUnauthorized
	case errors.Is(err, errors.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, errors.ErrBrokerUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, errors.ErrExchangeFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
