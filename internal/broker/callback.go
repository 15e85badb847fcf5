package broker

import (
	"context"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/dvcrn/waystation-auth/internal/credentials"
	"github.com/dvcrn/waystation-auth/internal/errors"
)

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Waystation</title></head>
<body><h1>{{.Title}}</h1><p>{{.Message}}</p></body></html>`))

// callbackServer receives the authorization redirect when the redirect URI
// points at the loopback interface.
type callbackServer struct {
	server   *http.Server
	listener net.Listener
}

// Stop shuts the listener down.
func (s *callbackServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
	_ = s.listener.Close()
}

func isLoopback(redirectURI string) bool {
	u, err := url.Parse(redirectURI)
	if err != nil || u.Scheme != "http" {
		return false
	}
	switch u.Hostname() {
	case "127.0.0.1", "localhost", "::1":
		return true
	}
	return false
}

func (b *OAuthBroker) ensureCallbackServer() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker closed")
	}
	if b.callback != nil {
		return nil
	}

	u, err := url.Parse(b.cfg.RedirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect URI: %w", err)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	listener, err := net.Listen("tcp", u.Host)
	if err != nil {
		return fmt.Errorf("failed to start callback server on %s: %w", u.Host, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, b.handleCallback)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			b.logger.Error().Err(err).Msg("Callback server stopped")
		}
	}()

	b.callback = &callbackServer{server: srv, listener: listener}
	b.logger.Info().Str("addr", listener.Addr().String()).Msg("Callback server listening")
	return nil
}

// handleCallback exchanges the code and reports the outcome on the event
// channel. Requests that match no pending login are rejected without an
// event so a stray hit cannot end the session.
func (b *OAuthBroker) handleCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	rawURL := b.cfg.RedirectURI + "?" + r.URL.RawQuery
	cred, err := b.ExchangeCallbackURL(context.WithoutCancel(r.Context()), rawURL)

	switch {
	case errors.Is(err, errors.ErrNoPendingLogin), errors.Is(err, errors.ErrStateMismatch):
		b.logger.Warn().Err(err).Msg("Ignoring unexpected callback")
		w.WriteHeader(http.StatusBadRequest)
		_ = callbackPage.Execute(w, map[string]string{"Title": "Sign-in failed", "Message": "This sign-in link is no longer valid."})
		return

	case err != nil:
		b.logger.Error().Err(err).Msg("❌ Callback exchange failed")
		w.WriteHeader(http.StatusBadRequest)
		_ = callbackPage.Execute(w, map[string]string{"Title": "Sign-in failed", "Message": err.Error()})
		b.emit(credentials.AuthEvent{Error: err.Error()})
		return
	}

	_ = callbackPage.Execute(w, map[string]string{"Title": "Signed in", "Message": "You can close this window."})
	b.emit(credentials.AuthEvent{Credential: &cred})
}
