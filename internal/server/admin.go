package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// controlMiddleware checks the control token from either
// 'Authorization: Bearer <token>' or 'X-API-Key: <token>' headers. Without a
// configured token every request passes.
func (s *Server) controlMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.controlToken == "" {
			next(w, r)
			return
		}

		var providedToken string
		authHeader := r.Header.Get("Authorization")
		xAPIKeyHeader := r.Header.Get("X-API-Key")

		if authHeader != "" {
			// Expect "Bearer <token>" format, case-insensitive
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				s.logger.Warn().
					Str("method", r.Method).
					Str("uri", r.URL.Path).
					Str("remote_addr", r.RemoteAddr).
					Msg("Invalid Authorization header format for control endpoint")
				s.writeError(w, http.StatusUnauthorized, "invalid Authorization header format")
				return
			}
			providedToken = parts[1]
		} else if xAPIKeyHeader != "" {
			providedToken = xAPIKeyHeader
		} else {
			s.logger.Warn().
				Str("method", r.Method).
				Str("uri", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Missing required Authorization or X-API-Key header for control endpoint")
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		if subtle.ConstantTimeCompare([]byte(providedToken), []byte(s.controlToken)) != 1 {
			s.logger.Warn().
				Str("method", r.Method).
				Str("uri", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Invalid control token provided")
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next(w, r)
	}
}
