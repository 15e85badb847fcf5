package server

import (
	"time"

	"github.com/dvcrn/waystation-auth/internal/credentials"
)

// SessionStatus is the token-free view of the session.
type SessionStatus struct {
	Authenticated       bool                  `json:"authenticated"`
	Identity            *credentials.Identity `json:"identity,omitempty"`
	HasRefreshToken     bool                  `json:"has_refresh_token"`
	ExpiresAt           int64                 `json:"expires_at,omitempty"`
	MinutesUntilExpiry  *int64                `json:"minutes_until_expiry,omitempty"`
	NextRefreshAt       *time.Time            `json:"next_refresh_at,omitempty"`
	OnboardingCompleted bool                  `json:"onboarding_completed"`
}

// TokenResponse is returned by GET /session/token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
}

// DeepLinkRequest is the body of POST /deeplink.
type DeepLinkRequest struct {
	URLs []string `json:"urls"`
}

// NavigateEvent is published when a deep link asks the UI to move.
type NavigateEvent struct {
	To string `json:"to"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
