package credentials

import (
	"time"
)

// Identity is the user summary attached to a credential. Only Subject is
// required.
type Identity struct {
	Subject string `json:"sub"`
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// Credential is the bundle of tokens representing an authenticated session.
// The JSON layout matches the persisted auth store.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	// ExpiresAt is a Unix timestamp in seconds; 0 means unknown.
	ExpiresAt int64     `json:"expires_at,omitempty"`
	Identity  *Identity `json:"user_info,omitempty"`
}

// Expiry returns the absolute expiry instant, if known.
func (c Credential) Expiry() (time.Time, bool) {
	if c.ExpiresAt <= 0 {
		return time.Time{}, false
	}
	return time.Unix(c.ExpiresAt, 0), true
}

// HasRefreshToken reports whether the credential can be renewed.
func (c Credential) HasRefreshToken() bool {
	return c.RefreshToken != ""
}

// CanAutoRefresh reports whether a renewal should be scheduled: both an
// expiry and a refresh token are required.
func (c Credential) CanAutoRefresh() bool {
	_, ok := c.Expiry()
	return ok && c.HasRefreshToken()
}

// Subject returns the identity subject or "" when unknown.
func (c Credential) Subject() string {
	if c.Identity == nil {
		return ""
	}
	return c.Identity.Subject
}

// Clone returns a deep copy.
func (c Credential) Clone() Credential {
	if c.Identity != nil {
		id := *c.Identity
		c.Identity = &id
	}
	return c
}

// AuthEvent is a result delivered asynchronously by the credential broker
// for an interactive login completed out of process. Exactly one of
// Credential and Error is set.
type AuthEvent struct {
	Credential *Credential
	Error      string
}

// Succeeded reports whether the event carries a credential.
func (e AuthEvent) Succeeded() bool {
	return e.Credential != nil
}
