package credentials

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/dvcrn/waystation-auth/internal/errors"
)

type envSeed struct {
	AccessToken  string `env:"WAYSTATION_ACCESS_TOKEN"`
	RefreshToken string `env:"WAYSTATION_REFRESH_TOKEN"`
	IDToken      string `env:"WAYSTATION_ID_TOKEN"`
	ExpiresAt    int64  `env:"WAYSTATION_EXPIRES_AT"`
	UserID       string `env:"WAYSTATION_USER_ID"`
	Email        string `env:"WAYSTATION_USER_EMAIL"`
}

// EnvStore seeds the credential from environment variables. It is read-only.
type EnvStore struct{}

// NewEnvStore creates a new environment-based credential source
func NewEnvStore() *EnvStore {
	return &EnvStore{}
}

// Load reads the credential from the environment.
func (e *EnvStore) Load() (*Credential, error) {
	var seed envSeed
	if err := env.Parse(&seed); err != nil {
		return nil, fmt.Errorf("failed to parse credential environment: %w", err)
	}
	if seed.AccessToken == "" {
		return nil, errors.Wrapf(errors.ErrNotFound, "WAYSTATION_ACCESS_TOKEN")
	}

	c := &Credential{
		AccessToken:  seed.AccessToken,
		RefreshToken: seed.RefreshToken,
		IDToken:      seed.IDToken,
		ExpiresAt:    seed.ExpiresAt,
	}
	if seed.UserID != "" {
		c.Identity = &Identity{Subject: seed.UserID, Email: seed.Email}
	}
	return c, nil
}

// Save returns an error: environment credentials cannot be updated.
func (e *EnvStore) Save(Credential) error {
	return errors.Wrapf(errors.ErrUnsupported, "environment credentials do not support updates")
}

// Clear returns an error: environment credentials cannot be removed.
func (e *EnvStore) Clear() error {
	return errors.Wrapf(errors.ErrUnsupported, "environment credentials do not support removal")
}
