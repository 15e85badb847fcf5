package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	BackendFile     = "file"
	BackendKeychain = "keychain"
	BackendEnv      = "env"
)

// Config is the daemon configuration. Every field can be set from the
// environment; the serve command overrides a few of them from flags.
type Config struct {
	Env      string `env:"ENV"`
	LogLevel string `env:"WAYSTATION_LOG_LEVEL" envDefault:"info"`

	ClientID    string        `env:"WAYSTATION_CLIENT_ID" envDefault:"5xEs1bi3TY8JNVHx"`
	AuthURL     string        `env:"WAYSTATION_AUTH_URL" envDefault:"https://clerk.waystation.ai/oauth/authorize"`
	TokenURL    string        `env:"WAYSTATION_TOKEN_URL" envDefault:"https://clerk.waystation.ai/oauth/token"`
	UserInfoURL string        `env:"WAYSTATION_USERINFO_URL" envDefault:"https://clerk.waystation.ai/oauth/userinfo"`
	OIDCIssuer  string        `env:"WAYSTATION_OIDC_ISSUER"`
	Scopes      []string      `env:"WAYSTATION_SCOPES" envSeparator:" " envDefault:"profile email"`
	RedirectURI string        `env:"WAYSTATION_REDIRECT_URI" envDefault:"waystation://oauth/callback"`
	HomeURL     string        `env:"WAYSTATION_HOME_URL" envDefault:"waystation://home"`
	Onboarding  string        `env:"WAYSTATION_ONBOARDING_URL" envDefault:"waystation://onboarding"`
	HTTPTimeout time.Duration `env:"WAYSTATION_HTTP_TIMEOUT" envDefault:"30s"`

	DataDir           string `env:"WAYSTATION_DATA_DIR"`
	AuthStorePath     string `env:"WAYSTATION_AUTH_STORE"`
	CredentialBackend string `env:"WAYSTATION_CREDENTIAL_BACKEND" envDefault:"file"`

	ListenAddr   string `env:"WAYSTATION_LISTEN_ADDR" envDefault:"127.0.0.1:9879"`
	ControlToken string `env:"WAYSTATION_CONTROL_TOKEN"`
}

// Load parses the environment and fills derived defaults.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() error {
	if c.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return err
		}
		c.DataDir = dir
	}
	if c.AuthStorePath == "" {
		c.AuthStorePath = filepath.Join(c.DataDir, ".auth.dat")
	}
	return c.Validate()
}

// Validate checks the settings the daemon cannot run without.
func (c Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("WAYSTATION_CLIENT_ID must not be empty")
	}
	if c.RedirectURI == "" {
		return fmt.Errorf("WAYSTATION_REDIRECT_URI must not be empty")
	}
	if c.OIDCIssuer == "" && (c.AuthURL == "" || c.TokenURL == "") {
		return fmt.Errorf("either WAYSTATION_OIDC_ISSUER or both auth and token URLs are required")
	}
	switch c.CredentialBackend {
	case BackendFile, BackendKeychain, BackendEnv:
	default:
		return fmt.Errorf("unknown credential backend %q", c.CredentialBackend)
	}
	return nil
}

// WayKeyPath is where the bearer token for local tooling is written.
func (c Config) WayKeyPath() string {
	return filepath.Join(c.DataDir, "token")
}

// OnboardingPath is the onboarding-completed marker file.
func (c Config) OnboardingPath() string {
	return filepath.Join(c.DataDir, "onboarding_completed")
}

// DefaultDataDir returns ~/.waystation.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".waystation"), nil
}
