// Package broker is the native credential broker. It runs the OAuth 2.0
// authorization code flow with PKCE against the identity provider, refreshes
// tokens, resolves the user identity and persists the result.
package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/dvcrn/waystation-auth/internal/config"
	"github.com/dvcrn/waystation-auth/internal/credentials"
	"github.com/dvcrn/waystation-auth/internal/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Opener shows the authorization URL to the user.
type Opener func(url string) error

// Options holds optional collaborators. Zero values select the defaults.
type Options struct {
	Opener     Opener
	HTTPClient *http.Client
	// WayKeyPath receives "Bearer <access token>" after every exchange.
	// Empty disables the way key file.
	WayKeyPath string
}

type pendingLogin struct {
	state    string
	verifier string
}

// OAuthBroker implements session.Broker.
type OAuthBroker struct {
	cfg       config.Config
	oauth     *oauth2.Config
	provider  *oidc.Provider
	verifier  *oidc.IDTokenVerifier
	persister credentials.Persister
	opener    Opener
	client    *http.Client
	wayKey    string
	logger    zerolog.Logger

	refreshes singleflight.Group
	events    chan credentials.AuthEvent
	done      chan struct{}

	mu       sync.Mutex
	pending  *pendingLogin
	last     *credentials.Credential
	callback *callbackServer
	closed   bool
}

// New builds a broker from cfg. When cfg.OIDCIssuer is set the provider's
// discovery document supplies the endpoints and ID tokens are verified.
func New(ctx context.Context, cfg config.Config, persister credentials.Persister, logger zerolog.Logger, opts Options) (*OAuthBroker, error) {
	client := opts.HTTPClient
	if client == nil {
		client = NewHTTPClient(cfg.HTTPTimeout)
	}
	opener := opts.Opener
	if opener == nil {
		opener = OpenBrowser
	}

	b := &OAuthBroker{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Scopes:      cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		persister: persister,
		opener:    opener,
		client:    client,
		wayKey:    opts.WayKeyPath,
		logger:    logger.With().Str("component", "broker").Logger(),
		events:    make(chan credentials.AuthEvent, 4),
		done:      make(chan struct{}),
	}

	if cfg.OIDCIssuer != "" {
		provider, err := oidc.NewProvider(oidc.ClientContext(ctx, client), cfg.OIDCIssuer)
		if err != nil {
			return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
		}
		endpoint := provider.Endpoint()
		endpoint.AuthStyle = oauth2.AuthStyleInParams
		b.oauth.Endpoint = endpoint
		b.oauth.Scopes = withOpenID(cfg.Scopes)
		b.provider = provider
		b.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
		b.logger.Info().Str("issuer", cfg.OIDCIssuer).Msg("Using OIDC discovery")
	}

	return b, nil
}

// InitiateLogin starts a new authorization code flow, replacing any pending
// one, and opens the authorization URL.
func (b *OAuthBroker) InitiateLogin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if isLoopback(b.cfg.RedirectURI) {
		if err := b.ensureCallbackServer(); err != nil {
			return fmt.Errorf("%w: %w", errors.ErrBrokerUnavailable, err)
		}
	}

	pending := &pendingLogin{
		state:    uuid.NewString(),
		verifier: oauth2.GenerateVerifier(),
	}
	authURL := b.oauth.AuthCodeURL(pending.state, oauth2.S256ChallengeOption(pending.verifier))

	b.mu.Lock()
	b.pending = pending
	b.mu.Unlock()

	if err := b.opener(authURL); err != nil {
		b.mu.Lock()
		if b.pending == pending {
			b.pending = nil
		}
		b.mu.Unlock()
		return fmt.Errorf("%w: %w", errors.ErrBrokerUnavailable, err)
	}

	b.logger.Info().Msg("🔐 Opened authorization URL")
	return nil
}

// InitiateLogout forgets the pending login and the cached credential, then
// clears persistence and the way key file.
func (b *OAuthBroker) InitiateLogout(ctx context.Context) error {
	b.mu.Lock()
	b.pending = nil
	b.last = nil
	b.mu.Unlock()

	var errs []error
	if err := b.persister.Clear(); err != nil && !errors.Is(err, errors.ErrUnsupported) {
		errs = append(errs, err)
	}
	if b.wayKey != "" {
		if err := credentials.RemoveWayKey(b.wayKey); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return errors.Wrapf(err, "logout teardown")
	}
	return nil
}

// ExchangeCallbackURL completes the pending login with the authorization
// code carried by rawURL.
func (b *OAuthBroker) ExchangeCallbackURL(ctx context.Context, rawURL string) (credentials.Credential, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return credentials.Credential{}, fmt.Errorf("%w: invalid callback URL: %w", errors.ErrExchangeFailed, err)
	}
	q := u.Query()

	pending, err := b.takePending(q.Get("state"))
	if err != nil {
		return credentials.Credential{}, err
	}

	if code := q.Get("error"); code != "" {
		msg := code
		if desc := q.Get("error_description"); desc != "" {
			msg = code + ": " + desc
		}
		return credentials.Credential{}, fmt.Errorf("%w: authorization failed: %s", errors.ErrExchangeFailed, msg)
	}

	code := q.Get("code")
	if code == "" {
		return credentials.Credential{}, fmt.Errorf("%w: callback is missing code", errors.ErrExchangeFailed)
	}

	tok, err := b.oauth.Exchange(b.httpContext(ctx), code, oauth2.VerifierOption(pending.verifier))
	if err != nil {
		return credentials.Credential{}, exchangeError("authorization code exchange", err)
	}

	cred, err := b.credentialFromToken(ctx, tok, nil)
	if err != nil {
		return credentials.Credential{}, err
	}
	if cred.Identity == nil {
		cred.Identity = b.resolveIdentity(ctx, tok, cred.IDToken)
	}

	b.remember(cred)
	return cred.Clone(), nil
}

// ExchangeRefreshToken redeems refreshToken. Concurrent calls for the same
// token share one request, which is not cancelled with ctx.
func (b *OAuthBroker) ExchangeRefreshToken(ctx context.Context, refreshToken string) (credentials.Credential, error) {
	if refreshToken == "" {
		return credentials.Credential{}, errors.ErrNoRefreshToken
	}
	v, err, shared := b.refreshes.Do(refreshToken, func() (any, error) {
		return b.refresh(context.WithoutCancel(ctx), refreshToken)
	})
	if err != nil {
		return credentials.Credential{}, err
	}
	if shared {
		b.logger.Debug().Msg("Joined in-flight refresh")
	}
	return v.(credentials.Credential).Clone(), nil
}

func (b *OAuthBroker) refresh(ctx context.Context, refreshToken string) (credentials.Credential, error) {
	src := b.oauth.TokenSource(b.httpContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return credentials.Credential{}, exchangeError("refresh token exchange", err)
	}

	cred, err := b.credentialFromToken(ctx, tok, b.previous(refreshToken))
	if err != nil {
		return credentials.Credential{}, err
	}

	b.remember(cred)
	return cred, nil
}

// PersistedCredential loads the stored credential, nil when there is none.
func (b *OAuthBroker) PersistedCredential(ctx context.Context) (*credentials.Credential, error) {
	cred, err := b.persister.Load()
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	b.mu.Lock()
	last := cred.Clone()
	b.last = &last
	b.mu.Unlock()
	return cred, nil
}

// Events delivers the outcome of logins completed on the loopback callback
// listener.
func (b *OAuthBroker) Events() <-chan credentials.AuthEvent {
	return b.events
}

// Close stops the callback listener. Pending event sends are abandoned.
func (b *OAuthBroker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	cb := b.callback
	b.callback = nil
	b.mu.Unlock()

	close(b.done)
	if cb != nil {
		cb.Stop()
	}
}

func (b *OAuthBroker) takePending(state string) (*pendingLogin, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return nil, errors.ErrNoPendingLogin
	}
	if b.pending.state != state {
		return nil, errors.ErrStateMismatch
	}
	p := b.pending
	b.pending = nil
	return p, nil
}

// previous is the credential refreshToken was issued with, used to fill in
// what a refresh response omits.
func (b *OAuthBroker) previous(refreshToken string) *credentials.Credential {
	b.mu.Lock()
	if b.last != nil && b.last.RefreshToken == refreshToken {
		prev := b.last.Clone()
		b.mu.Unlock()
		return &prev
	}
	b.mu.Unlock()

	stored, err := b.persister.Load()
	if err != nil || stored.RefreshToken != refreshToken {
		return nil
	}
	return stored
}

// remember caches cred, persists it and writes the way key. Storage errors
// are logged; the exchange itself succeeded.
func (b *OAuthBroker) remember(cred credentials.Credential) {
	b.mu.Lock()
	last := cred.Clone()
	b.last = &last
	b.mu.Unlock()

	if err := b.persister.Save(cred); err != nil && !errors.Is(err, errors.ErrUnsupported) {
		b.logger.Error().Err(err).Msg("❌ Failed to persist credential")
	}
	if b.wayKey != "" {
		if err := credentials.WriteWayKey(b.wayKey, cred.AccessToken); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to write way key")
		}
	}
}

func (b *OAuthBroker) emit(ev credentials.AuthEvent) {
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

func (b *OAuthBroker) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, b.client)
}

func exchangeError(what string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode != "" {
		return fmt.Errorf("%w: %s: %s", errors.ErrExchangeFailed, what, re.ErrorCode)
	}
	return fmt.Errorf("%w: %s: %w", errors.ErrExchangeFailed, what, err)
}

func withOpenID(scopes []string) []string {
	for _, s := range scopes {
		if s == oidc.ScopeOpenID {
			return scopes
		}
	}
	return append([]string{oidc.ScopeOpenID}, scopes...)
}
