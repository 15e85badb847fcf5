// Package session owns the current credential, keeps it fresh, and fans
// every change out to subscribers.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dvcrn/waystation-auth/internal/credentials"
	"github.com/dvcrn/waystation-auth/internal/errors"
	"github.com/dvcrn/waystation-auth/internal/scheduler"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RefreshMargin is how long before expiry a credential is renewed.
const RefreshMargin = 5 * time.Minute

// MinRefreshInterval is the shortest delay between a completed refresh and
// the next scheduled one.
const MinRefreshInterval = 30 * time.Second

// Broker is the native credential broker: it performs the OAuth exchanges
// and persists the result.
type Broker interface {
	InitiateLogin(ctx context.Context) error
	InitiateLogout(ctx context.Context) error
	ExchangeRefreshToken(ctx context.Context, refreshToken string) (credentials.Credential, error)
	ExchangeCallbackURL(ctx context.Context, rawURL string) (credentials.Credential, error)
	// PersistedCredential returns nil when nothing is stored.
	PersistedCredential(ctx context.Context) (*credentials.Credential, error)
	// Events delivers results of interactive logins completed out of process.
	Events() <-chan credentials.AuthEvent
}

// OnboardingMarker records that the user finished signing in for the first
// time.
type OnboardingMarker interface {
	MarkCompleted() error
}

// Options holds optional collaborators.
type Options struct {
	Clock      scheduler.Clock
	Onboarding OnboardingMarker
}

// Manager is the single owner of session state. Create one per process and
// pass it to every consumer.
type Manager struct {
	broker     Broker
	store      *credentials.Store
	scheduler  *scheduler.Scheduler
	clock      scheduler.Clock
	onboarding OnboardingMarker
	logger     zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	// mu serialises commits and guards gen, subs and closed.
	mu     sync.Mutex
	gen    uint64
	subs   []*subscription
	closed bool
}

// NewManager creates a manager holding Absent. Call Run to seed it from the
// broker's persisted credential and start consuming broker events.
func NewManager(broker Broker, logger zerolog.Logger, opts Options) *Manager {
	clock := opts.Clock
	if clock == nil {
		clock = scheduler.SystemClock
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		broker:     broker,
		store:      credentials.NewStore(),
		scheduler:  scheduler.New(clock, logger),
		clock:      clock,
		onboarding: opts.Onboarding,
		logger:     logger.With().Str("component", "session").Logger(),
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Run seeds the session from the persisted credential, then ingests broker
// events until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	m.seed(ctx)

	events := m.broker.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				<-ctx.Done()
				return nil
			}
			if ev.Succeeded() {
				m.OnNativeAuthSuccess(*ev.Credential)
			} else {
				m.OnNativeAuthError(ev.Error)
			}
		}
	}
}

func (m *Manager) seed(ctx context.Context) {
	cred, err := m.broker.PersistedCredential(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("⚠️  Failed to load persisted credential")
		return
	}
	if cred == nil {
		m.logger.Info().Msg("No persisted credential, starting signed out")
		return
	}

	m.logExpiry(*cred, "✅ Restored persisted credential")
	m.commit(credentials.Present(*cred))
}

// Login starts the broker's interactive flow. The outcome arrives later
// through OnNativeAuthSuccess, OnNativeAuthError or OnDeepLink, or never if
// the user abandons it.
func (m *Manager) Login(ctx context.Context) error {
	if err := m.broker.InitiateLogin(ctx); err != nil {
		m.logger.Error().Err(err).Msg("❌ Login failed")
		return kind(err, errors.ErrBrokerUnavailable)
	}
	m.logger.Info().Msg("Interactive login started")
	return nil
}

// Logout tears down the broker session and always ends Absent locally. The
// teardown error, if any, is still returned.
func (m *Manager) Logout(ctx context.Context) error {
	err := m.broker.InitiateLogout(ctx)
	m.commit(credentials.Absent())

	if err != nil {
		m.logger.Error().Err(err).Msg("❌ Logout teardown failed, local session cleared anyway")
		return kind(err, errors.ErrBrokerUnavailable)
	}
	m.logger.Info().Msg("Logged out")
	return nil
}

// Refresh exchanges the current refresh token. Success commits the new
// credential; failure commits Absent. If the session was replaced while the
// exchange was in flight, nothing is committed and ErrSuperseded is returned.
//
// Cancelling ctx only stops the wait: an exchange already placed still runs
// to completion and its result is committed.
func (m *Manager) Refresh(ctx context.Context) (credentials.Credential, error) {
	m.mu.Lock()
	current := m.store.Get()
	gen := m.gen
	m.mu.Unlock()

	cred, ok := current.Credential()
	if !ok || !cred.HasRefreshToken() {
		return credentials.Credential{}, errors.ErrNoRefreshToken
	}

	m.logExpiry(cred, "🔄 Refreshing credential")

	done := make(chan refreshResult, 1)
	go func() {
		next, err := m.refresh(context.WithoutCancel(ctx), gen, cred.RefreshToken)
		done <- refreshResult{cred: next, err: err}
	}()

	select {
	case r := <-done:
		return r.cred, r.err
	case <-ctx.Done():
		m.logger.Warn().Err(ctx.Err()).Msg("Refresh caller went away, exchange continues in the background")
		return credentials.Credential{}, ctx.Err()
	}
}

type refreshResult struct {
	cred credentials.Credential
	err  error
}

func (m *Manager) refresh(ctx context.Context, gen uint64, refreshToken string) (credentials.Credential, error) {
	next, err := m.broker.ExchangeRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			m.logger.Warn().Err(err).Msg("Credential refresh cancelled, session kept")
			return credentials.Credential{}, err
		}
		err = kind(err, errors.ErrExchangeFailed)
		if m.commitRefresh(gen, credentials.Absent()) {
			m.logger.Error().Err(err).Msg("❌ Credential refresh failed, session cleared")
		} else {
			m.logger.Warn().Err(err).Msg("Credential refresh failed after the session changed, ignoring")
		}
		return credentials.Credential{}, err
	}

	if !m.commitRefresh(gen, credentials.Present(next)) {
		// An overlapping refresh of the same token may have committed this
		// very credential first.
		if cur, ok := m.Current().Credential(); ok && cur.AccessToken == next.AccessToken {
			return next, nil
		}
		m.logger.Warn().Msg("Session changed during refresh, discarding refreshed credential")
		return credentials.Credential{}, errors.ErrSuperseded
	}

	m.logExpiry(next, "✅ Credential refreshed")
	return next, nil
}

// Current returns the committed state.
func (m *Manager) Current() credentials.State {
	return m.store.Get()
}

// NextRefresh reports when the pending automatic refresh will run.
func (m *Manager) NextRefresh() (time.Time, bool) {
	return m.scheduler.Pending()
}

// Subscribe registers fn. It is called once immediately with the current
// state, then with every committed state in commit order. The returned
// function unregisters fn; calling it more than once, or after Close, does
// nothing.
func (m *Manager) Subscribe(fn func(credentials.State)) (unsubscribe func()) {
	sub := newSubscription(uuid.NewString(), fn, m.logger)

	m.mu.Lock()
	current := m.store.Get()
	if m.closed {
		m.mu.Unlock()
		sub.deliver(current)
		sub.close()
		return func() {}
	}
	m.subs = append(m.subs, sub)
	m.mu.Unlock()

	sub.deliver(current)
	if !sub.closed() {
		go sub.run()
	}

	m.logger.Debug().Str("subscription", sub.id).Msg("Subscriber registered")

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(sub) })
	}
}

func (m *Manager) unsubscribe(sub *subscription) {
	m.mu.Lock()
	for i, s := range m.subs {
		if s == sub {
			m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	sub.close()
	m.logger.Debug().Str("subscription", sub.id).Msg("Subscriber removed")
}

// OnNativeAuthSuccess ingests a credential from the broker's event channel.
func (m *Manager) OnNativeAuthSuccess(cred credentials.Credential) {
	m.logExpiry(cred, "✅ Native login completed")
	m.commit(credentials.Present(cred))
}

// OnNativeAuthError ingests a failure from the broker's event channel.
func (m *Manager) OnNativeAuthError(message string) {
	m.logger.Error().Str("error", message).Msg("❌ Native login failed")
	m.commit(credentials.Absent())
}

// OnDeepLink exchanges an OAuth callback URL and commits the result:
// Present on success, Absent on failure.
func (m *Manager) OnDeepLink(ctx context.Context, rawURL string) error {
	cred, err := m.broker.ExchangeCallbackURL(ctx, rawURL)
	if err != nil && ctx.Err() != nil {
		m.logger.Warn().Err(err).Msg("OAuth callback processing cancelled, session kept")
		return err
	}
	if err != nil {
		err = kind(err, errors.ErrExchangeFailed)
		m.logger.Error().Err(err).Msg("❌ Failed to process OAuth callback")
		m.commit(credentials.Absent())
		return err
	}

	m.logExpiry(cred, "✅ OAuth callback exchanged")
	m.commit(credentials.Present(cred))

	if m.onboarding != nil {
		if err := m.onboarding.MarkCompleted(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to mark onboarding completed")
		}
	}
	return nil
}

// Close cancels any pending refresh and stops all subscriber delivery.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := m.subs
	m.subs = nil
	m.scheduler.Cancel()
	m.mu.Unlock()

	m.cancel()
	for _, s := range subs {
		s.close()
	}
}

func (m *Manager) commit(next credentials.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitLocked(next, time.Time{})
}

// commitRefresh commits the outcome of a refresh only if no other commit
// happened since gen was read. The next refresh is armed no earlier than
// MinRefreshInterval from now.
func (m *Manager) commitRefresh(gen uint64, next credentials.State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	m.commitLocked(next, m.clock.Now().Add(MinRefreshInterval))
	return true
}

// commitLocked is the single state transition: swap, re-arm or cancel the
// refresh, then queue the new state for every subscriber in registration
// order. Callbacks run on the subscribers' own goroutines, never under mu.
// A non-zero notBefore delays the armed refresh to at least that instant.
func (m *Manager) commitLocked(next credentials.State, notBefore time.Time) {
	m.store.Set(next)
	m.gen++

	if m.closed {
		return
	}

	if cred, ok := next.Credential(); ok && cred.CanAutoRefresh() {
		expiry, _ := cred.Expiry()
		at := expiry.Add(-RefreshMargin)
		if at.Before(notBefore) {
			m.logger.Warn().
				Time("expires_at", expiry).
				Dur("delay", notBefore.Sub(m.clock.Now())).
				Msg("⚠️ Refreshed credential expires within the refresh margin, delaying next refresh")
			at = notBefore
		}
		m.scheduler.Arm(cred, at, m.scheduledRefresh)
	} else {
		m.scheduler.Cancel()
	}

	for _, s := range m.subs {
		s.enqueue(next)
	}
}

// scheduledRefresh is the armed action. Its success path commits, which
// arms the next refresh.
func (m *Manager) scheduledRefresh() {
	if _, err := m.Refresh(m.baseCtx); err != nil {
		m.logger.Warn().Err(err).Msg("Scheduled refresh did not complete")
	}
}

func (m *Manager) logExpiry(cred credentials.Credential, msg string) {
	evt := m.logger.Info().
		Str("subject", cred.Subject()).
		Int("token_length", len(cred.AccessToken)).
		Bool("has_refresh_token", cred.HasRefreshToken())
	if expiry, ok := cred.Expiry(); ok {
		evt = evt.Int64("minutes_until_expiry", int64(expiry.Sub(m.clock.Now())/time.Minute))
	}
	evt.Msg(msg)
}

// kind makes sure err carries one of the error kinds callers branch on,
// wrapping it with fallback otherwise.
func kind(err, fallback error) error {
	for _, k := range []error{
		errors.ErrBrokerUnavailable,
		errors.ErrExchangeFailed,
		errors.ErrNoRefreshToken,
		errors.ErrSuperseded,
	} {
		if errors.Is(err, k) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", fallback, err)
}
