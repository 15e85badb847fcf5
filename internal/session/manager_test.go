package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dvcrn/waystation-auth/internal/credentials"
	"github.com/dvcrn/waystation-auth/internal/errors"
	"github.com/dvcrn/waystation-auth/internal/scheduler/schedulertest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeBroker struct {
	mu           sync.Mutex
	loginErr     error
	logoutErr    error
	refreshFn    func(ctx context.Context, refreshToken string) (credentials.Credential, error)
	callbackFn   func(ctx context.Context, rawURL string) (credentials.Credential, error)
	persisted    *credentials.Credential
	persistedErr error
	events       chan credentials.AuthEvent

	logins       int
	logouts      int
	refreshCalls []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{events: make(chan credentials.AuthEvent, 8)}
}

func (b *fakeBroker) InitiateLogin(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logins++
	return b.loginErr
}

func (b *fakeBroker) InitiateLogout(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logouts++
	return b.logoutErr
}

func (b *fakeBroker) ExchangeRefreshToken(ctx context.Context, refreshToken string) (credentials.Credential, error) {
	b.mu.Lock()
	b.refreshCalls = append(b.refreshCalls, refreshToken)
	fn := b.refreshFn
	b.mu.Unlock()
	if fn == nil {
		return credentials.Credential{}, fmt.Errorf("no refresh configured")
	}
	return fn(ctx, refreshToken)
}

func (b *fakeBroker) ExchangeCallbackURL(ctx context.Context, rawURL string) (credentials.Credential, error) {
	if b.callbackFn == nil {
		return credentials.Credential{}, fmt.Errorf("no callback configured")
	}
	return b.callbackFn(ctx, rawURL)
}

func (b *fakeBroker) PersistedCredential(context.Context) (*credentials.Credential, error) {
	return b.persisted, b.persistedErr
}

func (b *fakeBroker) Events() <-chan credentials.AuthEvent {
	return b.events
}

func (b *fakeBroker) refreshes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.refreshCalls...)
}

type fakeOnboarding struct {
	mu     sync.Mutex
	marked int
}

func (f *fakeOnboarding) MarkCompleted() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked++
	return nil
}

func (f *fakeOnboarding) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marked
}

func newTestManager(t *testing.T, b *fakeBroker) (*Manager, *schedulertest.Clock) {
	t.Helper()
	clock := schedulertest.NewClock(epoch)
	m := NewManager(b, zerolog.Nop(), Options{Clock: clock})
	t.Cleanup(m.Close)
	return m, clock
}

// collect subscribes and returns a channel of delivered states.
func collect(t *testing.T, m *Manager) (<-chan credentials.State, func()) {
	t.Helper()
	ch := make(chan credentials.State, 64)
	unsub := m.Subscribe(func(s credentials.State) { ch <- s })
	return ch, unsub
}

func next(t *testing.T, ch <-chan credentials.State) credentials.State {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session notification")
		return credentials.State{}
	}
}

func token(t *testing.T, s credentials.State) string {
	t.Helper()
	c, ok := s.Credential()
	if !ok {
		return ""
	}
	return c.AccessToken
}

func expiring(access, refresh string, in time.Duration) credentials.Credential {
	return credentials.Credential{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    epoch.Add(in).Unix(),
	}
}

func TestCommitArmsRefreshFiveMinutesBeforeExpiry(t *testing.T) {
	m, _ := newTestManager(t, newFakeBroker())

	m.OnNativeAuthSuccess(expiring("a1", "r1", 3600*time.Second))

	at, ok := m.NextRefresh()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(3300*time.Second), at)
	assert.Equal(t, "a1", token(t, m.Current()))
}

func TestCommitWithoutRefreshTokenDoesNotArm(t *testing.T) {
	m, _ := newTestManager(t, newFakeBroker())

	m.OnNativeAuthSuccess(expiring("a1", "", time.Hour))
	_, ok := m.NextRefresh()
	assert.False(t, ok)

	m.OnNativeAuthSuccess(credentials.Credential{AccessToken: "a2", RefreshToken: "r2"})
	_, ok = m.NextRefresh()
	assert.False(t, ok, "no expiry means no automatic renewal")
}

func TestRefreshReschedulesFromNewExpiry(t *testing.T) {
	b := newFakeBroker()
	b.refreshFn = func(_ context.Context, rt string) (credentials.Credential, error) {
		return expiring("a2", "r2", 2*time.Hour), nil
	}
	m, _ := newTestManager(t, b)
	m.OnNativeAuthSuccess(expiring("a1", "r1", time.Hour))

	got, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a2", got.AccessToken)
	assert.Equal(t, []string{"r1"}, b.refreshes())

	at, ok := m.NextRefresh()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(2*time.Hour-RefreshMargin), at)
}

func TestScheduledRefreshRunsAndRearms(t *testing.T) {
	b := newFakeBroker()
	var n int
	b.refreshFn = func(_ context.Context, rt string) (credentials.Credential, error) {
		n++
		return expiring(fmt.Sprintf("a%d", n+1), fmt.Sprintf("r%d", n+1), time.Duration(n+1)*time.Hour), nil
	}
	m, clock := newTestManager(t, b)
	ch, _ := collect(t, m)
	assert.False(t, next(t, ch).IsPresent())

	m.OnNativeAuthSuccess(expiring("a1", "r1", time.Hour))
	assert.Equal(t, "a1", token(t, next(t, ch)))

	clock.Advance(time.Hour - RefreshMargin)
	assert.Equal(t, "a2", token(t, next(t, ch)))
	assert.Equal(t, []string{"r1"}, b.refreshes())

	at, ok := m.NextRefresh()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(2*time.Hour-RefreshMargin), at)

	clock.Advance(time.Hour)
	assert.Equal(t, "a3", token(t, next(t, ch)))
	assert.Equal(t, []string{"r1", "r2"}, b.refreshes())
}

func TestExpiredCredentialRefreshesImmediately(t *testing.T) {
	b := newFakeBroker()
	b.refreshFn = func(context.Context, string) (credentials.Credential, error) {
		return expiring("a2", "r2", time.Hour), nil
	}
	m, clock := newTestManager(t, b)

	m.OnNativeAuthSuccess(expiring("a1", "r1", 2*time.Minute))
	at, ok := m.NextRefresh()
	require.True(t, ok)
	assert.True(t, at.Before(epoch), "target is in the past")

	clock.Advance(0)
	assert.Equal(t, "a2", token(t, m.Current()))
}

func TestRefreshFailureClearsSession(t *testing.T) {
	b := newFakeBroker()
	b.refreshFn = func(context.Context, string) (credentials.Credential, error) {
		return credentials.Credential{}, fmt.Errorf("invalid_grant")
	}
	m, _ := newTestManager(t, b)
	m.OnNativeAuthSuccess(expiring("a1", "r1", time.Hour))

	_, err := m.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrExchangeFailed))
	assert.ErrorContains(t, err, "invalid_grant")

	assert.False(t, m.Current().IsPresent())
	_, ok := m.NextRefresh()
	assert.False(t, ok, "no pending refresh remains armed")
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	b := newFakeBroker()
	m, _ := newTestManager(t, b)

	_, err := m.Refresh(context.Background())
	assert.True(t, errors.Is(err, errors.ErrNoRefreshToken))

	m.OnNativeAuthSuccess(credentials.Credential{AccessToken: "a1"})
	_, err = m.Refresh(context.Background())
	assert.True(t, errors.Is(err, errors.ErrNoRefreshToken))
	assert.Equal(t, "a1", token(t, m.Current()), "state untouched")
	assert.Empty(t, b.refreshes())
}

func TestRefreshSupersededByLogout(t *testing.T) {
	b := newFakeBroker()
	started := make(chan struct{})
	release := make(chan struct{})
	b.refreshFn = func(context.Context, string) (credentials.Credential, error) {
		close(started)
		<-release
		return expiring("a2", "r2", time.Hour), nil
	}
	m, _ := newTestManager(t, b)
	m.OnNativeAuthSuccess(expiring("a1", "r1", time.Hour))

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Refresh(context.Background())
		errCh <- err
	}()

	<-started
	require.NoError(t, m.Logout(context.Background()))
	close(release)

	err := <-errCh
	assert.True(t, errors.Is(err, errors.ErrSuperseded))
	assert.False(t, m.Current().IsPresent(), "logout wins over the late refresh")
	_, ok := m.NextRefresh()
	assert.False(t, ok)
}

func TestRefreshCallerCancelKeepsSession(t *testing.T) {
	b := newFakeBroker()
	started := make(chan struct{})
	release := make(chan struct{})
	b.refreshFn = func(ctx context.Context, _ string) (credentials.Credential, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return credentials.Credential{}, err
		}
		return expiring("a2", "r2", time.Hour), nil
	}
	m, _ := newTestManager(t, b)
	m.OnNativeAuthSuccess(expiring("a1", "r1", time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Refresh(ctx)
		errCh <- err
	}()

	<-started
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, "a1", token(t, m.Current()), "session kept while the exchange runs")

	close(release)
	require.Eventually(t, func() bool {
		return token(t, m.Current()) == "a2"
	}, 2*time.Second, 10*time.Millisecond, "exchange result committed after the caller left")
}

func TestRefreshCancelledExchangeKeepsSession(t *testing.T) {
	b := newFakeBroker()
	b.refreshFn = func(context.Context, string) (credentials.Credential, error) {
		return credentials.Credential{}, fmt.Errorf("refresh token exchange: %w", context.Canceled)
	}
	m, _ := newTestManager(t, b)
	m.OnNativeAuthSuccess(expiring("a1", "r1", time.Hour))

	_, err := m.Refresh(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "a1", token(t, m.Current()))
	_, ok := m.NextRefresh()
	assert.True(t, ok)
}

func TestOverlappingRefreshesBothSucceed(t *testing.T) {
	b := newFakeBroker()
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	refreshed := expiring("a2", "r2", time.Hour)
	b.refreshFn = func(context.Context, string) (credentials.Credential, error) {
		once.Do(func() { close(started) })
		<-release
		return refreshed, nil
	}
	m, _ := newTestManager(t, b)
	m.OnNativeAuthSuccess(expiring("a1", "r1", time.Hour))

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Refresh(context.Background())
		errCh <- err
	}()

	<-started
	// The other caller of the shared exchange commits first.
	m.OnNativeAuthSuccess(refreshed)
	close(release)

	require.NoError(t, <-errCh)
	assert.Equal(t, "a2", token(t, m.Current()))
}

func TestShortLivedRefreshDelaysNextRefresh(t *testing.T) {
	b := newFakeBroker()
	b.refreshFn = func(context.Context, string) (credentials.Credential, error) {
		return expiring("a2", "r2", 2*time.Minute), nil
	}
	m, clock := newTestManager(t, b)
	m.OnNativeAuthSuccess(expiring("a1", "r1", time.Hour))

	_, err := m.Refresh(context.Background())
	require.NoError(t, err)

	at, ok := m.NextRefresh()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(MinRefreshInterval), at)

	clock.Advance(MinRefreshInterval - time.Second)
	assert.Equal(t, []string{"r1"}, b.refreshes(), "no refresh before the floor")
	clock.Advance(time.Second)
	assert.Equal(t, []string{"r1", "r2"}, b.refreshes())
}

func TestLogoutClearsEvenWhenTeardownFails(t *testing.T) {
	b := newFakeBroker()
	teardown := fmt.Errorf("keychain locked")
	b.logoutErr = teardown
	m, _ := newTestManager(t, b)
	m.OnNativeAuthSuccess(expiring("a1", "r1", time.Hour))

	err := m.Logout(context.Background())
	assert.True(t, errors.Is(err, teardown))
	assert.False(t, m.Current().IsPresent())
	_, ok := m.NextRefresh()
	assert.False(t, ok)
	assert.Equal(t, 1, b.logouts)
}

func TestLoginReportsBrokerUnavailable(t *testing.T) {
	b := newFakeBroker()
	b.loginErr = fmt.Errorf("xdg-open: not found")
	m, _ := newTestManager(t, b)

	err := m.Login(context.Background())
	assert.True(t, errors.Is(err, errors.ErrBrokerUnavailable))
	assert.False(t, m.Current().IsPresent())

	b.loginErr = nil
	assert.NoError(t, m.Login(context.Background()))
	assert.False(t, m.Current().IsPresent(), "login only initiates the flow")
	assert.Equal(t, 2, b.logins)
}

func TestNativeAuthErrorClearsSession(t *testing.T) {
	m, _ := newTestManager(t, newFakeBroker())
	m.OnNativeAuthSuccess(expiring("a1", "r1", time.Hour))

	m.OnNativeAuthError("access_denied")
	assert.False(t, m.Current().IsPresent())
	_, ok := m.NextRefresh()
	assert.False(t, ok)
}

func TestOnDeepLink(t *testing.T) {
	b := newFakeBroker()
	onboarding := &fakeOnboarding{}
	clock := schedulertest.NewClock(epoch)
	m := NewManager(b, zerolog.Nop(), Options{Clock: clock, Onboarding: onboarding})
	defer m.Close()

	var gotURL string
	b.callbackFn = func(_ context.Context, rawURL string) (credentials.Credential, error) {
		gotURL = rawURL
		return expiring("a1", "r1", time.Hour), nil
	}

	require.NoError(t, m.OnDeepLink(context.Background(), "waystation://oauth/callback?code=xyz&state=s"))
	assert.Equal(t, "waystation://oauth/callback?code=xyz&state=s", gotURL)
	assert.Equal(t, "a1", token(t, m.Current()))
	assert.Equal(t, 1, onboarding.count())
	_, ok := m.NextRefresh()
	assert.True(t, ok)

	b.callbackFn = func(context.Context, string) (credentials.Credential, error) {
		return credentials.Credential{}, errors.ErrStateMismatch
	}
	err := m.OnDeepLink(context.Background(), "waystation://oauth/callback?code=bad")
	assert.True(t, errors.Is(err, errors.ErrExchangeFailed))
	assert.True(t, errors.Is(err, errors.ErrStateMismatch))
	assert.False(t, m.Current().IsPresent())
	assert.Equal(t, 1, onboarding.count())
}

func TestOnDeepLinkCancelledKeepsSession(t *testing.T) {
	b := newFakeBroker()
	m, _ := newTestManager(t, b)
	m.OnNativeAuthSuccess(expiring("a1", "r1", time.Hour))

	b.callbackFn = func(ctx context.Context, _ string) (credentials.Credential, error) {
		return credentials.Credential{}, ctx.Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.OnDeepLink(ctx, "waystation://oauth/callback?code=xyz&state=s")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "a1", token(t, m.Current()))
}

func TestLateSubscriberReceivesCurrentImmediately(t *testing.T) {
	m, _ := newTestManager(t, newFakeBroker())
	m.OnNativeAuthSuccess(expiring("a1", "r1", time.Hour))

	var got []string
	unsub := m.Subscribe(func(s credentials.State) { got = append(got, token(t, s)) })
	defer unsub()

	assert.Equal(t, []string{"a1"}, got, "delivered synchronously inside Subscribe")
}

func TestSubscribersSeeEveryCommitInOrder(t *testing.T) {
	m, _ := newTestManager(t, newFakeBroker())
	a, _ := collect(t, m)
	b, _ := collect(t, m)
	next(t, a)
	next(t, b)

	for i := 1; i <= 20; i++ {
		if i%5 == 0 {
			m.OnNativeAuthError("boom")
			continue
		}
		m.OnNativeAuthSuccess(credentials.Credential{AccessToken: fmt.Sprintf("a%d", i)})
	}

	for _, ch := range []<-chan credentials.State{a, b} {
		for i := 1; i <= 20; i++ {
			want := fmt.Sprintf("a%d", i)
			if i%5 == 0 {
				want = ""
			}
			assert.Equal(t, want, token(t, next(t, ch)))
		}
	}
}

func TestConcurrentCommitsDeliverSameSequence(t *testing.T) {
	b := newFakeBroker()
	b.callbackFn = func(_ context.Context, rawURL string) (credentials.Credential, error) {
		return credentials.Credential{AccessToken: rawURL}, nil
	}
	m, _ := newTestManager(t, b)

	const writers, perWriter = 8, 25
	const total = writers*perWriter + 1

	var mu sync.Mutex
	seqA, seqB := []string{}, []string{}
	doneA, doneB := make(chan struct{}), make(chan struct{})
	m.Subscribe(func(s credentials.State) {
		mu.Lock()
		seqA = append(seqA, token(t, s))
		if len(seqA) == total {
			close(doneA)
		}
		mu.Unlock()
	})
	m.Subscribe(func(s credentials.State) {
		mu.Lock()
		seqB = append(seqB, token(t, s))
		if len(seqB) == total {
			close(doneB)
		}
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				switch i % 3 {
				case 0:
					m.OnNativeAuthSuccess(credentials.Credential{AccessToken: fmt.Sprintf("n%d-%d", w, i)})
				case 1:
					_ = m.OnDeepLink(context.Background(), fmt.Sprintf("d%d-%d", w, i))
				default:
					m.OnNativeAuthError("x")
				}
			}
		}(w)
	}
	wg.Wait()

	for _, done := range []chan struct{}{doneA, doneB} {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for deliveries")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, seqA, seqB, "every subscriber sees the same commit order")
	assert.Equal(t, token(t, m.Current()), seqA[len(seqA)-1], "last delivery is the final state")
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	m, _ := newTestManager(t, newFakeBroker())

	block := make(chan struct{})
	defer close(block)
	first := true
	m.Subscribe(func(credentials.State) {
		if first {
			first = false
			return
		}
		<-block
	})

	fast, _ := collect(t, m)
	next(t, fast)

	m.OnNativeAuthSuccess(credentials.Credential{AccessToken: "a1"})
	m.OnNativeAuthSuccess(credentials.Credential{AccessToken: "a2"})

	assert.Equal(t, "a1", token(t, next(t, fast)))
	assert.Equal(t, "a2", token(t, next(t, fast)))
	assert.Equal(t, "a2", token(t, m.Current()))
}

func TestPanickingSubscriberIsContained(t *testing.T) {
	m, _ := newTestManager(t, newFakeBroker())

	calls := 0
	m.Subscribe(func(credentials.State) {
		calls++
		if calls > 1 {
			panic("subscriber bug")
		}
	})
	ch, _ := collect(t, m)
	next(t, ch)

	m.OnNativeAuthSuccess(credentials.Credential{AccessToken: "a1"})
	m.OnNativeAuthSuccess(credentials.Credential{AccessToken: "a2"})
	assert.Equal(t, "a1", token(t, next(t, ch)))
	assert.Equal(t, "a2", token(t, next(t, ch)))
}

func TestSubscriberMayCallBackIntoManager(t *testing.T) {
	b := newFakeBroker()
	m, _ := newTestManager(t, b)

	nested := make(chan credentials.State, 8)
	loggedOut := make(chan struct{})
	var once sync.Once
	m.Subscribe(func(s credentials.State) {
		if !s.IsPresent() {
			return
		}
		once.Do(func() {
			m.Subscribe(func(s credentials.State) { nested <- s })
			assert.NoError(t, m.Logout(context.Background()))
			close(loggedOut)
		})
	})

	m.OnNativeAuthSuccess(credentials.Credential{AccessToken: "a1"})

	select {
	case <-loggedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber calling Logout deadlocked")
	}
	assert.False(t, m.Current().IsPresent())

	assert.Equal(t, "a1", token(t, next(t, nested)))
	assert.False(t, next(t, nested).IsPresent())
}

func TestUnsubscribe(t *testing.T) {
	m, _ := newTestManager(t, newFakeBroker())
	ch, unsub := collect(t, m)
	next(t, ch)

	unsub()
	unsub()

	m.OnNativeAuthSuccess(credentials.Credential{AccessToken: "a1"})
	select {
	case s := <-ch:
		t.Fatalf("unexpected delivery after unsubscribe: %v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeInsideCallback(t *testing.T) {
	m, _ := newTestManager(t, newFakeBroker())

	var unsub func()
	got := make(chan string, 8)
	unsub = m.Subscribe(func(s credentials.State) {
		got <- token(t, s)
		if s.IsPresent() {
			unsub()
		}
	})
	other, _ := collect(t, m)
	next(t, other)

	m.OnNativeAuthSuccess(credentials.Credential{AccessToken: "a1"})
	m.OnNativeAuthSuccess(credentials.Credential{AccessToken: "a2"})
	assert.Equal(t, "a1", token(t, next(t, other)))
	assert.Equal(t, "a2", token(t, next(t, other)))

	assert.Equal(t, "", <-got)
	assert.Equal(t, "a1", <-got)
	select {
	case s := <-got:
		t.Fatalf("unexpected delivery after unsubscribing inside callback: %q", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeAfterClose(t *testing.T) {
	m := NewManager(newFakeBroker(), zerolog.Nop(), Options{Clock: schedulertest.NewClock(epoch)})
	_, unsub := collect(t, m)
	m.Close()
	m.Close()
	assert.NotPanics(t, unsub)
	assert.NotPanics(t, unsub)

	var got int
	late := m.Subscribe(func(credentials.State) { got++ })
	assert.Equal(t, 1, got)
	assert.NotPanics(t, late)
}

func TestRunSeedsAndIngestsEvents(t *testing.T) {
	b := newFakeBroker()
	persisted := expiring("a0", "r0", time.Hour)
	b.persisted = &persisted
	m, _ := newTestManager(t, b)
	ch, _ := collect(t, m)
	assert.False(t, next(t, ch).IsPresent())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	assert.Equal(t, "a0", token(t, next(t, ch)))
	_, ok := m.NextRefresh()
	assert.True(t, ok)

	cred := credentials.Credential{AccessToken: "a1"}
	b.events <- credentials.AuthEvent{Credential: &cred}
	assert.Equal(t, "a1", token(t, next(t, ch)))

	b.events <- credentials.AuthEvent{Error: "access_denied"}
	assert.False(t, next(t, ch).IsPresent())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunWithoutPersistedCredential(t *testing.T) {
	b := newFakeBroker()
	b.persistedErr = fmt.Errorf("corrupt store")
	m, _ := newTestManager(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Run(ctx))
	assert.False(t, m.Current().IsPresent())
}
