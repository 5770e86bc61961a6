package session

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/betbot/goderibit/internal/deribit"
)

var managerLog = logrus.WithField("module", "session")

// AuthAPI is the part of the dispatcher the session needs.
type AuthAPI interface {
	Authenticate(ctx context.Context, clientID, clientSecret string) (deribit.AuthResult, error)
	RefreshToken(ctx context.Context, refreshToken string) (deribit.AuthResult, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRenewTimeout bounds one shared renewal, DefaultRenewTimeout otherwise.
func WithRenewTimeout(d time.Duration) Option {
	return func(m *Manager) { m.renewTimeout = d }
}

// WithRefreshSkew overrides RefreshSkew.
func WithRefreshSkew(d time.Duration) Option {
	return func(m *Manager) { m.skew = d }
}

// Manager keeps a bearer credential valid. It owns the Store; no lock is
// held while a grant is on the wire.
type Manager struct {
	api          AuthAPI
	clientID     string
	clientSecret string
	store        *Store
	now          func() time.Time
	skew         time.Duration
	renewTimeout time.Duration
	flight       singleflight.Group
}

// DefaultRenewTimeout bounds a shared renewal independently of its callers.
const DefaultRenewTimeout = 30 * time.Second

func NewManager(api AuthAPI, clientID, clientSecret string, opts ...Option) *Manager {
	m := &Manager{
		api:          api,
		clientID:     clientID,
		clientSecret: clientSecret,
		store:        NewStore(),
		now:          time.Now,
		skew:         RefreshSkew,
		renewTimeout: DefaultRenewTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureAuthenticated returns with a credential valid for at least the skew,
// or an AuthError. A failed refresh falls back to a full authenticate; the
// caller only sees failure when both grants fail. Concurrent callers that
// find the credential stale share one grant. The grant runs detached from
// the caller's cancellation, so one caller giving up does not fail the rest.
func (m *Manager) EnsureAuthenticated(ctx context.Context) error {
	if cred, ok := m.store.Load(); ok && cred.ValidAt(m.now(), m.skew) {
		return nil
	}
	ch := m.flight.DoChan("renew", func() (interface{}, error) {
		renewCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.renewTimeout)
		defer cancel()
		return nil, m.renew(renewCtx)
	})
	select {
	case <-ctx.Done():
		return deribit.NewAuthError("waiting for session renewal", ctx.Err())
	case res := <-ch:
		return res.Err
	}
}

func (m *Manager) renew(ctx context.Context) error {
	cred, ok := m.store.Load()
	if ok && cred.ValidAt(m.now(), m.skew) {
		return nil
	}
	if !ok || cred.RefreshToken == "" {
		return m.authenticateOrFail(ctx)
	}

	err := m.Refresh(ctx)
	if err == nil {
		return nil
	}
	managerLog.Warnf("token refresh failed, falling back to authenticate: %v", err)
	return m.authenticateOrFail(ctx)
}

func (m *Manager) authenticateOrFail(ctx context.Context) error {
	if err := m.Authenticate(ctx); err != nil {
		if ctx.Err() != nil {
			// abandoned, not rejected: the credentials may still be good
			managerLog.Warnf("session renewal abandoned: %v", err)
			return err
		}
		m.store.MarkFailed()
		managerLog.Errorf("session failed: %v", err)
		return err
	}
	return nil
}

// Authenticate sends the client-credentials grant. On failure any existing
// credential is left in place.
func (m *Manager) Authenticate(ctx context.Context) error {
	if m.clientID == "" || m.clientSecret == "" {
		return deribit.NewAuthError("client credentials are not configured", nil)
	}
	res, err := m.api.Authenticate(ctx, m.clientID, m.clientSecret)
	if err != nil {
		return deribit.NewAuthError("authenticate", err)
	}
	m.install(res, "")
	managerLog.Infof("authenticated, token valid for %ds", res.ExpiresIn)
	return nil
}

// Refresh sends the refresh-token grant with the stored refresh token.
func (m *Manager) Refresh(ctx context.Context) error {
	cred, ok := m.store.Load()
	if !ok || cred.RefreshToken == "" {
		return deribit.NewAuthError("no refresh token", nil)
	}
	res, err := m.api.RefreshToken(ctx, cred.RefreshToken)
	if err != nil {
		return deribit.NewAuthError("refresh", err)
	}
	m.install(res, cred.RefreshToken)
	managerLog.Debugf("token refreshed, valid for %ds", res.ExpiresIn)
	return nil
}

// install builds a whole new Credential from a grant reply. The previous
// refresh token is kept only when the reply omits one.
func (m *Manager) install(res deribit.AuthResult, previousRefresh string) {
	refresh := res.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	m.store.Replace(Credential{
		AccessToken:  res.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    m.now().Add(time.Duration(res.ExpiresIn) * time.Second),
	})
}

// AccessToken ensures the session and returns the bearer token. It is the
// dispatcher's TokenSource.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	if err := m.EnsureAuthenticated(ctx); err != nil {
		return "", err
	}
	cred, ok := m.store.Load()
	if !ok {
		return "", deribit.NewAuthError("no credential after authentication", nil)
	}
	return cred.AccessToken, nil
}

// Credential returns a copy of the current credential.
func (m *Manager) Credential() (Credential, bool) {
	return m.store.Load()
}

func (m *Manager) State() State {
	return m.store.State()
}

// Logout forgets the credential.
func (m *Manager) Logout() {
	m.store.Clear()
}

// RunRefresher calls EnsureAuthenticated every interval until ctx is done,
// so the token is renewed ahead of expiry even when the operator is idle.
func (m *Manager) RunRefresher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.State() == StateUnauthenticated {
				continue
			}
			if err := m.EnsureAuthenticated(ctx); err != nil {
				managerLog.Warnf("background refresh: %v", err)
			}
		}
	}
}
