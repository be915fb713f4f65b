// Package auth is the session manager: it produces a usable bearer
// credential on demand.
//
// The access token lives only in memory. The refresh token is persisted in
// the OS secret store and rotated in place whenever the authorization server
// issues a new one. When no refresh token works, the manager falls back to
// an interactive authorization-code login with PKCE, driven through the
// system browser and a one-shot loopback listener.
//
// State machine:
//
//	LoggedOut     --interactive login-->  Authenticated
//	Authenticated --refresh rejected-->   LoggedOut
//	Authenticated --refresh/ensure-->     Authenticated
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/browser"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/sync/singleflight"

	"github.com/mschirtzinger/outcal/internal/credstore"
	"github.com/mschirtzinger/outcal/internal/metrics"
	"github.com/mschirtzinger/outcal/internal/schema"
)

// State is the session state.
type State int

const (
	LoggedOut State = iota
	Authenticated
)

func (s State) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "logged out"
}

const (
	// ExpiryMargin is how long before expiry a token stops being handed out.
	ExpiryMargin = 2 * time.Minute

	// defaultTokenLifetime applies when the token response has no expires_in.
	defaultTokenLifetime = time.Hour

	// DefaultRedirectURL must match the app registration.
	DefaultRedirectURL = "http://localhost:8080"

	// refreshTimeout bounds a shared refresh, which outlives the caller
	// that started it.
	refreshTimeout = 30 * time.Second
)

// DefaultScopes are the delegated permissions requested at login.
var DefaultScopes = []string{"offline_access", "User.Read", "Calendars.Read", "openid", "profile"}

// Config configures a Manager.
type Config struct {
	ClientID    string
	Tenant      string
	RedirectURL string
	Scopes      []string

	// LoginTimeout bounds the browser round-trip.
	LoginTimeout time.Duration

	// Interactive allows EnsureValidCredential to open a browser when no
	// refresh token works. When false it returns ErrLoginRequired instead.
	Interactive bool

	// Endpoint overrides the Microsoft identity platform endpoint.
	Endpoint *oauth2.Endpoint
}

// Manager owns the in-memory credential. It is safe for concurrent use;
// concurrent callers share a single refresh.
type Manager struct {
	oauth        *oauth2.Config
	store        credstore.Store
	logger       *log.Logger
	httpClient   *http.Client
	loginTimeout time.Duration
	interactive  bool

	now         func() time.Time
	openBrowser func(url string) error
	showURL     func(url string)
	listen      func(network, addr string) (net.Listener, error)

	flight singleflight.Group

	mu           sync.Mutex
	cred         *schema.Credential
	forceRefresh bool
	state        State
	account      string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithHTTPClient sets the client used to reach the token endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithBrowser replaces the function that opens the authorization URL.
func WithBrowser(open func(url string) error) Option {
	return func(m *Manager) {
		if open != nil {
			m.openBrowser = open
		}
	}
}

// WithURLNotifier registers a function that receives the authorization URL
// before the browser is opened, so it can be shown to the user.
func WithURLNotifier(show func(url string)) Option {
	return func(m *Manager) { m.showURL = show }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager returns a Manager. The initial state is Authenticated when the
// store holds a refresh token, LoggedOut otherwise.
func NewManager(cfg Config, store credstore.Store, opts ...Option) (*Manager, error) {
	if cfg.ClientID == "" {
		return nil, ErrNotConfigured
	}
	if store == nil {
		return nil, fmt.Errorf("credential store is required")
	}

	tenant := cfg.Tenant
	if tenant == "" {
		tenant = "common"
	}
	endpoint := microsoft.AzureADEndpoint(tenant)
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}
	redirect := cfg.RedirectURL
	if redirect == "" {
		redirect = DefaultRedirectURL
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	timeout := cfg.LoginTimeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}

	m := &Manager{
		oauth: &oauth2.Config{
			ClientID:    cfg.ClientID,
			Endpoint:    endpoint,
			RedirectURL: redirect,
			Scopes:      scopes,
		},
		store:        store,
		logger:       log.New(io.Discard, "[auth] ", log.LstdFlags),
		loginTimeout: timeout,
		interactive:  cfg.Interactive,
		now:          time.Now,
		openBrowser:  browser.OpenURL,
		listen:       net.Listen,
	}
	for _, opt := range opts {
		opt(m)
	}

	if _, err := store.Load(); err == nil {
		m.state = Authenticated
	} else if !errors.Is(err, credstore.ErrNotFound) {
		m.logger.Printf("Warning: failed to read secret store: %v", err)
	}

	return m, nil
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Account returns the signed-in account name, when the identity token
// carried one.
func (m *Manager) Account() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account
}

// ReportUnauthorized marks the cached access token as untrusted. The next
// EnsureValidCredential call refreshes instead of returning it.
func (m *Manager) ReportUnauthorized() {
	m.mu.Lock()
	m.forceRefresh = true
	m.mu.Unlock()
	m.logger.Printf("access token refused by the API, forcing refresh")
}

// EnsureValidCredential returns a credential usable for at least one
// request. A cached token outside the expiry margin is returned without a
// network call; otherwise the refresh token is exchanged, and when that is
// rejected the manager logs out and, if allowed, runs an interactive login.
func (m *Manager) EnsureValidCredential(ctx context.Context) (schema.Credential, error) {
	if c, ok := m.cached(); ok {
		return c, nil
	}

	// Joined callers must not inherit the first caller's cancellation.
	ch := m.flight.DoChan("credential", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.acquireTimeout())
		defer cancel()
		return m.acquire(fctx)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return schema.Credential{}, r.Err
		}
		return r.Val.(schema.Credential), nil
	case <-ctx.Done():
		return schema.Credential{}, ctx.Err()
	}
}

func (m *Manager) acquireTimeout() time.Duration {
	if m.interactive {
		return refreshTimeout + m.loginTimeout
	}
	return refreshTimeout
}

func (m *Manager) cached() (schema.Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred != nil && !m.forceRefresh && m.cred.ValidFor(m.now(), ExpiryMargin) {
		return *m.cred, true
	}
	return schema.Credential{}, false
}

func (m *Manager) acquire(ctx context.Context) (schema.Credential, error) {
	if c, ok := m.cached(); ok {
		return c, nil
	}

	m.mu.Lock()
	var rt string
	if m.cred != nil {
		rt = m.cred.RefreshToken
	}
	m.mu.Unlock()

	if rt == "" {
		stored, err := m.store.Load()
		switch {
		case errors.Is(err, credstore.ErrNotFound):
		case err != nil:
			return schema.Credential{}, authErr(KindStore, err)
		default:
			rt = stored
		}
	}

	if rt != "" {
		c, err := m.refresh(ctx, rt)
		if err == nil {
			return c, nil
		}
		if KindOf(err) != KindRejected {
			return schema.Credential{}, err
		}
		m.logger.Printf("refresh token rejected, logging out: %v", err)
		if derr := m.clear(); derr != nil {
			return schema.Credential{}, derr
		}
	}

	if !m.interactive {
		return schema.Credential{}, ErrLoginRequired
	}
	return m.login(ctx)
}

func (m *Manager) refresh(ctx context.Context, refreshToken string) (schema.Credential, error) {
	tok, err := m.oauth.TokenSource(m.tokenContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	metrics.ObserveTokenRefresh("refresh", err)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && refreshRejected(re) {
			return schema.Credential{}, authErr(KindRejected, err)
		}
		return schema.Credential{}, authErr(KindNetwork, err)
	}

	c, err := m.install(tok)
	if err != nil {
		return schema.Credential{}, err
	}
	m.logger.Printf("access token refreshed, expires %s", c.Expiry.Format(time.RFC3339))
	return c, nil
}

// refreshRejected reports whether the token endpoint refused the refresh
// token itself. Throttling and temporary outages are not rejections.
func refreshRejected(re *oauth2.RetrieveError) bool {
	switch re.ErrorCode {
	case "invalid_grant", "interaction_required", "invalid_client", "unauthorized_client":
		return true
	}
	return false
}

// install validates a token response, persists the refresh token and swaps
// the in-memory credential. A response missing fields is never installed.
func (m *Manager) install(tok *oauth2.Token) (schema.Credential, error) {
	if tok == nil || tok.AccessToken == "" {
		return schema.Credential{}, authErr(KindIncomplete, errors.New("no access token"))
	}
	if tok.RefreshToken == "" {
		return schema.Credential{}, authErr(KindIncomplete, errors.New("no refresh token; is offline_access granted?"))
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = m.now().Add(defaultTokenLifetime)
	}
	c := schema.Credential{
		AccessToken:  tok.AccessToken,
		Expiry:       expiry,
		RefreshToken: tok.RefreshToken,
	}

	account := ""
	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		if claims, err := parseIDToken(idToken); err != nil {
			m.logger.Printf("Warning: ignoring unreadable id_token: %v", err)
		} else {
			account = claims.Account()
		}
	}

	// Installed even if Save fails: after rotation the previous refresh
	// token may already be dead.
	serr := m.store.Save(c.RefreshToken)

	m.mu.Lock()
	m.cred = &c
	m.forceRefresh = false
	m.state = Authenticated
	if account != "" {
		m.account = account
	}
	m.mu.Unlock()

	if serr != nil {
		m.logger.Printf("Warning: failed to persist refresh token: %v", serr)
	}
	return c, nil
}

// clear drops the credential everywhere and moves to LoggedOut.
func (m *Manager) clear() error {
	m.mu.Lock()
	m.cred = nil
	m.forceRefresh = false
	m.state = LoggedOut
	m.account = ""
	m.mu.Unlock()

	if err := m.store.Delete(); err != nil {
		return authErr(KindStore, err)
	}
	return nil
}

// Logout forgets the session and deletes the stored refresh token.
func (m *Manager) Logout() error {
	return m.clear()
}

func (m *Manager) tokenContext(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}
