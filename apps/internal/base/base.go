// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package base contains a "Base" client that is used by the external public.Client.
// Base owns the token cache, the pending login transaction and the in-memory user cache of one
// client id, and implements the redirect login, silent token and logout flows on top of them.
package base

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/loopauth/loopauth-go/apps/cache"
	"github.com/loopauth/loopauth-go/apps/cache/memory"
	"github.com/loopauth/loopauth-go/apps/internal/base/internal/storage"
	"github.com/loopauth/loopauth-go/apps/internal/base/internal/transaction"
	"github.com/loopauth/loopauth-go/apps/internal/logger"
	"github.com/loopauth/loopauth-go/apps/internal/oauth"
	"github.com/loopauth/loopauth-go/apps/internal/oauth/ops"
	"github.com/loopauth/loopauth-go/apps/internal/shared"
	"github.com/loopauth/loopauth-go/apps/internal/telemetry"
	"github.com/loopauth/loopauth-go/apps/internal/tokens"
	"github.com/loopauth/loopauth-go/apps/lock"
)

const (
	// DefaultLoginPath is the authorize path used when none is configured.
	DefaultLoginPath = "/auth/login"
	// DefaultLogoutPath is the logout path used when none is configured.
	DefaultLogoutPath = "/logout"

	// cacheLeeway renews cached access tokens this long before they expire.
	cacheLeeway = 60 * time.Second
)

// ErrOpenURLRequired is returned when a flow needs to open a URL and no OpenURL was configured.
var ErrOpenURLRequired = errors.New("an OpenURL function is required")

// OpenURL navigates to url, usually by opening it in a browser.
type OpenURL func(ctx context.Context, url string) error

// CacheMode controls how GetTokenSilently uses the token cache.
type CacheMode int

const (
	// CacheOn checks the cache and falls back to the network.
	CacheOn CacheMode = iota
	// CacheOff skips the cache and always asks the server.
	CacheOff
	// CacheOnly never asks the server.
	CacheOnly
)

func (m CacheMode) String() string {
	switch m {
	case CacheOn:
		return "on"
	case CacheOff:
		return "off"
	case CacheOnly:
		return "cache-only"
	}
	return "CacheMode(" + strconv.Itoa(int(m)) + ")"
}

// ParseCacheMode parses the names returned by CacheMode.String.
func ParseCacheMode(s string) (CacheMode, error) {
	switch s {
	case "", "on":
		return CacheOn, nil
	case "off":
		return CacheOff, nil
	case "cache-only":
		return CacheOnly, nil
	}
	return CacheOn, fmt.Errorf("unknown cache mode %q", s)
}

// AuthorizationParams are sent to the authorize endpoint. Values set in a later layer override
// those of an earlier one: client configuration, then the options of a single call.
type AuthorizationParams struct {
	RedirectURI     string
	Audience        string
	Scope           string
	InteractionMode string
	// MaxAge bounds the time since the user last authenticated. It is also checked against the
	// auth_time claim of returned tokens.
	MaxAge time.Duration
	// Extra holds custom parameters, sent with their names unchanged.
	Extra map[string]string
}

func (p AuthorizationParams) merge(o AuthorizationParams) AuthorizationParams {
	if o.RedirectURI != "" {
		p.RedirectURI = o.RedirectURI
	}
	if o.Audience != "" {
		p.Audience = o.Audience
	}
	if o.Scope != "" {
		p.Scope = o.Scope
	}
	if o.InteractionMode != "" {
		p.InteractionMode = o.InteractionMode
	}
	if o.MaxAge != 0 {
		p.MaxAge = o.MaxAge
	}
	if len(o.Extra) > 0 {
		extra := make(map[string]string, len(p.Extra)+len(o.Extra))
		for k, v := range p.Extra {
			extra[k] = v
		}
		for k, v := range o.Extra {
			extra[k] = v
		}
		p.Extra = extra
	}
	return p
}

func (p AuthorizationParams) setOn(qv url.Values) {
	for k, v := range p.Extra {
		qv.Set(k, v)
	}
	set := func(k, v string) {
		if v != "" {
			qv.Set(k, v)
		}
	}
	set("redirect_uri", p.RedirectURI)
	set("audience", p.Audience)
	set("scope", p.Scope)
	set("interaction_mode", p.InteractionMode)
	if p.MaxAge > 0 {
		qv.Set("max_age", strconv.FormatInt(int64(p.MaxAge/time.Second), 10))
	}
}

// Config is the resolved configuration of a Client.
type Config struct {
	// Domain is the base URL of the authorization server. A bare host is given the https scheme.
	Domain       string
	ClientID     string
	ClientSecret string
	LoginPath    string
	LogoutPath   string
	// Issuer, if set, must match the iss claim of returned tokens.
	Issuer       string
	CookieDomain string

	AuthorizationParams AuthorizationParams

	HTTPTimeout time.Duration
	AuthClient  shared.AuthClient
	UseFormData bool

	Cache              cache.Cache
	TransactionStorage cache.ClientStorage
	Locker             lock.Locker
	LockTeardown       context.Context

	HTTPClient    ops.HTTPClient
	Now           func() time.Time
	OpenURL       OpenURL
	Keyfunc       jwt.Keyfunc
	MeterProvider metric.MeterProvider
	Logger        logger.LoggerInterface
}

func (c *Config) validate() error {
	if c.Domain == "" {
		return errors.New("domain option is required")
	}
	if c.ClientID == "" {
		return errors.New("clientId option is required")
	}
	if c.LoginPath == "" {
		return errors.New("loginPath is required")
	}
	domain := strings.TrimSuffix(c.Domain, "/")
	if !strings.HasPrefix(domain, "https://") && !strings.HasPrefix(domain, "http://") {
		domain = "https://" + domain
	}
	u, err := url.Parse(domain)
	if err != nil || u.Host == "" {
		return fmt.Errorf("domain %q is not a valid URL", c.Domain)
	}
	c.Domain = domain

	if c.LogoutPath == "" {
		c.LogoutPath = DefaultLogoutPath
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = shared.DefaultHTTPTimeout
	}
	if c.AuthClient.Name == "" {
		c.AuthClient = shared.DefaultAuthClient
	}
	if c.Cache == nil {
		c.Cache = memory.New()
	}
	if c.TransactionStorage == nil {
		c.TransactionStorage = memory.NewStorage()
	}
	if c.Locker == nil {
		c.Locker = lock.NewMemory()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = shared.DefaultClient
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = logger.Discard()
	}
	return nil
}

// RedirectLoginOptions are the options of LoginWithRedirect.
type RedirectLoginOptions struct {
	// AppState is returned by HandleRedirectCallback once the login completes.
	AppState            any
	AuthorizationParams AuthorizationParams
	// Fragment is appended to the authorize URL after a '#'.
	Fragment string
	// OpenURL overrides the client's OpenURL for this call.
	OpenURL OpenURL
}

// RedirectLoginResult is the result of HandleRedirectCallback.
type RedirectLoginResult struct {
	// AppState is the JSON form of RedirectLoginOptions.AppState.
	AppState []byte
}

// GetTokenSilentlyOptions are the options of GetTokenSilently.
type GetTokenSilentlyOptions struct {
	CacheMode CacheMode
	// Timeout overrides the HTTP timeout of the refresh call.
	Timeout time.Duration
}

// SwitchTokenOptions are the options of SwitchToken.
type SwitchTokenOptions struct {
	TenantID string
	Timeout  time.Duration
}

// LogoutOptions are the options of Logout.
type LogoutOptions struct {
	// ClientID selects the client whose cache entries are removed. Empty means the configured one.
	ClientID string
	// AllClients removes the entries of every client id.
	AllClients bool
	// LogoutParams are added to the query of the logout URL.
	LogoutParams map[string]string
	// OpenURL overrides the client's OpenURL for this call.
	OpenURL OpenURL
	// SkipOpenURL ends the session without navigating to the server's logout URL.
	SkipOpenURL bool
}

// TokenResult is a token served by GetTokenSilently or SwitchToken.
type TokenResult struct {
	AccessToken string
	// ExpiresIn is the lifetime of AccessToken as granted by the server.
	ExpiresIn time.Duration
}

// Client is a base client that provides access to common methods and primatives that
// can be used by public clients.
type Client struct {
	Token   *oauth.Client
	manager *storage.Manager
	tx      *transaction.Manager
	runner  *lock.Runner
	flight  singleflight.Group

	cfg       Config
	log       logger.LoggerInterface
	telemetry *telemetry.Recorder

	userMu    sync.Mutex
	userCache *storage.IDTokenEntry
}

// New is the constructor for Base.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rec, err := telemetry.New(cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("could not create metrics: %w", err)
	}

	token := oauth.New(cfg.HTTPClient, oauth.Config{
		BaseURL:     cfg.Domain,
		ClientID:    cfg.ClientID,
		UseFormData: cfg.UseFormData,
		AuthClient:  cfg.AuthClient,
		Timeout:     cfg.HTTPTimeout,
		Logger:      cfg.Logger,
		Telemetry:   rec,
	})

	runnerOpts := []lock.Option{lock.WithLogger(cfg.Logger), lock.WithObserver(rec.LockWait)}
	if cfg.LockTeardown != nil {
		runnerOpts = append(runnerOpts, lock.WithTeardown(cfg.LockTeardown))
	}

	return &Client{
		Token:     token,
		manager:   storage.New(cfg.Cache, cfg.Now),
		tx:        transaction.New(cfg.TransactionStorage, cfg.ClientID, cfg.CookieDomain),
		runner:    lock.NewRunner(cfg.Locker, runnerOpts...),
		cfg:       cfg,
		log:       cfg.Logger,
		telemetry: rec,
	}, nil
}

// Config returns the resolved configuration.
func (b *Client) Config() Config {
	return b.cfg
}

func (b *Client) cacheKey() storage.CacheKey {
	return storage.CacheKey{ClientID: b.cfg.ClientID, Audience: b.cfg.AuthorizationParams.Audience}
}

// GetUser returns the user of the cached id token, or nil. While the cached id token doesn't
// change, every call returns the same *tokens.User.
func (b *Client) GetUser(ctx context.Context) (*tokens.User, error) {
	entry, err := b.idTokenFromCache(ctx)
	if err != nil || entry == nil {
		return nil, err
	}
	return &entry.DecodedToken.User, nil
}

// IsAuthenticated reports whether a user is signed in.
func (b *Client) IsAuthenticated(ctx context.Context) (bool, error) {
	u, err := b.GetUser(ctx)
	return u != nil, err
}

func (b *Client) idTokenFromCache(ctx context.Context) (*storage.IDTokenEntry, error) {
	entry, err := b.manager.GetIDToken(ctx, b.cacheKey())
	if err != nil {
		return nil, err
	}

	b.userMu.Lock()
	defer b.userMu.Unlock()

	if entry != nil && b.userCache != nil && entry.IDToken == b.userCache.IDToken {
		return b.userCache, nil
	}
	b.userCache = entry
	return entry, nil
}

func (b *Client) setUserCache(entry *storage.IDTokenEntry) {
	b.userMu.Lock()
	defer b.userMu.Unlock()
	b.userCache = entry
}

// Logout clears the token cache and the user cache. If an access token was cached, the server
// session is ended too and the browser is sent to the logout URL the server returns.
func (b *Client) Logout(ctx context.Context, options LogoutOptions) error {
	clientID := options.ClientID
	if clientID == "" {
		clientID = b.cfg.ClientID
	}
	key := storage.CacheKey{ClientID: clientID}
	if clientID == b.cfg.ClientID {
		key = b.cacheKey()
	}
	entry, err := b.manager.Get(ctx, key, 0)
	if err != nil {
		return err
	}

	if options.AllClients {
		err = b.manager.Clear(ctx)
	} else {
		err = b.manager.ClearClient(ctx, clientID)
	}
	if err != nil {
		return err
	}
	b.setUserCache(nil)
	b.log.Log(ctx, logger.Info, "signed out", logger.Field("client_id", clientID), logger.Field("all_clients", options.AllClients))

	if entry == nil || entry.AccessToken == "" {
		return nil
	}

	qv := url.Values{}
	for k, v := range options.LogoutParams {
		qv.Set(k, v)
	}
	qv.Set("client_id", clientID)
	resp, err := b.Token.Logout(ctx, b.url(b.cfg.LogoutPath, qv), entry.AccessToken, entry.RefreshToken)
	if err != nil {
		return err
	}
	if resp.LogoutURL == "" || options.SkipOpenURL {
		return nil
	}
	openURL := options.OpenURL
	if openURL == nil {
		openURL = b.cfg.OpenURL
	}
	if openURL == nil {
		return fmt.Errorf("logout: %w", ErrOpenURLRequired)
	}
	return openURL(ctx, resp.LogoutURL)
}

// clearLocal signs the user out of this client without contacting the server.
func (b *Client) clearLocal(ctx context.Context) error {
	b.setUserCache(nil)
	return b.manager.ClearClient(ctx, b.cfg.ClientID)
}

// url builds {domain}{path}?{query}&authClient={client}.
func (b *Client) url(path string, qv url.Values) string {
	return b.cfg.Domain + path + "?" + qv.Encode() + "&authClient=" + url.QueryEscape(b.cfg.AuthClient.Encode())
}
