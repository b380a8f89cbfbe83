// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package public provides a client for authentication of "public" applications. A "public"
application is defined as an app that runs on client devices (desktop, CLI, ...) that can't keep
a secret and talks to the authorization server on behalf of one signed in user.

A Client signs the user in with a redirect login, keeps the tokens in a cache and serves access
tokens from it, renewing them with the refresh token as they near expiry.
*/
package public

/*
Design note:

public.Client holds a pointer to base.Client. base.Client owns locks and the in-memory user
cache, so every copy of a public.Client shares them.
*/

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/browser"
	"go.opentelemetry.io/otel/metric"

	"github.com/loopauth/loopauth-go/apps/cache"
	autherrors "github.com/loopauth/loopauth-go/apps/errors"
	"github.com/loopauth/loopauth-go/apps/internal/base"
	"github.com/loopauth/loopauth-go/apps/internal/local"
	"github.com/loopauth/loopauth-go/apps/internal/logger"
	"github.com/loopauth/loopauth-go/apps/internal/oauth/ops"
	"github.com/loopauth/loopauth-go/apps/internal/shared"
	"github.com/loopauth/loopauth-go/apps/internal/tokens"
	"github.com/loopauth/loopauth-go/apps/lock"
)

type (
	// User is the profile of the signed in user.
	User = tokens.User
	// AuthClient identifies the calling SDK to the server.
	AuthClient = shared.AuthClient
	// HTTPClient is the HTTP client used to talk to the authorization server.
	HTTPClient = ops.HTTPClient
	// OpenURL navigates to a URL, usually by opening it in a browser.
	OpenURL = base.OpenURL

	AuthorizationParams     = base.AuthorizationParams
	CacheMode               = base.CacheMode
	RedirectLoginOptions    = base.RedirectLoginOptions
	RedirectLoginResult     = base.RedirectLoginResult
	GetTokenSilentlyOptions = base.GetTokenSilentlyOptions
	SwitchTokenOptions      = base.SwitchTokenOptions
	LogoutOptions           = base.LogoutOptions
	TokenResult             = base.TokenResult
)

const (
	CacheOn   = base.CacheOn
	CacheOff  = base.CacheOff
	CacheOnly = base.CacheOnly
)

// ErrOpenURLRequired is returned when a flow needs to open a URL and no OpenURL was configured.
var ErrOpenURLRequired = base.ErrOpenURLRequired

// NeedsLogin reports whether err means there is no usable session and the user has to sign in
// again.
func NeedsLogin(err error) bool {
	return errors.Is(err, autherrors.ErrMissingRefreshToken) || autherrors.IsCode(err, "login_required")
}

// ParseCacheMode parses "on", "off" or "cache-only".
func ParseCacheMode(s string) (CacheMode, error) {
	return base.ParseCacheMode(s)
}

// Options configures the Client's behavior.
type Options struct {
	ClientSecret string
	LoginPath    string
	LogoutPath   string
	Issuer       string
	CookieDomain string

	AuthorizationParams AuthorizationParams

	// HTTPTimeout bounds each call to the authorization server. The default is 10s.
	HTTPTimeout time.Duration
	// AuthorizeTimeout bounds how long AcquireTokenInteractive waits for the redirect. The default is 60s.
	AuthorizeTimeout time.Duration
	AuthClient       AuthClient
	UseFormData      bool

	// Cache holds the tokens. By default there is no cache persistence.
	Cache              cache.Cache
	TransactionStorage cache.ClientStorage
	Locker             lock.Locker
	LockTeardown       context.Context

	HTTPClient    HTTPClient
	Now           func() time.Time
	OpenURL       OpenURL
	Keyfunc       jwt.Keyfunc
	MeterProvider metric.MeterProvider
	Logger        *slog.Logger
}

// Option is an optional argument to the New constructor.
type Option func(o *Options)

// WithClientSecret sets the secret mixed into the client challenge.
func WithClientSecret(secret string) Option {
	return func(o *Options) {
		o.ClientSecret = secret
	}
}

// WithLoginPath sets the path of the authorize endpoint. The default is /auth/login.
func WithLoginPath(path string) Option {
	return func(o *Options) {
		o.LoginPath = path
	}
}

// WithLogoutPath sets the path of the logout endpoint. The default is /logout.
func WithLogoutPath(path string) Option {
	return func(o *Options) {
		o.LogoutPath = path
	}
}

// WithIssuer requires the iss claim of returned tokens to equal issuer.
func WithIssuer(issuer string) Option {
	return func(o *Options) {
		o.Issuer = issuer
	}
}

// WithCookieDomain sets the domain the login transaction is scoped to.
func WithCookieDomain(domain string) Option {
	return func(o *Options) {
		o.CookieDomain = domain
	}
}

// WithAuthorizationParams sets the authorization params sent on every login.
func WithAuthorizationParams(params AuthorizationParams) Option {
	return func(o *Options) {
		o.AuthorizationParams = params
	}
}

// WithHTTPTimeout sets the timeout of each call to the authorization server.
func WithHTTPTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.HTTPTimeout = d
	}
}

// WithAuthorizeTimeout sets how long AcquireTokenInteractive waits for the user to sign in.
func WithAuthorizeTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.AuthorizeTimeout = d
	}
}

// WithAuthClient replaces the SDK identification sent to the server.
func WithAuthClient(ac AuthClient) Option {
	return func(o *Options) {
		o.AuthClient = ac
	}
}

// WithFormData sends token requests form encoded instead of as JSON.
func WithFormData() Option {
	return func(o *Options) {
		o.UseFormData = true
	}
}

// WithCache allows you to set some type of cache for storing authentication tokens.
func WithCache(c cache.Cache) Option {
	return func(o *Options) {
		o.Cache = c
	}
}

// WithTransactionStorage sets where the pending login transaction is kept.
func WithTransactionStorage(s cache.ClientStorage) Option {
	return func(o *Options) {
		o.TransactionStorage = s
	}
}

// WithLocker sets the lock that serializes token refreshes. Use a file or Redis lock when several
// processes share a cache.
func WithLocker(l lock.Locker) Option {
	return func(o *Options) {
		o.Locker = l
	}
}

// WithLockTeardown releases any held lock once ctx is done.
func WithLockTeardown(ctx context.Context) Option {
	return func(o *Options) {
		o.LockTeardown = ctx
	}
}

// WithHTTPClient allows for a custom HTTP client to be set.
func WithHTTPClient(httpClient HTTPClient) Option {
	return func(o *Options) {
		o.HTTPClient = httpClient
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}

// WithOpenURL sets how authorize and logout URLs are opened.
func WithOpenURL(openURL OpenURL) Option {
	return func(o *Options) {
		o.OpenURL = openURL
	}
}

// WithKeyfunc makes the client check token signatures with keyfunc.
func WithKeyfunc(keyfunc jwt.Keyfunc) Option {
	return func(o *Options) {
		o.Keyfunc = keyfunc
	}
}

// WithMeterProvider records cache, request and lock metrics to mp.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *Options) {
		o.MeterProvider = mp
	}
}

// WithLogger sets the logger. By default only warnings and errors are written, to stderr.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// Client is a representation of authentication client for public applications as defined in the
// package doc.
type Client struct {
	base             *base.Client
	authorizeTimeout time.Duration
	openURL          OpenURL
}

// New is the constructor for Client. domain is the authorization server, with or without the
// https:// scheme.
func New(domain, clientID string, options ...Option) (Client, error) {
	opts := Options{
		LoginPath:        base.DefaultLoginPath,
		AuthorizeTimeout: shared.DefaultAuthorizeTimeout,
	}
	for _, o := range options {
		o(&opts)
	}

	b, err := base.New(base.Config{
		Domain:              domain,
		ClientID:            clientID,
		ClientSecret:        opts.ClientSecret,
		LoginPath:           opts.LoginPath,
		LogoutPath:          opts.LogoutPath,
		Issuer:              opts.Issuer,
		CookieDomain:        opts.CookieDomain,
		AuthorizationParams: opts.AuthorizationParams,
		HTTPTimeout:         opts.HTTPTimeout,
		AuthClient:          opts.AuthClient,
		UseFormData:         opts.UseFormData,
		Cache:               opts.Cache,
		TransactionStorage:  opts.TransactionStorage,
		Locker:              opts.Locker,
		LockTeardown:        opts.LockTeardown,
		HTTPClient:          opts.HTTPClient,
		Now:                 opts.Now,
		OpenURL:             opts.OpenURL,
		Keyfunc:             opts.Keyfunc,
		MeterProvider:       opts.MeterProvider,
		Logger:              logger.New(opts.Logger),
	})
	if err != nil {
		return Client{}, err
	}
	return Client{base: b, authorizeTimeout: opts.AuthorizeTimeout, openURL: opts.OpenURL}, nil
}

// ClientID returns the client id the Client was created with.
func (pca Client) ClientID() string {
	return pca.base.Config().ClientID
}

// AuthorizeURL returns the URL LoginWithRedirect would open for params, without starting a login.
func (pca Client) AuthorizeURL(params AuthorizationParams) string {
	u, _ := pca.base.AuthorizeURL(params)
	return u
}

// LoginWithRedirect starts a login and opens the authorize URL. Complete it by passing the URL
// the server redirects to to HandleRedirectCallback.
func (pca Client) LoginWithRedirect(ctx context.Context, options RedirectLoginOptions) error {
	return pca.base.LoginWithRedirect(ctx, options)
}

// HandleRedirectCallback completes a login started by LoginWithRedirect.
func (pca Client) HandleRedirectCallback(ctx context.Context, url string) (RedirectLoginResult, error) {
	return pca.base.HandleRedirectCallback(ctx, url)
}

// GetTokenSilently returns an access token from the cache, renewing it when it is about to
// expire. In CacheOnly mode a cache miss returns "" and a nil error.
func (pca Client) GetTokenSilently(ctx context.Context, options GetTokenSilentlyOptions) (string, error) {
	return pca.base.GetTokenSilently(ctx, options)
}

// GetTokenSilentlyDetailed is GetTokenSilently returning the token lifetime too. It returns nil
// on a CacheOnly miss.
func (pca Client) GetTokenSilentlyDetailed(ctx context.Context, options GetTokenSilentlyOptions) (*TokenResult, error) {
	return pca.base.GetTokenSilentlyDetailed(ctx, options)
}

// SwitchToken exchanges the session's refresh token for tokens of another tenant.
func (pca Client) SwitchToken(ctx context.Context, options SwitchTokenOptions) (*TokenResult, error) {
	return pca.base.SwitchToken(ctx, options)
}

// Logout signs the user out locally and, when a session exists, at the server.
func (pca Client) Logout(ctx context.Context, options LogoutOptions) error {
	return pca.base.Logout(ctx, options)
}

// GetUser returns the signed in user, or nil.
func (pca Client) GetUser(ctx context.Context) (*User, error) {
	return pca.base.GetUser(ctx)
}

// IsAuthenticated reports whether a user is signed in.
func (pca Client) IsAuthenticated(ctx context.Context) (bool, error) {
	return pca.base.IsAuthenticated(ctx)
}

// CheckSession tries to renew the session silently, ignoring any error.
func (pca Client) CheckSession(ctx context.Context, options GetTokenSilentlyOptions) {
	pca.base.CheckSession(ctx, options)
}

// Session is a snapshot of the authentication state, for request handlers and templates.
type Session struct {
	IsAuthenticated bool
	AccessToken     string
	User            *User
}

// Context returns the current Session. With withAccessToken set, an access token is fetched
// silently and a failure to get one reports the user as signed out.
func (pca Client) Context(ctx context.Context, withAccessToken bool) (Session, error) {
	user, err := pca.base.GetUser(ctx)
	if err != nil {
		return Session{}, err
	}
	if user == nil {
		return Session{}, nil
	}
	s := Session{IsAuthenticated: true, User: user}
	if withAccessToken {
		token, err := pca.base.GetTokenSilently(ctx, GetTokenSilentlyOptions{})
		if err != nil || token == "" {
			return Session{}, nil
		}
		s.AccessToken = token
	}
	return s, nil
}

// InteractiveOptions are the options of AcquireTokenInteractive.
type InteractiveOptions struct {
	// AppState is returned in the result once the login completes.
	AppState            any
	AuthorizationParams AuthorizationParams
	// Port of the local redirect server. Zero picks a free port.
	Port int
	// CallbackPath of the local redirect server. The default is /callback.
	CallbackPath string
	// SuccessPage and ErrorPage replace the pages shown in the browser once the login ends.
	SuccessPage []byte
	ErrorPage   []byte
	// OpenURL overrides how the authorize URL is opened. The default is the client's OpenURL,
	// or the system browser.
	OpenURL OpenURL
}

// AcquireTokenInteractive signs a user in with the system browser. It serves the redirect on a
// localhost server, so the server must accept http://localhost redirect URIs.
func (pca Client) AcquireTokenInteractive(ctx context.Context, options InteractiveOptions) (RedirectLoginResult, error) {
	srv, err := local.New(local.Options{
		Port:         options.Port,
		CallbackPath: options.CallbackPath,
		SuccessPage:  options.SuccessPage,
		ErrorPage:    options.ErrorPage,
	})
	if err != nil {
		return RedirectLoginResult{}, fmt.Errorf("could not start the redirect server: %w", err)
	}
	defer srv.Shutdown()

	openURL := options.OpenURL
	if openURL == nil {
		openURL = pca.openURL
	}
	if openURL == nil {
		openURL = openBrowser
	}

	params := options.AuthorizationParams
	params.RedirectURI = srv.RedirectURI
	err = pca.base.LoginWithRedirect(ctx, RedirectLoginOptions{
		AppState:            options.AppState,
		AuthorizationParams: params,
		OpenURL:             openURL,
	})
	if err != nil {
		return RedirectLoginResult{}, err
	}

	if pca.authorizeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pca.authorizeTimeout)
		defer cancel()
	}
	res := srv.Result(ctx)
	if res.Err != nil {
		if errors.Is(res.Err, context.DeadlineExceeded) {
			return RedirectLoginResult{}, fmt.Errorf("no redirect within %s: %w", pca.authorizeTimeout, res.Err)
		}
		return RedirectLoginResult{}, res.Err
	}
	return pca.base.HandleRedirectCallback(ctx, res.URL)
}

func openBrowser(_ context.Context, url string) error {
	return browser.OpenURL(url)
}
