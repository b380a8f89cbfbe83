// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package app provides the commands of the loopauth command line client.
package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/loopauth/loopauth-go/apps/cache"
	"github.com/loopauth/loopauth-go/apps/cache/encrypted"
	"github.com/loopauth/loopauth-go/apps/cache/keyring"
	"github.com/loopauth/loopauth-go/apps/cache/memory"
	redisCache "github.com/loopauth/loopauth-go/apps/cache/redis"
	"github.com/loopauth/loopauth-go/apps/cache/sqlite"
	"github.com/loopauth/loopauth-go/apps/lock"
	"github.com/loopauth/loopauth-go/apps/public"
)

const cliName = "loopauth-cli"

// Version is the CLI version, set at build time with -ldflags.
var Version = "dev"

// NewRootCmd creates the root command of the loopauth CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(newViper(), nil)
}

// newRootCmd builds the command tree. extra options are appended to every client, tests use
// them to swap the HTTP client and browser.
func newRootCmd(v *viper.Viper, extra []public.Option) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "loopauth",
		DisableAutoGenTag: true,
		Short:             "Sign in to a loopauth server and manage the session",
		Long: `loopauth signs you in to an authorization server in the browser, keeps the session
in a local cache and prints access tokens for scripts, renewing them as needed.

Configuration is read from flags, LOOPAUTH_* environment variables and ~/.loopauth.yaml.`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Path to the config file (default ~/.loopauth.yaml)")
	flags.Bool("debug", false, "Enable debug logging")
	flags.String("domain", "", "Authorization server domain")
	flags.String("client-id", "", "Client id")
	flags.String("client-secret", "", "Client secret mixed into the login challenge")
	flags.String("audience", "", "Audience to request")
	flags.String("scope", "", "Scope to request")
	flags.String("login-path", "", "Authorize endpoint path (default /auth/login)")
	flags.String("logout-path", "", "Logout endpoint path (default /logout)")
	flags.String("issuer", "", "Required iss claim of issued tokens")
	flags.Duration("http-timeout", 0, "Timeout of each call to the server")
	flags.Duration("authorize-timeout", 0, "How long to wait for the browser login")
	flags.Int("redirect-port", 0, "Port of the local redirect server (default: any free port)")
	flags.String("cache", "", "Token cache: sqlite, keyring, redis or memory")
	flags.String("cache-path", "", "Path of the sqlite cache")
	flags.String("redis-addr", "", "Address of the redis server for the redis cache")
	flags.String("encryption-key", "", "Encrypt cache entries with this secret")
	if err := v.BindPFlags(flags); err != nil {
		panic(fmt.Sprintf("bug: could not bind flags: %s", err))
	}

	s := &session{v: v, extra: extra}
	rootCmd.AddCommand(
		newLoginCmd(s),
		newTokenCmd(s),
		newSwitchCmd(s),
		newLogoutCmd(s),
		newWhoamiCmd(s),
		newConfigCmd(v),
	)
	return rootCmd
}

// session builds the client of a command and releases what it opened.
type session struct {
	v     *viper.Viper
	extra []public.Option

	closers []func() error
}

func (s *session) client(cmd *cobra.Command) (public.Client, Config, error) {
	cfg, err := loadConfig(s.v)
	if err != nil {
		return public.Client{}, cfg, err
	}
	if err := cfg.validate(); err != nil {
		return public.Client{}, cfg, err
	}

	level := slog.LevelWarn
	if cfg.Debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	c, storage, locker, err := s.backend(cfg)
	if err != nil {
		return public.Client{}, cfg, err
	}
	if cfg.EncryptionKey != "" {
		if c, err = encrypted.New(c, []byte(cfg.EncryptionKey)); err != nil {
			return public.Client{}, cfg, err
		}
	}

	options := []public.Option{
		public.WithClientSecret(cfg.ClientSecret),
		public.WithIssuer(cfg.Issuer),
		public.WithLogoutPath(cfg.LogoutPath),
		public.WithHTTPTimeout(cfg.HTTPTimeout),
		public.WithAuthorizeTimeout(cfg.AuthorizeTimeout),
		public.WithAuthClient(public.AuthClient{
			Name:    cliName,
			Version: Version,
		}),
		public.WithAuthorizationParams(public.AuthorizationParams{Audience: cfg.Audience, Scope: cfg.Scope}),
		public.WithCache(c),
		public.WithLocker(locker),
		public.WithLockTeardown(cmd.Context()),
		public.WithLogger(log),
	}
	if cfg.LoginPath != "" {
		options = append(options, public.WithLoginPath(cfg.LoginPath))
	}
	if storage != nil {
		options = append(options, public.WithTransactionStorage(storage))
	}
	options = append(options, s.extra...)

	client, err := public.New(cfg.Domain, cfg.ClientID, options...)
	return client, cfg, err
}

// backend opens the cache selected by cfg and the lock that fits it: a file lock next to local
// caches, a redis lock for the shared one.
func (s *session) backend(cfg Config) (cache.Cache, cache.ClientStorage, lock.Locker, error) {
	switch cfg.Cache {
	case CacheMemory:
		return memory.New(), nil, lock.NewMemory(), nil
	case CacheRedis:
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		s.closers = append(s.closers, rc.Close)
		return redisCache.New(rc, ""), redisCache.NewStorage(rc, ""), lock.NewRedis(rc, "", 0), nil
	}

	dbPath := cfg.CachePath
	if cfg.Cache == CacheKeyring {
		// the keyring holds the tokens, sqlite only the pending login
		dbPath = filepath.Join(stateDir(), "transactions.db")
	}
	locker, err := lock.NewFile(filepath.Join(filepath.Dir(dbPath), "locks"))
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := s.openSQLite(dbPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Cache == CacheKeyring {
		return keyring.New(keyring.DefaultService), db.Storage(), locker, nil
	}
	return db.Cache(), db.Storage(), locker, nil
}

func (s *session) openSQLite(path string) (*sqlite.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, db.Close)
	return db, nil
}

func (s *session) close() {
	for _, c := range s.closers {
		_ = c()
	}
	s.closers = nil
}
