// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Cache backends selectable with --cache.
const (
	CacheSQLite  = "sqlite"
	CacheKeyring = "keyring"
	CacheRedis   = "redis"
	CacheMemory  = "memory"
)

const (
	envPrefix      = "LOOPAUTH"
	configFileName = ".loopauth"
)

// Config is the resolved CLI configuration. Values come from flags, then LOOPAUTH_*
// environment variables, then the config file.
type Config struct {
	Domain       string `yaml:"domain" mapstructure:"domain"`
	ClientID     string `yaml:"client-id" mapstructure:"client-id"`
	ClientSecret string `yaml:"client-secret,omitempty" mapstructure:"client-secret"`
	Audience     string `yaml:"audience,omitempty" mapstructure:"audience"`
	Scope        string `yaml:"scope,omitempty" mapstructure:"scope"`
	LoginPath    string `yaml:"login-path,omitempty" mapstructure:"login-path"`
	LogoutPath   string `yaml:"logout-path,omitempty" mapstructure:"logout-path"`
	Issuer       string `yaml:"issuer,omitempty" mapstructure:"issuer"`

	HTTPTimeout      time.Duration `yaml:"http-timeout,omitempty" mapstructure:"http-timeout"`
	AuthorizeTimeout time.Duration `yaml:"authorize-timeout,omitempty" mapstructure:"authorize-timeout"`
	RedirectPort     int           `yaml:"redirect-port,omitempty" mapstructure:"redirect-port"`

	Cache         string `yaml:"cache,omitempty" mapstructure:"cache"`
	CachePath     string `yaml:"cache-path,omitempty" mapstructure:"cache-path"`
	RedisAddr     string `yaml:"redis-addr,omitempty" mapstructure:"redis-addr"`
	EncryptionKey string `yaml:"-" mapstructure:"encryption-key"`

	Debug bool `yaml:"-" mapstructure:"debug"`
}

func (c Config) validate() error {
	if c.Domain == "" {
		return errors.New("domain is not set, use --domain, LOOPAUTH_DOMAIN or `loopauth config init`")
	}
	if c.ClientID == "" {
		return errors.New("client id is not set, use --client-id, LOOPAUTH_CLIENT_ID or `loopauth config init`")
	}
	switch c.Cache {
	case CacheSQLite, CacheKeyring, CacheMemory:
	case CacheRedis:
		if c.RedisAddr == "" {
			return errors.New("the redis cache needs --redis-addr")
		}
	default:
		return fmt.Errorf("unknown cache %q, want one of sqlite, keyring, redis or memory", c.Cache)
	}
	return nil
}

// stateDir is where the CLI keeps its database and lock files.
func stateDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "loopauth")
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return configFileName + ".yaml"
	}
	return filepath.Join(home, configFileName+".yaml")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("cache", CacheSQLite)
	v.SetDefault("cache-path", filepath.Join(stateDir(), "cache.db"))
	v.SetDefault("http-timeout", 10*time.Second)
	v.SetDefault("authorize-timeout", 60*time.Second)
	return v
}

// loadConfig reads the config file, if any, and resolves the configuration.
func loadConfig(v *viper.Viper) (Config, error) {
	path := v.GetString("config")
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || (!errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist)) {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return cfg, nil
}

func newConfigCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the loopauth configuration file",
	}
	cmd.AddCommand(newConfigInitCmd(v), newConfigShowCmd(v))
	return cmd
}

func newConfigInitCmd(v *viper.Viper) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file from the current flags and environment",
		Long: `Write the configuration resolved from flags and LOOPAUTH_* environment variables
to the config file (~/.loopauth.yaml unless --config is given). Secrets passed with
--encryption-key are never written.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			path := v.GetString("config")
			if path == "" {
				path = defaultConfigPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite it", path)
			}

			b, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode configuration: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			if err := os.WriteFile(path, b, 0o600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

func newConfigShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if cfg.ClientSecret != "" {
				cfg.ClientSecret = "********"
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	}
}
