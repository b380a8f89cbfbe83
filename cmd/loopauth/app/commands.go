// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loopauth/loopauth-go/apps/public"
)

func openBrowser(_ context.Context, url string) error {
	return browser.OpenURL(url)
}

// printURL is the OpenURL of --no-browser.
func printURL(w io.Writer) public.OpenURL {
	return func(_ context.Context, url string) error {
		_, err := fmt.Fprintf(w, "Open this URL in your browser:\n\n  %s\n\n", url)
		return err
	}
}

func newLoginCmd(s *session) *cobra.Command {
	var noBrowser bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with the browser",
		Long: `Sign in with the system browser. A server on localhost receives the redirect of the
authorization server, so the client must allow http://localhost redirect URIs.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer s.close()
			client, cfg, err := s.client(cmd)
			if err != nil {
				return err
			}
			opts := public.InteractiveOptions{Port: cfg.RedirectPort}
			if noBrowser {
				opts.OpenURL = printURL(cmd.ErrOrStderr())
			}
			if _, err := client.AcquireTokenInteractive(cmd.Context(), opts); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			user, err := client.GetUser(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", displayName(user))
			return nil
		},
	}
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Print the login URL instead of opening a browser")
	return cmd
}

type tokenOutput struct {
	AccessToken string  `json:"accessToken"`
	ExpiresIn   float64 `json:"expiresIn"`
}

func newTokenCmd(s *session) *cobra.Command {
	var (
		cacheMode string
		detailed  bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print an access token",
		Long: `Print an access token for the signed in user. A cached token is printed while it is
valid for at least another minute, otherwise it is renewed with the refresh token.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode, err := public.ParseCacheMode(cacheMode)
			if err != nil {
				return err
			}
			defer s.close()
			client, _, err := s.client(cmd)
			if err != nil {
				return err
			}

			res, err := client.GetTokenSilentlyDetailed(cmd.Context(), public.GetTokenSilentlyOptions{CacheMode: mode})
			if err != nil {
				return loginHint(err)
			}
			if res == nil {
				return errors.New("no cached token")
			}
			return printToken(cmd.OutOrStdout(), res, detailed)
		},
	}
	cmd.Flags().StringVar(&cacheMode, "cache-mode", "on", "Cache use: on, off or cache-only")
	cmd.Flags().BoolVar(&detailed, "detailed", false, "Print the token and its lifetime as JSON")
	return cmd
}

func newSwitchCmd(s *session) *cobra.Command {
	var (
		tenant   string
		detailed bool
	)
	cmd := &cobra.Command{
		Use:   "switch",
		Short: "Switch the session to another tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer s.close()
			client, _, err := s.client(cmd)
			if err != nil {
				return err
			}
			res, err := client.SwitchToken(cmd.Context(), public.SwitchTokenOptions{TenantID: tenant})
			if err != nil {
				return loginHint(err)
			}
			return printToken(cmd.OutOrStdout(), res, detailed)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant id to switch to")
	cmd.Flags().BoolVar(&detailed, "detailed", false, "Print the token and its lifetime as JSON")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newLogoutCmd(s *session) *cobra.Command {
	var (
		all       bool
		clientID  string
		noBrowser bool
	)
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the token cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer s.close()
			client, _, err := s.client(cmd)
			if err != nil {
				return err
			}
			opts := public.LogoutOptions{ClientID: clientID, AllClients: all, SkipOpenURL: noBrowser, OpenURL: openBrowser}
			if err := client.Logout(cmd.Context(), opts); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Clear the cached sessions of every client")
	cmd.Flags().StringVar(&clientID, "logout-client-id", "", "Clear the session of this client instead of the configured one")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Don't open the server's logout page")
	return cmd
}

func newWhoamiCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the signed in user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer s.close()
			client, _, err := s.client(cmd)
			if err != nil {
				return err
			}
			user, err := client.GetUser(cmd.Context())
			if err != nil {
				return err
			}
			if user == nil {
				return errors.New("not signed in, run `loopauth login`")
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(user)
		},
	}
}

func printToken(w io.Writer, res *public.TokenResult, detailed bool) error {
	if !detailed {
		_, err := fmt.Fprintln(w, res.AccessToken)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenOutput{AccessToken: res.AccessToken, ExpiresIn: res.ExpiresIn.Seconds()})
}

func displayName(u *public.User) string {
	switch {
	case u == nil:
		return "unknown user"
	case u.Email != "":
		return u.Email
	case u.Username != "":
		return u.Username
	}
	return u.ID
}

func loginHint(err error) error {
	if public.NeedsLogin(err) {
		return fmt.Errorf("%w\nrun `loopauth login` to sign in again", err)
	}
	return err
}
