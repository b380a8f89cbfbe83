// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package base

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	autherrors "github.com/loopauth/loopauth-go/apps/errors"
	"github.com/loopauth/loopauth-go/apps/internal/base/internal/transaction"
	"github.com/loopauth/loopauth-go/apps/internal/logger"
)

// AuthorizeURL builds the authorize URL for params merged over the configured ones, and the
// transaction that HandleRedirectCallback needs to complete the login.
func (b *Client) AuthorizeURL(params AuthorizationParams) (string, transaction.Transaction) {
	params = b.cfg.AuthorizationParams.merge(params)

	ts := b.cfg.Now().UnixMilli()
	verifier := b.cfg.ClientID + "." + b.cfg.ClientSecret + "." + strconv.FormatInt(ts, 10)
	state := uuid.NewString()

	qv := url.Values{}
	qv.Set("client_id", b.cfg.ClientID)
	params.setOn(qv)
	qv.Set("response_type", "code")
	qv.Set("response_mode", "query")
	qv.Set("state", state)
	qv.Set("ts", strconv.FormatInt(ts, 10))
	qv.Set("client_challenge", challenge(verifier))
	qv.Set("client_challenge_method", "S256")

	return b.url(b.cfg.LoginPath, qv), transaction.Transaction{
		State:          state,
		ClientVerifier: verifier,
		RedirectURI:    params.RedirectURI,
		Audience:       params.Audience,
		Timestamp:      ts,
	}
}

// challenge is the S256 client challenge of verifier.
func challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// LoginWithRedirect stores a new login transaction and opens the authorize URL.
func (b *Client) LoginWithRedirect(ctx context.Context, options RedirectLoginOptions) error {
	openURL := options.OpenURL
	if openURL == nil {
		openURL = b.cfg.OpenURL
	}

	u, tx := b.AuthorizeURL(options.AuthorizationParams)
	if options.AppState != nil {
		appState, err := json.Marshal(options.AppState)
		if err != nil {
			return fmt.Errorf("could not marshal appState: %w", err)
		}
		tx.AppState = appState
	}
	if err := b.tx.Create(ctx, tx); err != nil {
		return err
	}

	if options.Fragment != "" {
		u += "#" + options.Fragment
	}
	if openURL == nil {
		return fmt.Errorf("loginWithRedirect: %w", ErrOpenURLRequired)
	}
	b.log.Log(ctx, logger.Debug, "opening authorize url", logger.Field("client_id", b.cfg.ClientID))
	return openURL(ctx, u)
}

// HandleRedirectCallback completes a login started by LoginWithRedirect. rawURL is the URL the
// authorization server redirected to. The pending transaction is consumed whether or not the
// login succeeds, so a callback URL can't be replayed.
func (b *Client) HandleRedirectCallback(ctx context.Context, rawURL string) (RedirectLoginResult, error) {
	_, query, found := strings.Cut(rawURL, "?")
	query, _, _ = strings.Cut(query, "#")
	if !found || query == "" {
		return RedirectLoginResult{}, autherrors.NewGeneric("invalid_request", "There are no query params available for parsing.")
	}
	qv, err := url.ParseQuery(query)
	if err != nil {
		return RedirectLoginResult{}, autherrors.NewGeneric("invalid_request", fmt.Sprintf("could not parse callback query: %s", err))
	}

	tx, err := b.tx.Get(ctx)
	if err != nil {
		return RedirectLoginResult{}, err
	}
	if tx == nil {
		return RedirectLoginResult{}, autherrors.NewGeneric("missing_transaction", "Invalid state")
	}
	if err := b.tx.Remove(ctx); err != nil {
		return RedirectLoginResult{}, err
	}

	if e := qv.Get("error"); e != "" {
		desc := qv.Get("error_description")
		if desc == "" {
			desc = e
		}
		return RedirectLoginResult{}, autherrors.NewAuthentication(e, desc, qv.Get("state"))
	}
	if s := qv.Get("state"); s != "" && s != tx.State {
		return RedirectLoginResult{}, autherrors.NewGeneric("state_mismatch", "Invalid state")
	}
	code := qv.Get("code")
	if code == "" {
		return RedirectLoginResult{}, autherrors.NewGeneric("invalid_request", "the callback has no authorization code")
	}

	resp, err := b.Token.AuthCode(ctx, code, 0)
	if err != nil {
		return RedirectLoginResult{}, err
	}
	if _, err := b.saveToken(ctx, resp, ""); err != nil {
		return RedirectLoginResult{}, err
	}
	b.log.Log(ctx, logger.Info, "signed in", logger.Field("client_id", b.cfg.ClientID))
	return RedirectLoginResult{AppState: tx.AppState}, nil
}
