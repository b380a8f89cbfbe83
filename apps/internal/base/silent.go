// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package base

import (
	"context"
	"strings"
	"time"

	autherrors "github.com/loopauth/loopauth-go/apps/errors"
	"github.com/loopauth/loopauth-go/apps/internal/base/internal/storage"
	"github.com/loopauth/loopauth-go/apps/internal/logger"
	"github.com/loopauth/loopauth-go/apps/internal/oauth/ops/accesstokens"
	"github.com/loopauth/loopauth-go/apps/internal/tokens"
	"github.com/loopauth/loopauth-go/apps/lock"
)

// Messages the server uses when a refresh token can no longer be used.
const (
	tokenExpiredMessage = "Token Expired"
	tokenInvalidMessage = "Token Invalid"
)

// GetTokenSilently returns a valid access token, from the cache or by spending the cached
// refresh token. It returns "" with a nil error in CacheOnly mode when nothing is cached.
func (b *Client) GetTokenSilently(ctx context.Context, options GetTokenSilentlyOptions) (string, error) {
	r, err := b.GetTokenSilentlyDetailed(ctx, options)
	if err != nil || r == nil {
		return "", err
	}
	return r.AccessToken, nil
}

// GetTokenSilentlyDetailed is GetTokenSilently returning the token's lifetime too. Concurrent
// calls share the result of a single in-flight call. The shared call is not canceled with ctx:
// a caller that gives up returns ctx.Err() while the others keep waiting for the result. The
// shared call stays bounded by the HTTP timeout and the lock's acquisition attempts.
func (b *Client) GetTokenSilentlyDetailed(ctx context.Context, options GetTokenSilentlyOptions) (*TokenResult, error) {
	ch := b.flight.DoChan(b.cfg.ClientID, func() (any, error) {
		return b.getTokenSilently(context.WithoutCancel(ctx), options)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			b.log.Log(ctx, logger.Debug, "joined in-flight token request", logger.Field("client_id", b.cfg.ClientID))
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*TokenResult), nil
	}
}

func (b *Client) getTokenSilently(ctx context.Context, options GetTokenSilentlyOptions) (*TokenResult, error) {
	if options.CacheMode != CacheOff {
		// checked before taking the lock so that a warm cache costs no lock round trip
		r, err := b.fromCache(ctx)
		if err != nil || r != nil {
			return r, err
		}
	}
	if options.CacheMode == CacheOnly {
		return nil, nil
	}

	return lock.Run(ctx, b.runner, lock.DefaultKey, func(ctx context.Context) (*TokenResult, error) {
		// another holder may have refreshed while we waited
		if options.CacheMode != CacheOff {
			r, err := b.fromCache(ctx)
			if err != nil || r != nil {
				return r, err
			}
		}
		return b.refresh(ctx, options.Timeout)
	})
}

// CheckSession tries to get a token silently to fill the cache. Errors are dropped.
func (b *Client) CheckSession(ctx context.Context, options GetTokenSilentlyOptions) {
	if _, err := b.GetTokenSilently(ctx, options); err != nil {
		b.log.Log(ctx, logger.Debug, "no session", logger.Field("error", err.Error()))
	}
}

// SwitchToken exchanges the cached refresh token for tokens scoped to options.TenantID and
// caches them as the session's tokens.
func (b *Client) SwitchToken(ctx context.Context, options SwitchTokenOptions) (*TokenResult, error) {
	if options.TenantID == "" {
		return nil, autherrors.NewGeneric("invalid_request", "tenantId is required")
	}
	return lock.Run(ctx, b.runner, lock.DefaultKey, func(ctx context.Context) (*TokenResult, error) {
		entry, err := b.manager.Get(ctx, b.cacheKey(), 0)
		if err != nil {
			return nil, err
		}
		if entry == nil || entry.RefreshToken == "" {
			return nil, autherrors.NewMissingRefreshToken()
		}
		b.log.Log(ctx, logger.Info, "switching tenant", logger.Field("client_id", b.cfg.ClientID), logger.Field("tenant_id", options.TenantID))
		resp, err := b.Token.Switch(ctx, entry.RefreshToken, options.TenantID, options.Timeout)
		if err != nil {
			return nil, b.tokenFailed(ctx, err)
		}
		return b.saveToken(ctx, resp, entry.RefreshToken)
	})
}

func (b *Client) fromCache(ctx context.Context) (*TokenResult, error) {
	entry, err := b.manager.Get(ctx, b.cacheKey(), cacheLeeway)
	if err != nil {
		return nil, err
	}
	if entry != nil && entry.AccessToken != "" {
		id, err := b.idTokenFromCache(ctx)
		if err != nil {
			return nil, err
		}
		if id != nil {
			b.telemetry.CacheLookup(ctx, true)
			b.log.Log(ctx, logger.Debug, "token served from cache", logger.Field("client_id", b.cfg.ClientID))
			return &TokenResult{AccessToken: entry.AccessToken, ExpiresIn: time.Duration(entry.ExpiresIn) * time.Second}, nil
		}
	}
	b.telemetry.CacheLookup(ctx, false)
	b.log.Log(ctx, logger.Debug, "token cache miss", logger.Field("client_id", b.cfg.ClientID))
	return nil, nil
}

func (b *Client) refresh(ctx context.Context, timeout time.Duration) (*TokenResult, error) {
	entry, err := b.manager.Get(ctx, b.cacheKey(), 0)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.RefreshToken == "" {
		return nil, autherrors.NewMissingRefreshToken()
	}
	b.log.Log(ctx, logger.Info, "refreshing access token", logger.Field("client_id", b.cfg.ClientID))
	resp, err := b.Token.Refresh(ctx, entry.RefreshToken, timeout)
	if err != nil {
		return nil, b.tokenFailed(ctx, err)
	}
	return b.saveToken(ctx, resp, entry.RefreshToken)
}

// tokenFailed turns a server report of an expired or invalid refresh token into a local logout
// and a login_required error. Other errors are returned unchanged.
func (b *Client) tokenFailed(ctx context.Context, err error) error {
	msg := err.Error()
	expired := autherrors.IsCode(err, "token_expired") || autherrors.IsCode(err, "token_invalid") ||
		strings.Contains(msg, tokenExpiredMessage) || strings.Contains(msg, tokenInvalidMessage)
	if !expired {
		return err
	}

	b.log.Log(ctx, logger.Warn, "session expired, signing out locally", logger.Field("client_id", b.cfg.ClientID))
	if cerr := b.clearLocal(ctx); cerr != nil {
		b.log.Log(ctx, logger.Err, "could not clear the token cache", logger.Field("error", cerr.Error()))
	}
	var ae *autherrors.AuthError
	if autherrors.As(err, &ae) && ae.Description != "" {
		msg = ae.Description
	}
	return autherrors.NewGeneric("login_required", msg)
}

// saveToken verifies resp and caches it. prevRefresh is kept when the server didn't send a new
// refresh token.
func (b *Client) saveToken(ctx context.Context, resp accesstokens.TokenResponse, prevRefresh string) (*TokenResult, error) {
	decoded, err := tokens.Verify(tokens.VerifyOptions{
		Token:    resp.AccessToken,
		Issuer:   b.cfg.Issuer,
		Audience: b.cfg.ClientID,
		MaxAge:   b.cfg.AuthorizationParams.MaxAge,
		Now:      b.cfg.Now,
		Keyfunc:  b.cfg.Keyfunc,
	})
	if err != nil {
		return nil, err
	}

	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = prevRefresh
	}
	key := b.cacheKey()
	entry := storage.Entry{
		ClientID:     key.ClientID,
		AccessToken:  resp.AccessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(resp.ExpiresIn.D / time.Second),
		Audience:     key.Audience,
	}

	b.setUserCache(&storage.IDTokenEntry{IDToken: resp.AccessToken, DecodedToken: decoded})
	if err := b.manager.SetIDToken(ctx, key.ClientID, resp.AccessToken, decoded); err != nil {
		return nil, err
	}
	if err := b.manager.Set(ctx, entry); err != nil {
		return nil, err
	}
	return &TokenResult{AccessToken: resp.AccessToken, ExpiresIn: resp.ExpiresIn.D}, nil
}
