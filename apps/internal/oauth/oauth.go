// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package oauth is the client the base package uses to talk to the authorization server.
package oauth

import (
	"context"
	"time"

	"github.com/loopauth/loopauth-go/apps/internal/logger"
	"github.com/loopauth/loopauth-go/apps/internal/oauth/ops"
	"github.com/loopauth/loopauth-go/apps/internal/oauth/ops/accesstokens"
	"github.com/loopauth/loopauth-go/apps/internal/shared"
	"github.com/loopauth/loopauth-go/apps/internal/telemetry"
)

// AccessTokens is the set of token endpoint calls. accesstokens.Client implements it.
type AccessTokens interface {
	FetchToken(ctx context.Context, req accesstokens.TokenRequest) (accesstokens.TokenResponse, error)
	Logout(ctx context.Context, logoutURL, accessToken, refreshToken string) (accesstokens.LogoutResponse, error)
}

// Config is the configuration of a Client.
type Config struct {
	// BaseURL is the scheme and host of the authorization server.
	BaseURL     string
	ClientID    string
	UseFormData bool
	AuthClient  shared.AuthClient
	Timeout     time.Duration
	Logger      logger.LoggerInterface
	Telemetry   *telemetry.Recorder
}

// Client exchanges codes and refresh tokens for access tokens.
type Client struct {
	clientID     string
	accessTokens AccessTokens
	log          logger.LoggerInterface
	telemetry    *telemetry.Recorder
}

// New is the constructor for Client.
func New(httpClient ops.HTTPClient, cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	rest := ops.New(httpClient, cfg.Timeout, log)
	return &Client{
		clientID:     cfg.ClientID,
		accessTokens: rest.AccessTokens(cfg.BaseURL, cfg.UseFormData, cfg.AuthClient),
		log:          log,
		telemetry:    cfg.Telemetry,
	}
}

// NewWith returns a Client that sends its calls to at. Tests use it with the fake package.
func NewWith(clientID string, at AccessTokens) *Client {
	return &Client{clientID: clientID, accessTokens: at, log: logger.Discard()}
}

// AuthCode exchanges an authorization code for tokens.
func (t *Client) AuthCode(ctx context.Context, code string, timeout time.Duration) (accesstokens.TokenResponse, error) {
	return t.fetch(ctx, accesstokens.TokenRequest{ClientID: t.clientID, Code: code, Timeout: timeout})
}

// Refresh exchanges a refresh token for new tokens.
func (t *Client) Refresh(ctx context.Context, refreshToken string, timeout time.Duration) (accesstokens.TokenResponse, error) {
	return t.fetch(ctx, accesstokens.TokenRequest{ClientID: t.clientID, RefreshToken: refreshToken, Timeout: timeout})
}

// Switch exchanges a refresh token for tokens scoped to tenantID.
func (t *Client) Switch(ctx context.Context, refreshToken, tenantID string, timeout time.Duration) (accesstokens.TokenResponse, error) {
	return t.fetch(ctx, accesstokens.TokenRequest{ClientID: t.clientID, RefreshToken: refreshToken, TenantID: tenantID, Timeout: timeout})
}

// Logout ends the server side session.
func (t *Client) Logout(ctx context.Context, logoutURL, accessToken, refreshToken string) (accesstokens.LogoutResponse, error) {
	resp, err := t.accessTokens.Logout(ctx, logoutURL, accessToken, refreshToken)
	if err != nil {
		t.log.Log(ctx, logger.Warn, "server logout failed", logger.Field("error", err.Error()))
	}
	return resp, err
}

func (t *Client) fetch(ctx context.Context, req accesstokens.TokenRequest) (accesstokens.TokenResponse, error) {
	grant, err := req.Grant()
	if err != nil {
		return accesstokens.TokenResponse{}, err
	}
	resp, err := t.accessTokens.FetchToken(ctx, req)
	t.telemetry.TokenRequest(ctx, grant.String(), err)
	if err != nil {
		t.log.Log(ctx, logger.Info, "token request failed", logger.Field("grant", grant.String()), logger.Field("error", err.Error()))
		return accesstokens.TokenResponse{}, err
	}
	t.log.Log(ctx, logger.Info, "token request succeeded", logger.Field("grant", grant.String()))
	return resp, nil
}
