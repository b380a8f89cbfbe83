// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package accesstokens exposes a REST client for the token endpoints of the authorization server.

Three request shapes are supported: an authorization code exchange, a refresh token exchange and
a tenant switch. Bodies are JSON by default, or "application/x-www-form-urlencoded" when the
Client is configured with UseFormData. Replies are always JSON.
*/
package accesstokens

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	autherrors "github.com/loopauth/loopauth-go/apps/errors"
	"github.com/loopauth/loopauth-go/apps/internal/shared"
)

const (
	tokenPath   = "/auth/token"
	refreshPath = "/auth/token-refresh"
	switchPath  = "/auth/token-switch"
)

// Grant is the kind of exchange a TokenRequest performs.
type Grant int

const (
	UnknownGrant Grant = iota
	// AuthCode exchanges an authorization code.
	AuthCode
	// Refresh exchanges a refresh token.
	Refresh
	// Switch exchanges a refresh token for a token scoped to another tenant.
	Switch
)

func (g Grant) String() string {
	switch g {
	case AuthCode:
		return "authorization_code"
	case Refresh:
		return "refresh_token"
	case Switch:
		return "token_switch"
	}
	return "unknown"
}

// TokenRequest holds the values of one token endpoint call. Exactly one of {Code},
// {RefreshToken} and {RefreshToken, TenantID} may be set.
type TokenRequest struct {
	ClientID     string
	Code         string
	RefreshToken string
	TenantID     string
	// Timeout overrides the Client's timeout for this call when > 0.
	Timeout time.Duration
}

// Grant reports the request shape, or an invalid_request error when the fields don't describe
// exactly one of them.
func (r TokenRequest) Grant() (Grant, error) {
	switch {
	case r.Code != "" && r.RefreshToken == "" && r.TenantID == "":
		if r.ClientID == "" {
			return UnknownGrant, invalidRequest("a code exchange requires a client id")
		}
		return AuthCode, nil
	case r.Code == "" && r.RefreshToken != "" && r.TenantID == "":
		return Refresh, nil
	case r.Code == "" && r.RefreshToken != "" && r.TenantID != "":
		return Switch, nil
	}
	return UnknownGrant, invalidRequest("exactly one of code, refreshToken or refreshToken with tenantId must be provided")
}

type caller interface {
	JSONCall(ctx context.Context, endpoint string, headers http.Header, body, resp any, timeout time.Duration) error
	FormCall(ctx context.Context, endpoint string, headers http.Header, qv url.Values, resp any, timeout time.Duration) error
}

// Client represents the REST calls to get tokens from the authorization server.
type Client struct {
	// Comm provides the HTTP transport client.
	Comm caller
	// BaseURL is the scheme and host of the authorization server, without a trailing slash.
	BaseURL string
	// UseFormData sends token requests form encoded instead of as JSON.
	UseFormData bool
	// AuthClient is sent in the client header. The zero value sends shared.DefaultAuthClient.
	AuthClient shared.AuthClient
	// Timeout is the default timeout of each call. Zero uses the transport's default.
	Timeout time.Duration
}

// FetchToken validates req, sends it to the matching endpoint and returns the normalized reply.
func (c Client) FetchToken(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	grant, err := req.Grant()
	if err != nil {
		return TokenResponse{}, err
	}

	var (
		path   string
		fields [][2]string
	)
	switch grant {
	case AuthCode:
		path = tokenPath
		fields = [][2]string{{"clientId", req.ClientID}, {"code", req.Code}}
	case Refresh:
		path = refreshPath
		fields = [][2]string{{"refreshToken", req.RefreshToken}}
	case Switch:
		path = switchPath
		fields = [][2]string{{"refreshToken", req.RefreshToken}, {"tenantId", req.TenantID}}
	}

	timeout := c.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	resp := TokenResponse{}
	endpoint := c.endpoint(path)
	if c.UseFormData {
		qv := url.Values{}
		for _, f := range fields {
			qv.Set(f[0], f[1])
		}
		err = c.Comm.FormCall(ctx, endpoint, c.headers(), qv, &resp, timeout)
	} else {
		body := make(map[string]string, len(fields))
		for _, f := range fields {
			body[f[0]] = f[1]
		}
		err = c.Comm.JSONCall(ctx, endpoint, c.headers(), body, &resp, timeout)
	}
	if err != nil {
		return TokenResponse{}, err
	}
	if err := resp.Validate(); err != nil {
		return TokenResponse{}, err
	}
	return resp, nil
}

// Logout tells the server to end the session of accessToken. logoutURL is the full endpoint URL.
func (c Client) Logout(ctx context.Context, logoutURL, accessToken, refreshToken string) (LogoutResponse, error) {
	if logoutURL == "" {
		return LogoutResponse{}, invalidRequest("a logout url is required")
	}
	headers := c.headers()
	headers.Set("Authorization", "Bearer "+accessToken)

	resp := LogoutResponse{}
	body := map[string]string{"refreshToken": refreshToken}
	if err := c.Comm.JSONCall(ctx, logoutURL, headers, body, &resp, c.Timeout); err != nil {
		return LogoutResponse{}, err
	}
	return resp, nil
}

func (c Client) endpoint(path string) string {
	return strings.TrimSuffix(c.BaseURL, "/") + path
}

func (c Client) headers() http.Header {
	ac := c.AuthClient
	if ac.Name == "" {
		ac = shared.DefaultAuthClient
	}
	h := http.Header{}
	h.Set(shared.ClientHeader, ac.Encode())
	return h
}

func invalidRequest(msg string) error {
	return autherrors.NewGeneric("invalid_request", msg)
}

func errMalformed(msg string) error {
	return fmt.Errorf("token endpoint: %w", autherrors.NewGeneric("invalid_response", msg))
}
