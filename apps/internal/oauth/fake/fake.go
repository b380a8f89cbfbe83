// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package fake provides fake implementations of the oauth interfaces for testing.
package fake

import (
	"context"
	"errors"
	"sync"
	"time"

	internalTime "github.com/loopauth/loopauth-go/apps/internal/json/types/time"
	"github.com/loopauth/loopauth-go/apps/internal/oauth/ops/accesstokens"
)

// AccessTokens is a fake implementation of oauth.AccessTokens.
type AccessTokens struct {
	// Err, when set, makes every call fail with a generic error.
	Err bool
	// Error, when set, is returned by every call instead of a response.
	Error error
	// Resp is returned by FetchToken when there is no error. The zero value is replaced by a
	// one hour token "fake-access-token".
	Resp accesstokens.TokenResponse

	mu       sync.Mutex
	requests []accesstokens.TokenRequest
	logouts  int
}

// FetchToken implements oauth.AccessTokens.
func (f *AccessTokens) FetchToken(ctx context.Context, req accesstokens.TokenRequest) (accesstokens.TokenResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if err := f.err(); err != nil {
		return accesstokens.TokenResponse{}, err
	}
	if f.Resp.AccessToken == "" {
		return accesstokens.TokenResponse{
			AccessToken:  "fake-access-token",
			RefreshToken: "fake-refresh-token",
			ExpiresIn:    internalTime.Seconds{D: time.Hour},
		}, nil
	}
	return f.Resp, nil
}

// Logout implements oauth.AccessTokens.
func (f *AccessTokens) Logout(ctx context.Context, logoutURL, accessToken, refreshToken string) (accesstokens.LogoutResponse, error) {
	f.mu.Lock()
	f.logouts++
	f.mu.Unlock()

	if err := f.err(); err != nil {
		return accesstokens.LogoutResponse{}, err
	}
	return accesstokens.LogoutResponse{Success: true, LogoutURL: logoutURL}, nil
}

// Requests returns the token requests received so far.
func (f *AccessTokens) Requests() []accesstokens.TokenRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]accesstokens.TokenRequest(nil), f.requests...)
}

// Logouts returns how many times Logout was called.
func (f *AccessTokens) Logouts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logouts
}

func (f *AccessTokens) err() error {
	switch {
	case f.Error != nil:
		return f.Error
	case f.Err:
		return errors.New("error")
	}
	return nil
}
