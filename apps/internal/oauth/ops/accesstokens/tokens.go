// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package accesstokens

import (
	"time"

	internalTime "github.com/loopauth/loopauth-go/apps/internal/json/types/time"
)

// TokenResponse is the normalized reply of the token endpoints.
type TokenResponse struct {
	AccessToken  string               `json:"accessToken"`
	RefreshToken string               `json:"refreshToken,omitempty"`
	ExpiresIn    internalTime.Seconds `json:"expiresIn"`
}

// Validate checks that the server sent what we need to build a cache entry.
func (tr TokenResponse) Validate() error {
	if tr.AccessToken == "" {
		return errMalformed("response is missing accessToken")
	}
	if tr.ExpiresIn.D <= 0 {
		return errMalformed("response is missing a positive expiresIn")
	}
	return nil
}

// Expiry returns when the token expires relative to issuedAt.
func (tr TokenResponse) Expiry(issuedAt time.Time) time.Time {
	return issuedAt.Add(tr.ExpiresIn.D)
}

// LogoutResponse is the reply of the server side logout endpoint.
type LogoutResponse struct {
	Success   bool   `json:"success"`
	Key       string `json:"key,omitempty"`
	LogoutURL string `json:"logoutUrl,omitempty"`
}
