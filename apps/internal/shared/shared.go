// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package shared holds values used by more than one of the internal packages.
package shared

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"
)

const (
	// ClientHeader identifies the SDK making a request.
	ClientHeader = "LoopAuth-Client"

	// SDKName and SDKVersion describe this library in ClientHeader.
	SDKName    = "loopauth-go"
	SDKVersion = "0.4.0"

	// DefaultHTTPTimeout bounds every call to the authorization server.
	DefaultHTTPTimeout = 10 * time.Second
	// DefaultAuthorizeTimeout is how long an interactive login may wait for its redirect.
	DefaultAuthorizeTimeout = 60 * time.Second
	// DefaultRetryCount is the number of attempts made on network failures.
	DefaultRetryCount = 3
)

// AuthClient identifies the SDK to the server.
type AuthClient struct {
	Name    string            `json:"name"`
	Version string            `json:"version"`
	Env     map[string]string `json:"env,omitempty"`
}

// DefaultAuthClient is the AuthClient sent when none is configured.
var DefaultAuthClient = AuthClient{Name: SDKName, Version: SDKVersion}

// Encode returns the URL-safe base64 of the JSON form of a, as sent in ClientHeader and in
// the authClient query parameter.
func (a AuthClient) Encode() string {
	b, err := json.Marshal(a)
	if err != nil {
		// AuthClient only holds strings
		panic("bug: AuthClient could not be marshaled: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// DefaultClient is our default shared HTTP client.
var DefaultClient = &http.Client{}
