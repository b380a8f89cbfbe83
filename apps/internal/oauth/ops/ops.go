// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package ops provides operations to gather information about the authorization server and to
get tokens from it.

This package is not meant to be used directly; it is used by the oauth package.
*/
package ops

import (
	"time"

	"github.com/loopauth/loopauth-go/apps/internal/logger"
	"github.com/loopauth/loopauth-go/apps/internal/oauth/ops/accesstokens"
	"github.com/loopauth/loopauth-go/apps/internal/oauth/ops/internal/comm"
	"github.com/loopauth/loopauth-go/apps/internal/shared"
)

// HTTPClient represents an HTTP pipeline, usually an *http.Client.
type HTTPClient = comm.HTTPClient

// REST provides REST clients for the authorization server.
type REST struct {
	client  *comm.Client
	timeout time.Duration
}

// New is the constructor for REST. timeout <= 0 uses shared.DefaultHTTPTimeout.
func New(httpClient HTTPClient, timeout time.Duration, log logger.LoggerInterface) *REST {
	if timeout <= 0 {
		timeout = shared.DefaultHTTPTimeout
	}
	return &REST{
		client:  comm.New(httpClient, comm.WithTimeout(timeout), comm.WithLogger(log)),
		timeout: timeout,
	}
}

// AccessTokens returns a REST client for the token endpoints of baseURL.
func (r *REST) AccessTokens(baseURL string, useFormData bool, authClient shared.AuthClient) accesstokens.Client {
	return accesstokens.Client{
		Comm:        r.client,
		BaseURL:     baseURL,
		UseFormData: useFormData,
		AuthClient:  authClient,
		Timeout:     r.timeout,
	}
}
