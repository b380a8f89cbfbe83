// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package comm provides helpers for communicating with HTTP backends.
package comm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	autherrors "github.com/loopauth/loopauth-go/apps/errors"
	"github.com/loopauth/loopauth-go/apps/internal/logger"
	"github.com/loopauth/loopauth-go/apps/internal/shared"
)

// HTTPClient represents an HTTP client.
// It's usually an *http.Client from the standard library.
type HTTPClient interface {
	// Do sends an HTTP request and returns an HTTP response.
	Do(req *http.Request) (*http.Response, error)

	// CloseIdleConnections closes any idle connections in a "keep-alive" state.
	CloseIdleConnections()
}

// Client provides a wrapper to our *http.Client that handles compression and serialization needs.
type Client struct {
	client  HTTPClient
	timeout time.Duration
	tries   uint
	log     logger.LoggerInterface
}

// Option is an optional argument to New.
type Option func(c *Client)

// WithTimeout sets the default timeout of each attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger used to report retries.
func WithLogger(l logger.LoggerInterface) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// New returns a new Client object.
func New(httpClient HTTPClient, options ...Option) *Client {
	if httpClient == nil {
		panic("http.Client == nil")
	}
	c := &Client{
		client:  httpClient,
		timeout: shared.DefaultHTTPTimeout,
		tries:   shared.DefaultRetryCount,
		log:     logger.Discard(),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// JSONCall POSTs body as JSON to endpoint and decodes the JSON reply into resp, which must be a
// pointer to a struct (or nil to discard the reply). timeout overrides the default when > 0.
func (c *Client) JSONCall(ctx context.Context, endpoint string, headers http.Header, body, resp any, timeout time.Duration) error {
	if err := checkResp(resp); err != nil {
		return err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("bug: conn.Call(): could not marshal the body object: %w", err)
	}
	headers = cloneHeaders(headers)
	headers.Set("Content-Type", "application/json")
	return c.call(ctx, endpoint, headers, data, resp, timeout)
}

// FormCall POSTs qv form encoded to endpoint and decodes the JSON reply into resp.
func (c *Client) FormCall(ctx context.Context, endpoint string, headers http.Header, qv url.Values, resp any, timeout time.Duration) error {
	if err := checkResp(resp); err != nil {
		return err
	}
	headers = cloneHeaders(headers)
	headers.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	return c.call(ctx, endpoint, headers, []byte(qv.Encode()), resp, timeout)
}

type reply struct {
	status int
	body   []byte
}

func (c *Client) call(ctx context.Context, endpoint string, headers http.Header, body []byte, resp any, timeout time.Duration) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("could not parse endpoint(%s): %w", endpoint, err)
	}
	if timeout <= 0 {
		timeout = c.timeout
	}

	attempt := 0
	op := func() (reply, error) {
		attempt++
		return c.do(ctx, u, headers, body, timeout)
	}
	r, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(&backoff.ZeroBackOff{}),
		backoff.WithMaxTries(c.tries),
		backoff.WithNotify(func(err error, _ time.Duration) {
			c.log.Log(ctx, logger.Debug, "retrying request after network failure",
				logger.Field("endpoint", u.Redacted()), logger.Field("attempt", attempt), logger.Field("error", err.Error()))
		}),
	)
	if err != nil {
		return err
	}

	if r.status < 200 || r.status > 299 {
		return remoteError(endpoint, r.body)
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(r.body, resp); err != nil {
		return fmt.Errorf("json decode error: %w\njson message bytes were: %s", err, string(r.body))
	}
	return nil
}

// do makes a single attempt. Network failures are returned as retryable errors; an attempt that
// runs out of time is a permanent Timeout error.
func (c *Client) do(ctx context.Context, u *url.URL, headers http.Header, body []byte, timeout time.Duration) (reply, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return reply{}, backoff.Permanent(fmt.Errorf("could not create request: %w", err))
	}
	req.Header = headers

	resp, err := c.client.Do(req)
	if err == nil {
		defer resp.Body.Close()
		var data []byte
		if data, err = io.ReadAll(resp.Body); err == nil {
			return reply{status: resp.StatusCode, body: data}, nil
		}
	}

	switch {
	case ctx.Err() != nil:
		return reply{}, backoff.Permanent(ctx.Err())
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return reply{}, backoff.Permanent(autherrors.NewTimeout())
	}
	return reply{}, autherrors.CallErr{Req: req, Resp: resp, Err: fmt.Errorf("http call(%s)(%s) error: %w", u.Redacted(), req.Method, err)}
}

// remoteError turns the body of an error reply into a typed error. Both
// {"error":"code","error_description":"..."} and {"error":{"errorCode":"code","message":"..."}} are understood.
func remoteError(endpoint string, body []byte) error {
	var payload struct {
		Error            json.RawMessage `json:"error"`
		ErrorDescription string          `json:"error_description"`
		MFAToken         string          `json:"mfa_token"`
	}
	var code, message string
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Error) > 0 {
		var s string
		if err := json.Unmarshal(payload.Error, &s); err == nil {
			code, message = s, payload.ErrorDescription
		} else {
			var obj struct {
				ErrorCode string `json:"errorCode"`
				Message   string `json:"message"`
			}
			if err := json.Unmarshal(payload.Error, &obj); err == nil {
				code, message = obj.ErrorCode, obj.Message
			}
		}
	}
	if message == "" {
		message = fmt.Sprintf("HTTP error. Unable to fetch %s", endpoint)
	}

	switch code {
	case "mfa_required":
		return autherrors.NewMFARequired(message, payload.MFAToken)
	case "missing_refresh_token":
		return autherrors.NewMissingRefreshToken()
	case "":
		code = "request_error"
	}
	return autherrors.NewGeneric(code, message)
}

func checkResp(resp any) error {
	if resp == nil {
		return nil
	}
	v := reflect.ValueOf(resp)
	if v.Kind() != reflect.Ptr {
		return fmt.Errorf("bug: resp argument must be a *struct, was %T", resp)
	}
	if v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("bug: resp argument must be a *struct, was %T", resp)
	}
	return nil
}

func cloneHeaders(h http.Header) http.Header {
	if h == nil {
		h = http.Header{}
	}
	h = h.Clone()
	if h.Get(shared.ClientHeader) == "" {
		h.Set(shared.ClientHeader, shared.DefaultAuthClient.Encode())
	}
	if !strings.Contains(h.Get("Accept"), "json") {
		h.Set("Accept", "application/json")
	}
	return h
}
