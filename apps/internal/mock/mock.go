// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package mock provides a fake HTTP client and canned authorization server replies for tests.
package mock

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningKey is the HS256 key tokens from GetAccessToken are signed with.
var SigningKey = []byte("loopauth-mock-signing-key")

// Keyfunc verifies tokens signed with SigningKey.
func Keyfunc(*jwt.Token) (any, error) {
	return SigningKey, nil
}

type response struct {
	body     []byte
	callback func(*http.Request)
	code     int
	headers  http.Header
}

type responseOption interface {
	apply(*response)
}

type respOpt func(*response)

func (fn respOpt) apply(r *response) {
	fn(r)
}

// WithBody sets the HTTP response's body to the specified value.
func WithBody(b []byte) responseOption {
	return respOpt(func(r *response) {
		r.body = b
	})
}

// WithCallback sets a callback to invoke before returning the response.
func WithCallback(callback func(*http.Request)) responseOption {
	return respOpt(func(r *response) {
		r.callback = callback
	})
}

// WithHTTPHeader sets the HTTP headers of the response to the specified value.
func WithHTTPHeader(header http.Header) responseOption {
	return respOpt(func(r *response) {
		r.headers = header
	})
}

// WithHTTPStatusCode sets the HTTP statusCode of response to the specified value.
func WithHTTPStatusCode(statusCode int) responseOption {
	return respOpt(func(r *response) {
		r.code = statusCode
	})
}

// Request is a request received by Client.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Client is a mock HTTP client that returns a sequence of responses. Use AppendResponse to specify
// the sequence. It is safe for concurrent use.
type Client struct {
	mu   sync.Mutex
	resp []response
	reqs []Request
}

func NewClient() *Client {
	return &Client{}
}

func (c *Client) AppendResponse(opts ...responseOption) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := response{code: http.StatusOK, headers: http.Header{}}
	for _, o := range opts {
		o.apply(&r)
	}
	c.resp = append(c.resp, r)
}

// Do implements the HTTP client interface. The callback of a response runs without the lock
// held, so a slow callback doesn't block concurrent requests.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		body = b
	}

	c.mu.Lock()
	c.reqs = append(c.reqs, Request{Method: req.Method, Path: req.URL.Path, Header: req.Header.Clone(), Body: body})
	if len(c.resp) == 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf(`no response for "%s"`, req.URL.String())
	}
	resp := c.resp[0]
	c.resp = c.resp[1:]
	c.mu.Unlock()

	if resp.callback != nil {
		resp.callback(req)
	}
	res := http.Response{Header: resp.headers, StatusCode: resp.code}
	res.Body = io.NopCloser(bytes.NewReader(resp.body))
	return &res, nil
}

// CloseIdleConnections implements the HTTP client interface.
func (*Client) CloseIdleConnections() {}

// Requests returns the requests received so far.
func (c *Client) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.reqs...)
}

// Count returns how many requests were sent to path.
func (c *Client) Count(path string) int {
	n := 0
	for _, r := range c.Requests() {
		if r.Path == path {
			n++
		}
	}
	return n
}

// Pending returns how many appended responses have not been used.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resp)
}

// GetAccessTokenBody is a token endpoint reply. An empty refreshToken is left out.
func GetAccessTokenBody(accessToken, refreshToken string, expiresIn int) []byte {
	body := map[string]any{"accessToken": accessToken, "expiresIn": expiresIn}
	if refreshToken != "" {
		body["refreshToken"] = refreshToken
	}
	return mustJSON(body)
}

// GetErrorBody is an error reply in the {"error","error_description"} form.
func GetErrorBody(code, description string) []byte {
	return mustJSON(map[string]string{"error": code, "error_description": description})
}

// GetLogoutBody is a logout endpoint reply.
func GetLogoutBody(logoutURL string) []byte {
	return mustJSON(map[string]any{"success": true, "key": "logout", "logoutUrl": logoutURL})
}

// GetAccessToken returns an access token for clientID issued at iat, valid for lifetime and
// signed with SigningKey. The token carries a "user" claim for subject.
func GetAccessToken(clientID, subject string, iat time.Time, lifetime time.Duration) string {
	claims := jwt.MapClaims{
		"sub": subject,
		"aud": clientID,
		"iat": iat.Unix(),
		"exp": iat.Add(lifetime).Unix(),
		"user": map[string]any{
			"id":       subject,
			"username": subject,
			"email":    subject + "@example.com",
			"tenantId": "tenant-1",
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(SigningKey)
	if err != nil {
		panic(err)
	}
	return s
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
