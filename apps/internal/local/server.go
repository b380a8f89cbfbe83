// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package local contains a local HTTP server used with interactive authentication.
package local

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var okPage = []byte(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8" />
    <title>Authentication Complete</title>
</head>
<body>
    <p>Authentication complete. You can return to the application. Feel free to close this browser tab.</p>
</body>
</html>
`)

var failPage = []byte(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8" />
    <title>Authentication Failed</title>
</head>
<body>
	<p>Authentication failed. You can return to the application. Feel free to close this browser tab.</p>
	<p>Error details: error {{.Code}}, error description: {{.Err}}</p>
</body>
</html>
`)

var (
	// code is the html template variable name,
	// which matches the Result Code variable
	code = []byte("{{.Code}}")
	// err is the html template variable name
	// which matches the Result Err variable
	err = []byte("{{.Err}}")
)

// DefaultCallbackPath is the path the server expects the redirect on.
const DefaultCallbackPath = "/callback"

// Result is the result from the redirect.
type Result struct {
	// URL is the full callback URL, ready for HandleRedirectCallback. It is set even when the
	// authorization server reported an error, so that the pending login is consumed.
	URL string
	// Err is set if the server failed or the redirect could not be used.
	Err error
}

// Options configures a Server.
type Options struct {
	// Port to listen on. Zero picks a free port.
	Port int
	// CallbackPath defaults to DefaultCallbackPath.
	CallbackPath string
	// State, if set, must match the state query parameter of the redirect.
	State       string
	SuccessPage []byte
	ErrorPage   []byte
}

// Server is an HTTP server.
type Server struct {
	// Addr is the address the server is listening on.
	Addr string
	// RedirectURI is the URL to send as redirect_uri.
	RedirectURI string

	resultCh    chan Result
	s           *http.Server
	path        string
	reqState    string
	successPage []byte
	errorPage   []byte
}

// New creates a local HTTP server and starts it.
func New(opts Options) (*Server, error) {
	var l net.Listener
	var err error
	var portStr string
	if opts.Port > 0 {
		// use port provided by caller
		l, err = net.Listen("tcp", fmt.Sprintf("localhost:%d", opts.Port))
		portStr = strconv.Itoa(opts.Port)
	} else {
		// find a free port
		for i := 0; i < 10; i++ {
			l, err = net.Listen("tcp", "localhost:0")
			if err != nil {
				continue
			}
			addr := l.Addr().String()
			portStr = addr[strings.LastIndex(addr, ":")+1:]
			break
		}
	}
	if err != nil {
		return nil, err
	}

	path := opts.CallbackPath
	if path == "" {
		path = DefaultCallbackPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	successPage, errorPage := opts.SuccessPage, opts.ErrorPage
	if len(successPage) == 0 {
		successPage = okPage
	}
	if len(errorPage) == 0 {
		errorPage = failPage
	}

	addr := "http://localhost:" + portStr
	serv := &Server{
		Addr:        addr,
		RedirectURI: addr + path,
		s:           &http.Server{Addr: "localhost:0", ReadHeaderTimeout: time.Second},
		path:        path,
		reqState:    opts.State,
		resultCh:    make(chan Result, 1),
		successPage: successPage,
		errorPage:   errorPage,
	}
	serv.s.Handler = http.HandlerFunc(serv.handler)

	go func() {
		if err := serv.s.Serve(l); err != nil && err != http.ErrServerClosed {
			serv.putResult(Result{Err: err})
		}
	}()
	return serv, nil
}

// Result gets the result of the redirect operation. Once a single result is returned, the server
// is shutdown. ctx deadline will be honored.
func (s *Server) Result(ctx context.Context) Result {
	select {
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	case r := <-s.resultCh:
		return r
	}
}

// Shutdown shuts down the server.
func (s *Server) Shutdown() {
	// Note: You might get clever and think you can do this in handler() as a defer, you can't.
	_ = s.s.Shutdown(context.Background())
}

func (s *Server) putResult(r Result) {
	select {
	case s.resultCh <- r:
	default:
	}
}

func (s *Server) handler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.path {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	callback := s.RedirectURI + "?" + r.URL.RawQuery

	headerErr := q.Get("error")
	if headerErr != "" {
		escapedErrDesc := html.EscapeString(q.Get("error_description")) // provides XSS protection
		escapedHeaderErr := html.EscapeString(headerErr)                // provides XSS protection

		errorPage := bytes.ReplaceAll(s.errorPage, code, []byte(escapedHeaderErr))
		errorPage = bytes.ReplaceAll(errorPage, err, []byte(escapedErrDesc))

		_, _ = w.Write(errorPage)

		// the login client turns the error parameters into an authentication error
		s.putResult(Result{URL: callback})
		return
	}

	if respState := q.Get("state"); s.reqState != "" && respState != s.reqState {
		s.error(w, http.StatusInternalServerError, "mismatched OAuth state, req(%s), resp(%s)", s.reqState, respState)
		return
	}
	if q.Get("code") == "" {
		s.error(w, http.StatusInternalServerError, "authorization code missing in query string")
		return
	}

	_, _ = w.Write(s.successPage)
	s.putResult(Result{URL: callback})
}

func (s *Server) error(w http.ResponseWriter, code int, str string, i ...any) {
	err := fmt.Errorf(str, i...)
	http.Error(w, err.Error(), code)
	s.putResult(Result{Err: err})
}
