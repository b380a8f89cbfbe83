// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package errors holds the error types returned by loopauth clients.
//
// Every failure that originates from the authorization server or from the token
// acquisition engine is an *AuthError tagged with a Kind. Callers branch on the Kind
// with errors.Is against the sentinels in this package:
//
//	if errors.Is(err, errors.ErrMFARequired) {
//		var ae *errors.AuthError
//		errors.As(err, &ae)
//		// ae.MFAToken holds the token needed to continue the MFA challenge
//	}
//
// Failures of the HTTP transport itself are returned as CallErr, which keeps the request and
// response for debugging through Verbose().
package errors

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kylelemons/godebug/pretty"
)

var prettyConf = &pretty.Config{IncludeUnexported: false, SkipZeroFields: true, TrackCycles: true}

type verboser interface {
	Verbose() string
}

// Verbose prints the most verbose error that the error message has.
func Verbose(err error) string {
	var v verboser
	if errors.As(err, &v) {
		return v.Verbose()
	}
	slog.Debug("error has no verbose form", slog.String("type", fmt.Sprintf("%T", err)))
	return err.Error()
}

// New is equivalent to errors.New().
func New(text string) error {
	return errors.New(text)
}

// Is is equivalent to errors.Is().
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is equivalent to errors.As().
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Kind discriminates the closed set of AuthError variants.
type Kind int

const (
	// Generic is any failure reported by the server or the client that has no more specific kind.
	Generic Kind = iota
	// Authentication is an error returned on the redirect callback (the "error" query parameter).
	Authentication
	// Timeout means a request or a lock acquisition did not finish in time.
	Timeout
	// MFARequired means the server requires a multi factor challenge before issuing tokens.
	MFARequired
	// MissingRefreshToken means a refresh was needed but no refresh token was cached or accepted.
	MissingRefreshToken
	// InvalidToken means a token returned by the server failed verification.
	InvalidToken
)

func (k Kind) String() string {
	switch k {
	case Generic:
		return "Generic"
	case Authentication:
		return "Authentication"
	case Timeout:
		return "Timeout"
	case MFARequired:
		return "MFARequired"
	case MissingRefreshToken:
		return "MissingRefreshToken"
	case InvalidToken:
		return "InvalidToken"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sentinels for use with errors.Is. They match any *AuthError of the same Kind.
var (
	ErrGeneric             = &AuthError{Kind: Generic}
	ErrAuthentication      = &AuthError{Kind: Authentication}
	ErrTimeout             = &AuthError{Kind: Timeout}
	ErrMFARequired         = &AuthError{Kind: MFARequired}
	ErrMissingRefreshToken = &AuthError{Kind: MissingRefreshToken}
	ErrInvalidToken        = &AuthError{Kind: InvalidToken}
)

// AuthError is the error type for all authorization failures. Code is the stable
// machine readable code ("login_required", "timeout", ...) and Description is the human message.
type AuthError struct {
	Kind        Kind
	Code        string
	Description string
	// MFAToken is only set when Kind == MFARequired.
	MFAToken string
	// State is the transaction state, set on Authentication errors.
	State string
}

// Error implements error.Error().
func (e *AuthError) Error() string {
	if e.Description == "" || e.Description == e.Code {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Is reports whether target is an *AuthError sentinel of the same Kind. A target with a
// Code set must also match the Code.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// NewGeneric returns a Generic error with the given code and description.
func NewGeneric(code, description string) *AuthError {
	return &AuthError{Kind: Generic, Code: code, Description: description}
}

// NewAuthentication returns an error reported by the authorization server on the redirect.
func NewAuthentication(code, description, state string) *AuthError {
	return &AuthError{Kind: Authentication, Code: code, Description: description, State: state}
}

// NewTimeout returns the Timeout error.
func NewTimeout() *AuthError {
	return &AuthError{Kind: Timeout, Code: "timeout", Description: "Timeout"}
}

// NewMFARequired returns an error carrying the mfa_token the server sent.
func NewMFARequired(description, mfaToken string) *AuthError {
	return &AuthError{Kind: MFARequired, Code: "mfa_required", Description: description, MFAToken: mfaToken}
}

// NewMissingRefreshToken returns the MissingRefreshToken error.
func NewMissingRefreshToken() *AuthError {
	return &AuthError{Kind: MissingRefreshToken, Code: "missing_refresh_token", Description: "Missing Refresh Token"}
}

// NewInvalidToken returns an error for a token that failed verification.
func NewInvalidToken(description string) *AuthError {
	return &AuthError{Kind: InvalidToken, Code: "invalid_token", Description: description}
}

// IsCode reports whether err wraps an *AuthError with the given code.
func IsCode(err error, code string) bool {
	var ae *AuthError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Code == code
}

// CallErr represents an HTTP call error. Has a Verbose() method that allows getting the
// http.Request and Response objects. Implements error.
type CallErr struct {
	Req *http.Request
	// Resp contains response body
	Resp *http.Response
	Err  error
}

// Errors implements error.Error().
func (e CallErr) Error() string {
	return e.Err.Error()
}

// Unwrap implements errors.Unwrap().
func (e CallErr) Unwrap() error {
	return e.Err
}

// Verbose prints a versbose error message with the request or response.
func (e CallErr) Verbose() string {
	if e.Resp != nil {
		resp := *e.Resp
		resp.Request = nil // This brings in a bunch of TLS crap we don't need
		resp.TLS = nil     // Same
		e.Resp = &resp
	}
	return fmt.Sprintf("%s:\nRequest:\n%s\nResponse:\n%s", e.Err, prettyConf.Sprint(e.Req), prettyConf.Sprint(e.Resp))
}
