// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package tokens verifies and decodes the tokens returned by the authorization server.
// The access token doubles as the identity token: its claims describe the signed in user.
package tokens

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	autherrors "github.com/loopauth/loopauth-go/apps/errors"
)

// DefaultLeeway is the clock skew tolerated when checking exp, nbf and auth_time.
const DefaultLeeway = 60 * time.Second

// User is the profile of the signed in user.
type User struct {
	ID              string         `json:"id,omitempty"`
	Username        string         `json:"username,omitempty"`
	Email           string         `json:"email,omitempty"`
	Phone           string         `json:"phone,omitempty"`
	Name            string         `json:"name,omitempty"`
	PhotoURL        string         `json:"photoUrl,omitempty"`
	TenantID        string         `json:"tenantId,omitempty"`
	UserTenantID    string         `json:"userTenantId,omitempty"`
	Status          string         `json:"status,omitempty"`
	Role            string         `json:"role,omitempty"`
	Age             int            `json:"age,omitempty"`
	Permissions     []string       `json:"permissions,omitempty"`
	UserPreferences map[string]any `json:"userPreferences,omitempty"`
}

// DecodedToken holds the claims of a verified token and the user they describe.
type DecodedToken struct {
	Claims jwt.MapClaims `json:"claims"`
	User   User          `json:"user"`
}

// VerifyOptions are the inputs to Verify.
type VerifyOptions struct {
	// Token is the compact serialized JWT.
	Token string
	// Issuer, if set, must equal the iss claim.
	Issuer string
	// Audience must be contained in the aud claim when the token carries one.
	Audience string
	// MaxAge, if set, bounds the time since auth_time.
	MaxAge time.Duration
	// Leeway is the tolerated clock skew. Zero selects DefaultLeeway.
	Leeway time.Duration
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// Keyfunc, if set, is used to check the signature. Without it the signature is not checked
	// and the token is trusted because it came straight from the token endpoint over TLS.
	Keyfunc jwt.Keyfunc
}

// Verify parses opts.Token, validates its registered claims and returns the decoded token.
// All failures are *errors.AuthError of kind InvalidToken.
func Verify(opts VerifyOptions) (DecodedToken, error) {
	if opts.Token == "" {
		return DecodedToken{}, autherrors.NewInvalidToken("token is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Leeway == 0 {
		opts.Leeway = DefaultLeeway
	}

	claims := jwt.MapClaims{}
	if opts.Keyfunc != nil {
		// validation of registered claims is done below against our clock
		parser := jwt.NewParser(jwt.WithoutClaimsValidation())
		if _, err := parser.ParseWithClaims(opts.Token, claims, opts.Keyfunc); err != nil {
			return DecodedToken{}, autherrors.NewInvalidToken(fmt.Sprintf("token signature could not be verified: %s", err))
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(opts.Token, claims); err != nil {
			return DecodedToken{}, autherrors.NewInvalidToken(fmt.Sprintf("token could not be decoded: %s", err))
		}
	}

	vopts := []jwt.ParserOption{jwt.WithTimeFunc(opts.Now), jwt.WithLeeway(opts.Leeway)}
	if opts.Issuer != "" {
		vopts = append(vopts, jwt.WithIssuer(opts.Issuer))
	}
	if err := jwt.NewValidator(vopts...).Validate(claims); err != nil {
		return DecodedToken{}, autherrors.NewInvalidToken(err.Error())
	}

	if err := checkAudience(claims, opts.Audience); err != nil {
		return DecodedToken{}, err
	}
	if err := checkMaxAge(claims, opts); err != nil {
		return DecodedToken{}, err
	}

	user, err := userFromClaims(claims)
	if err != nil {
		return DecodedToken{}, autherrors.NewInvalidToken(err.Error())
	}
	return DecodedToken{Claims: claims, User: user}, nil
}

func checkAudience(claims jwt.MapClaims, want string) error {
	if want == "" {
		return nil
	}
	if _, ok := claims["aud"]; !ok {
		return nil
	}
	aud, err := claims.GetAudience()
	if err != nil {
		return autherrors.NewInvalidToken(fmt.Sprintf("aud claim is malformed: %s", err))
	}
	if !slices.Contains(aud, want) {
		return autherrors.NewInvalidToken(fmt.Sprintf("audience (aud) claim mismatch, expected %q, found %q", want, aud))
	}
	return nil
}

func checkMaxAge(claims jwt.MapClaims, opts VerifyOptions) error {
	if opts.MaxAge <= 0 {
		return nil
	}
	at, ok := claims["auth_time"].(float64)
	if !ok {
		return autherrors.NewInvalidToken("auth_time claim must be present when max_age is specified")
	}
	authTime := time.Unix(int64(at), 0)
	if opts.Now().After(authTime.Add(opts.MaxAge + opts.Leeway)) {
		return autherrors.NewInvalidToken("auth_time claim indicates that too much time has passed since the last user authentication")
	}
	return nil
}

// userFromClaims reads the user from the "user" object claim, falling back to the
// standard OIDC profile claims.
func userFromClaims(claims jwt.MapClaims) (User, error) {
	if raw, ok := claims["user"]; ok {
		b, err := json.Marshal(raw)
		if err != nil {
			return User{}, err
		}
		var u User
		if err := json.Unmarshal(b, &u); err != nil {
			return User{}, fmt.Errorf("user claim is malformed: %w", err)
		}
		return u, nil
	}

	str := func(name string) string {
		s, _ := claims[name].(string)
		return s
	}
	u := User{
		ID:           str("sub"),
		Username:     str("preferred_username"),
		Email:        str("email"),
		Phone:        str("phone_number"),
		Name:         str("name"),
		PhotoURL:     str("picture"),
		TenantID:     str("tenantId"),
		UserTenantID: str("userTenantId"),
		Role:         str("role"),
	}
	if u.TenantID == "" {
		u.TenantID = str("tid")
	}
	if perms, ok := claims["permissions"].([]any); ok {
		for _, p := range perms {
			if s, ok := p.(string); ok {
				u.Permissions = append(u.Permissions, s)
			}
		}
	}
	if u.ID == "" {
		return User{}, errors.New("subject (sub) claim must be a string present in the token")
	}
	return u, nil
}
