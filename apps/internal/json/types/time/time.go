// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package time provides for custom types to translate time from JSON and other formats
// into time.Time objects.
package time

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Unix provides a type that can marshal and unmarshal the unix epoch (seconds) into a time.Time object.
// Both a JSON number and a JSON string holding a number are accepted on input.
type Unix struct {
	T time.Time
}

// MarshalJSON implements encoding/json.MarshalJSON().
func (u Unix) MarshalJSON() ([]byte, error) {
	if u.T.IsZero() {
		return []byte("0"), nil
	}
	return []byte(strconv.FormatInt(u.T.Unix(), 10)), nil
}

// UnmarshalJSON implements encoding/json.UnmarshalJSON().
func (u *Unix) UnmarshalJSON(b []byte) error {
	i, err := parseInt(b)
	if err != nil {
		return fmt.Errorf("unix time(%s) could not be converted to int: %w", string(b), err)
	}
	if i == 0 {
		u.T = time.Time{}
		return nil
	}
	u.T = time.Unix(i, 0)
	return nil
}

// Seconds is a duration sent over the wire as a count of seconds, as in "expiresIn": 3600.
type Seconds struct {
	D time.Duration
}

// MarshalJSON implements encoding/json.MarshalJSON().
func (s Seconds) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(s.D/time.Second), 10)), nil
}

// UnmarshalJSON implements encoding/json.UnmarshalJSON().
func (s *Seconds) UnmarshalJSON(b []byte) error {
	i, err := parseInt(b)
	if err != nil {
		return fmt.Errorf("duration(%s) could not be converted to seconds: %w", string(b), err)
	}
	s.D = time.Duration(i) * time.Second
	return nil
}

func parseInt(b []byte) (int64, error) {
	if bytes.Equal(b, []byte("null")) {
		return 0, nil
	}
	str := strings.Trim(string(b), `"`)
	if str == "" {
		return 0, nil
	}
	if i, err := strconv.ParseInt(str, 10, 64); err == nil {
		return i, nil
	}
	// some servers send 3600.0
	f, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}
