// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package shared

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func TestAuthClientEncode(t *testing.T) {
	tests := []struct {
		desc string
		in   AuthClient
	}{
		{desc: "default", in: DefaultAuthClient},
		{desc: "with env", in: AuthClient{Name: "cli", Version: "1.0.0", Env: map[string]string{"go": "1.25"}}},
	}

	for _, test := range tests {
		got := test.in.Encode()
		if strings.ContainsAny(got, "+/=") {
			t.Errorf("TestAuthClientEncode(%s): %q is not URL safe", test.desc, got)
		}
		b, err := base64.RawURLEncoding.DecodeString(got)
		if err != nil {
			t.Fatalf("TestAuthClientEncode(%s): %s", test.desc, err)
		}
		var decoded AuthClient
		if err := json.Unmarshal(b, &decoded); err != nil {
			t.Fatalf("TestAuthClientEncode(%s): %s", test.desc, err)
		}
		if diff := pretty.Compare(test.in, decoded); diff != "" {
			t.Errorf("TestAuthClientEncode(%s): -want/+got:\n%s", test.desc, diff)
		}
	}
}
