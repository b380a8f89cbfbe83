// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package oauth

// NOTE: These tests cover that we hand the right request to the lower level modules and
// handle their errors. Wire formats are tested in accesstokens and comm.

import (
	"context"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/loopauth/loopauth-go/apps/internal/oauth/fake"
	"github.com/loopauth/loopauth-go/apps/internal/oauth/ops/accesstokens"
	"github.com/loopauth/loopauth-go/apps/internal/telemetry"
)

func TestTokenCalls(t *testing.T) {
	tests := []struct {
		desc string
		call func(c *Client) error
		at   *fake.AccessTokens
		want accesstokens.TokenRequest
		err  bool
	}{
		{
			desc: "AuthCode",
			call: func(c *Client) error {
				_, err := c.AuthCode(context.Background(), "code", time.Second)
				return err
			},
			at:   &fake.AccessTokens{},
			want: accesstokens.TokenRequest{ClientID: "cid", Code: "code", Timeout: time.Second},
		},
		{
			desc: "Refresh",
			call: func(c *Client) error {
				_, err := c.Refresh(context.Background(), "rt", 0)
				return err
			},
			at:   &fake.AccessTokens{},
			want: accesstokens.TokenRequest{ClientID: "cid", RefreshToken: "rt"},
		},
		{
			desc: "Switch",
			call: func(c *Client) error {
				_, err := c.Switch(context.Background(), "rt", "tenant", 0)
				return err
			},
			at:   &fake.AccessTokens{},
			want: accesstokens.TokenRequest{ClientID: "cid", RefreshToken: "rt", TenantID: "tenant"},
		},
		{
			desc: "Error: REST access token error",
			call: func(c *Client) error {
				_, err := c.Refresh(context.Background(), "rt", 0)
				return err
			},
			at:   &fake.AccessTokens{Err: true},
			want: accesstokens.TokenRequest{ClientID: "cid", RefreshToken: "rt"},
			err:  true,
		},
	}

	for _, test := range tests {
		c := NewWith("cid", test.at)
		err := test.call(c)
		switch {
		case err == nil && test.err:
			t.Errorf("TestTokenCalls(%s): got err == nil, want err != nil", test.desc)
		case err != nil && !test.err:
			t.Errorf("TestTokenCalls(%s): got err == %s, want err == nil", test.desc, err)
		}
		reqs := test.at.Requests()
		if len(reqs) != 1 {
			t.Errorf("TestTokenCalls(%s): got %d requests, want 1", test.desc, len(reqs))
			continue
		}
		if diff := pretty.Compare(test.want, reqs[0]); diff != "" {
			t.Errorf("TestTokenCalls(%s): -want/+got:\n%s", test.desc, diff)
		}
	}
}

func TestInvalidRequestMakesNoCall(t *testing.T) {
	at := &fake.AccessTokens{}
	c := NewWith("cid", at)
	if _, err := c.Refresh(context.Background(), "", 0); err == nil {
		t.Fatal("Refresh with an empty token: got err == nil")
	}
	if n := len(at.Requests()); n != 0 {
		t.Errorf("got %d requests, want 0", n)
	}
}

func TestLogoutCall(t *testing.T) {
	at := &fake.AccessTokens{}
	c := NewWith("cid", at)
	resp, err := c.Logout(context.Background(), "https://auth.example.com/auth/logout", "a", "r")
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success || at.Logouts() != 1 {
		t.Errorf("got %+v after %d logouts", resp, at.Logouts())
	}
}

func TestTelemetryRecorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	rec, err := telemetry.New(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatal(err)
	}
	c := NewWith("cid", &fake.AccessTokens{})
	c.telemetry = rec

	if _, err := c.Refresh(context.Background(), "rt", 0); err != nil {
		t.Fatal(err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == telemetry.MetricRequests {
				found = true
			}
		}
	}
	if !found {
		t.Errorf("metric %s was not recorded", telemetry.MetricRequests)
	}
}
