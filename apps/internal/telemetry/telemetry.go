// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package telemetry records token cache, token request and lock metrics with OpenTelemetry.
package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	autherrors "github.com/loopauth/loopauth-go/apps/errors"
)

const (
	scope = "github.com/loopauth/loopauth-go"

	MetricCache    = "loopauth.token.cache"
	MetricRequests = "loopauth.token.requests"
	MetricLockWait = "loopauth.lock.wait"
)

var (
	attrResult  = attribute.Key("result")
	attrGrant   = attribute.Key("grant")
	attrOutcome = attribute.Key("outcome")
	attrErrKind = attribute.Key("error.kind")
)

// Recorder records the metrics of one client. A nil *Recorder records nothing.
type Recorder struct {
	cache    metric.Int64Counter
	requests metric.Int64Counter
	lockWait metric.Float64Histogram
}

// New creates the instruments on mp. A nil mp uses a no-op provider.
func New(mp metric.MeterProvider) (*Recorder, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(scope)

	cache, err := meter.Int64Counter(MetricCache,
		metric.WithDescription("Token cache lookups by result"))
	if err != nil {
		return nil, err
	}
	requests, err := meter.Int64Counter(MetricRequests,
		metric.WithDescription("Token endpoint requests by grant and outcome"))
	if err != nil {
		return nil, err
	}
	lockWait, err := meter.Float64Histogram(MetricLockWait,
		metric.WithDescription("Time spent waiting for the token lock"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &Recorder{cache: cache, requests: requests, lockWait: lockWait}, nil
}

// CacheLookup records a cache hit or miss.
func (r *Recorder) CacheLookup(ctx context.Context, hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cache.Add(ctx, 1, metric.WithAttributes(attrResult.String(result)))
}

// TokenRequest records one call to a token endpoint. err is the call's result.
func (r *Recorder) TokenRequest(ctx context.Context, grant string, err error) {
	if r == nil {
		return
	}
	attrs := []attribute.KeyValue{attrGrant.String(grant), attrOutcome.String("success")}
	if err != nil {
		kind := "transport"
		var ae *autherrors.AuthError
		if errors.As(err, &ae) {
			kind = ae.Kind.String()
		}
		attrs = []attribute.KeyValue{attrGrant.String(grant), attrOutcome.String("error"), attrErrKind.String(kind)}
	}
	r.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// LockWait records how long an acquisition of the token lock took.
func (r *Recorder) LockWait(ctx context.Context, d time.Duration, acquired bool) {
	if r == nil {
		return
	}
	r.lockWait.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("acquired", acquired)))
}
