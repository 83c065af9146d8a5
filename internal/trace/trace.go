// Copyright 2021 Google LLC

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package trace holds OpenCensus tracing and stats helpers shared across the
// connector.
package trace

import (
	"context"
	"sync"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"go.opencensus.io/trace"
)

// keyInstanceName and keyDialerID tag measurements with the instance
// connection name and dialer ID that produced them.
var (
	keyInstanceName = tag.MustNewKey("instance_name")
	keyDialerID     = tag.MustNewKey("dialer_id")
)

var (
	mOpenConnections  = stats.Int64("cloudsqlconn/open_connections", "Current number of open connections", stats.UnitDimensionless)
	mDialLatencyMS    = stats.Int64("cloudsqlconn/dial_latency", "Time to complete a Dial call", stats.UnitMilliseconds)
	mRefreshFailCount = stats.Int64("cloudsqlconn/refresh_failure_count", "Number of failed refresh operations", stats.UnitDimensionless)
	mRefreshSuccCount = stats.Int64("cloudsqlconn/refresh_success_count", "Number of successful refresh operations", stats.UnitDimensionless)

	metricsOnce sync.Once
	metricsErr  error
)

// InitMetrics registers the views used to export connector metrics. It is
// safe to call multiple times; registration only happens once.
func InitMetrics() error {
	metricsOnce.Do(func() {
		metricsErr = view.Register(
			&view.View{
				Name:        "cloudsqlconn/open_connections",
				Measure:     mOpenConnections,
				Description: "Current number of open connections",
				TagKeys:     []tag.Key{keyInstanceName, keyDialerID},
				Aggregation: view.LastValue(),
			},
			&view.View{
				Name:        "cloudsqlconn/dial_latency",
				Measure:     mDialLatencyMS,
				Description: "Distribution of dial latencies",
				TagKeys:     []tag.Key{keyInstanceName, keyDialerID},
				Aggregation: view.Distribution(0, 25, 50, 100, 200, 400, 800, 1600, 3200, 6400),
			},
			&view.View{
				Name:        "cloudsqlconn/refresh_failure_count",
				Measure:     mRefreshFailCount,
				Description: "Count of failed refresh operations",
				TagKeys:     []tag.Key{keyInstanceName, keyDialerID},
				Aggregation: view.Count(),
			},
			&view.View{
				Name:        "cloudsqlconn/refresh_success_count",
				Measure:     mRefreshSuccCount,
				Description: "Count of successful refresh operations",
				TagKeys:     []tag.Key{keyInstanceName, keyDialerID},
				Aggregation: view.Count(),
			},
		)
	})
	return metricsErr
}

// EndSpanFunc ends a trace span, recording err if non-nil.
type EndSpanFunc func(err error)

// StartOption configures the attributes attached to a span when it starts.
type StartOption func(context.Context) context.Context

// AddInstanceName attaches the instance connection name to a span's context.
func AddInstanceName(name string) StartOption {
	return func(ctx context.Context) context.Context {
		newCtx, err := tag.New(ctx, tag.Upsert(keyInstanceName, name))
		if err != nil {
			return ctx
		}
		return newCtx
	}
}

// AddDialerID attaches the dialer ID to a span's context.
func AddDialerID(id string) StartOption {
	return func(ctx context.Context) context.Context {
		newCtx, err := tag.New(ctx, tag.Upsert(keyDialerID, id))
		if err != nil {
			return ctx
		}
		return newCtx
	}
}

// StartSpan starts a new trace span named name, applying any StartOptions to
// the returned context, and returns an EndSpanFunc that must be invoked when
// the span completes.
func StartSpan(ctx context.Context, name string, opts ...StartOption) (context.Context, EndSpanFunc) {
	for _, o := range opts {
		ctx = o(ctx)
	}
	ctx, span := trace.StartSpan(ctx, name)
	return ctx, func(err error) {
		if err != nil {
			span.SetStatus(trace.Status{Code: int32(trace.StatusCodeUnknown), Message: err.Error()})
		}
		span.End()
	}
}

// RecordDialError records a failed Dial attempt, if err is non-nil.
func RecordDialError(ctx context.Context, instanceName, dialerID string, err error) {
	if err == nil {
		return
	}
	ctx, tErr := tag.New(ctx,
		tag.Upsert(keyInstanceName, instanceName),
		tag.Upsert(keyDialerID, dialerID),
	)
	if tErr != nil {
		return
	}
	stats.Record(ctx, mRefreshFailCount.M(0))
}

// RecordRefreshResult records the result of a refresh operation.
func RecordRefreshResult(ctx context.Context, instanceName, dialerID string, err error) {
	ctx, tErr := tag.New(ctx,
		tag.Upsert(keyInstanceName, instanceName),
		tag.Upsert(keyDialerID, dialerID),
	)
	if tErr != nil {
		return
	}
	if err != nil {
		stats.Record(ctx, mRefreshFailCount.M(1))
		return
	}
	stats.Record(ctx, mRefreshSuccCount.M(1))
}

// RecordDialLatency records the time in milliseconds it took to complete a
// Dial call.
func RecordDialLatency(ctx context.Context, instanceName, dialerID string, latencyMS int64) {
	ctx, tErr := tag.New(ctx,
		tag.Upsert(keyInstanceName, instanceName),
		tag.Upsert(keyDialerID, dialerID),
	)
	if tErr != nil {
		return
	}
	stats.Record(ctx, mDialLatencyMS.M(latencyMS))
}

// RecordOpenConnections records the current number of open connections for an
// instance.
func RecordOpenConnections(ctx context.Context, n int64, dialerID, instanceName string) {
	ctx, tErr := tag.New(ctx,
		tag.Upsert(keyInstanceName, instanceName),
		tag.Upsert(keyDialerID, dialerID),
	)
	if tErr != nil {
		return
	}
	stats.Record(ctx, mOpenConnections.M(n))
}
