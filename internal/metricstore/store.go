// Package metricstore holds the Metrics Store (component C): rolling
// counters, gauges, and latency histograms keyed by (scope, name, labels,
// bucket), plus the Metrics Aggregator that derives them from CDC records.
// Generalized from pkg/metering/meter.go's Record/GetUsage shape onto the
// metric taxonomy of spec.md §3.
package metricstore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/blueplane/telemetry-core/internal/eventmodel"
)

// Key identifies one rolling metric instance.
type Key struct {
	Scope  eventmodel.MetricScope
	Name   string
	Labels map[string]string
	Bucket eventmodel.Bucket
}

// NewKey builds a Key. Labels are stored as given; String sorts them, so
// two Keys built from the same logical label set render the same row key.
func NewKey(scope eventmodel.MetricScope, name string, labels map[string]string, bucket eventmodel.Bucket) Key {
	return Key{Scope: scope, Name: name, Labels: labels, Bucket: bucket}
}

// String renders a canonical, sorted-label string form used as the storage
// row key.
func (k Key) String() string {
	names := make([]string, 0, len(k.Labels))
	for n := range k.Labels {
		names = append(names, n)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names))
	for _, n := range names {
		pairs = append(pairs, n+"="+k.Labels[n])
	}
	return fmt.Sprintf("%s|%s|%s|%s", k.Scope, k.Name, strings.Join(pairs, ","), k.Bucket)
}

// HistogramBuckets are the fixed exponential latency buckets from spec.md
// §4.4.2: 1, 2, 4, ... 16384 ms, plus an overflow bucket for anything
// larger.
var HistogramBuckets = []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384}

// BucketUpperBound returns the smallest HistogramBuckets entry >= value, or
// 0 if value exceeds every fixed bucket.
func BucketUpperBound(value float64) float64 {
	for _, b := range HistogramBuckets {
		if value <= b {
			return b
		}
	}
	return 0 // overflow sentinel; see Store implementations for handling
}

// Store is the Metrics Store contract. Every mutating method is keyed by
// (eventID, key) so repeated application of the same event is a no-op,
// satisfying spec.md §3's idempotent-aggregation invariant independently
// per metric_key.
type Store interface {
	// ApplyCounterDelta adds delta to the named counter, once per
	// (eventID, key).
	ApplyCounterDelta(ctx context.Context, eventID string, key Key, delta int64) error
	// ApplyGaugeDelta adjusts the named gauge by delta (positive or
	// negative), once per (eventID, key).
	ApplyGaugeDelta(ctx context.Context, eventID string, key Key, delta float64) error
	// ObserveHistogram records one observation of valueMs into the bucket
	// it falls in, once per (eventID, key).
	ObserveHistogram(ctx context.Context, eventID string, key Key, valueMs float64) error

	CounterValue(ctx context.Context, key Key) (int64, error)
	GaugeValue(ctx context.Context, key Key) (float64, error)
	HistogramCounts(ctx context.Context, key Key) (map[float64]int64, error)

	Close() error
}
