// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package watchfeed

import "github.com/eyakubovich/etcd/pkg/util/metric"

var (
	metaWatchers = metric.Metadata{
		Name:        "watch.watchers",
		Help:        "Number of active subscriptions",
		Measurement: "Subscriptions",
		Unit:        metric.Unit_COUNT,
	}
	metaEventsRouted = metric.Metadata{
		Name:        "watch.events-routed",
		Help:        "Events routed into subscription buffers",
		Measurement: "Events",
		Unit:        metric.Unit_COUNT,
	}
	metaResponsesSent = metric.Metadata{
		Name:        "watch.responses-sent",
		Help:        "Responses delivered to subscriber streams",
		Measurement: "Responses",
		Unit:        metric.Unit_COUNT,
	}
	metaOverruns = metric.Metadata{
		Name:        "watch.overruns",
		Help:        "Subscriptions torn down because their buffer overflowed",
		Measurement: "Subscriptions",
		Unit:        metric.Unit_COUNT,
	}
	metaCatchUpScans = metric.Metadata{
		Name:        "watch.catchup-scans",
		Help:        "Catch-up scans run for new subscriptions",
		Measurement: "Scans",
		Unit:        metric.Unit_COUNT,
	}
	metaCatchUpScanNanos = metric.Metadata{
		Name:        "watch.catchup-scan-nanos",
		Help:        "Time spent in catch-up scans",
		Measurement: "Nanoseconds",
		Unit:        metric.Unit_NANOSECONDS,
	}
	metaProgressNotifications = metric.Metadata{
		Name:        "watch.progress-notifications",
		Help:        "Index progress notifications queued for delivery",
		Measurement: "Notifications",
		Unit:        metric.Unit_COUNT,
	}
)

// Metrics are the watch dispatcher's metrics.
type Metrics struct {
	Watchers              *metric.Gauge
	EventsRouted          *metric.Counter
	ResponsesSent         *metric.Counter
	Overruns              *metric.Counter
	CatchUpScans          *metric.Counter
	CatchUpScanNanos      *metric.Counter
	ProgressNotifications *metric.Counter
}

// NewMetrics initializes the watch dispatcher's metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Watchers:              metric.NewGauge(metaWatchers),
		EventsRouted:          metric.NewCounter(metaEventsRouted),
		ResponsesSent:         metric.NewCounter(metaResponsesSent),
		Overruns:              metric.NewCounter(metaOverruns),
		CatchUpScans:          metric.NewCounter(metaCatchUpScans),
		CatchUpScanNanos:      metric.NewCounter(metaCatchUpScanNanos),
		ProgressNotifications: metric.NewCounter(metaProgressNotifications),
	}
}
