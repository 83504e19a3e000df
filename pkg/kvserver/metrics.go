// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package kvserver

import (
	"time"

	"github.com/eyakubovich/etcd/pkg/util/metric"
)

// histogramWindow is the sliding window of the latency histogram.
const histogramWindow = time.Minute

var (
	metaTxnEvaluations = metric.Metadata{
		Name:        "kv.txn.evaluations",
		Help:        "Transactions evaluated, trivial single-op wrappers included",
		Measurement: "Transactions",
		Unit:        metric.Unit_COUNT,
	}
	metaTxnGuardFailures = metric.Metadata{
		Name:        "kv.txn.guard-failures",
		Help:        "Transactions that took their failure branch",
		Measurement: "Transactions",
		Unit:        metric.Unit_COUNT,
	}
	metaRejectedRequests = metric.Metadata{
		Name:        "kv.requests.rejected",
		Help:        "Requests rejected before consuming a global index",
		Measurement: "Requests",
		Unit:        metric.Unit_COUNT,
	}
	metaWatchStreams = metric.Metadata{
		Name:        "kv.watch.streams",
		Help:        "Open watch streams",
		Measurement: "Streams",
		Unit:        metric.Unit_COUNT,
	}
	metaApplyLatency = metric.Metadata{
		Name:        "kv.apply.latency",
		Help:        "Latency of the apply path, from the start of the write transaction to the watch hand-off",
		Measurement: "Latency",
		Unit:        metric.Unit_NANOSECONDS,
	}
)

// Metrics are the server's own metrics. Component metrics live with
// their components.
type Metrics struct {
	TxnEvaluations   *metric.Counter
	TxnGuardFailures *metric.Counter
	RejectedRequests *metric.Counter
	WatchStreams     *metric.Gauge
	ApplyLatency     *metric.Histogram
}

// NewMetrics initializes the server's metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		TxnEvaluations:   metric.NewCounter(metaTxnEvaluations),
		TxnGuardFailures: metric.NewCounter(metaTxnGuardFailures),
		RejectedRequests: metric.NewCounter(metaRejectedRequests),
		WatchStreams:     metric.NewGauge(metaWatchStreams),
		ApplyLatency:     metric.NewLatency(metaApplyLatency, histogramWindow),
	}
}
