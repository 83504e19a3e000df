// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package storage

import (
	"time"

	"github.com/eyakubovich/etcd/pkg/util/metric"
)

// mutationRateTimescale is the EWMA timescale of the mutation rate.
const mutationRateTimescale = time.Minute

var (
	metaLiveKeys = metric.Metadata{
		Name:        "storage.keys.live",
		Help:        "Number of keys with a live version",
		Measurement: "Keys",
		Unit:        metric.Unit_COUNT,
	}
	metaHistoryRecords = metric.Metadata{
		Name:        "storage.history.records",
		Help:        "Number of records in the revision log, historical versions included",
		Measurement: "Records",
		Unit:        metric.Unit_COUNT,
	}
	metaPuts = metric.Metadata{
		Name:        "storage.puts",
		Help:        "Number of applied put mutations",
		Measurement: "Mutations",
		Unit:        metric.Unit_COUNT,
	}
	metaDeletes = metric.Metadata{
		Name:        "storage.deletes",
		Help:        "Number of applied deletions, lease-driven expirations included",
		Measurement: "Mutations",
		Unit:        metric.Unit_COUNT,
	}
	metaCompactions = metric.Metadata{
		Name:        "storage.compactions",
		Help:        "Number of completed history compactions",
		Measurement: "Compactions",
		Unit:        metric.Unit_COUNT,
	}
	metaCompactedRecords = metric.Metadata{
		Name:        "storage.compactions.pruned-records",
		Help:        "Number of revision log records pruned by compaction",
		Measurement: "Records",
		Unit:        metric.Unit_COUNT,
	}
	metaCompactedIndex = metric.Metadata{
		Name:        "storage.compacted-index",
		Help:        "Global index below which history has been compacted away",
		Measurement: "Index",
		Unit:        metric.Unit_COUNT,
	}
	metaMutationRate = metric.Metadata{
		Name:        "storage.mutations.rate",
		Help:        "Moving average of mutations applied per second",
		Measurement: "Mutations",
		Unit:        metric.Unit_COUNT,
	}
)

// Metrics holds the store's metrics.
type Metrics struct {
	LiveKeys         *metric.Gauge
	HistoryRecords   *metric.Gauge
	Puts             *metric.Counter
	Deletes          *metric.Counter
	Compactions      *metric.Counter
	CompactedRecords *metric.Counter
	CompactedIndex   *metric.Gauge
	MutationRate     *metric.Rate
}

// NewMetrics creates the store's metric struct.
func NewMetrics() *Metrics {
	return &Metrics{
		LiveKeys:         metric.NewGauge(metaLiveKeys),
		HistoryRecords:   metric.NewGauge(metaHistoryRecords),
		Puts:             metric.NewCounter(metaPuts),
		Deletes:          metric.NewCounter(metaDeletes),
		Compactions:      metric.NewCounter(metaCompactions),
		CompactedRecords: metric.NewCounter(metaCompactedRecords),
		CompactedIndex:   metric.NewGauge(metaCompactedIndex),
		MutationRate:     metric.NewRate(metaMutationRate, mutationRateTimescale),
	}
}
