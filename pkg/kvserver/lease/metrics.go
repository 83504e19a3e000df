// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package lease

import "github.com/eyakubovich/etcd/pkg/util/metric"

var (
	metaActive = metric.Metadata{
		Name:        "leases.active",
		Help:        "Number of live leases",
		Measurement: "Leases",
		Unit:        metric.Unit_COUNT,
	}
	metaGrants = metric.Metadata{
		Name:        "leases.grants",
		Help:        "Leases created",
		Measurement: "Leases",
		Unit:        metric.Unit_COUNT,
	}
	metaRevocations = metric.Metadata{
		Name:        "leases.revocations",
		Help:        "Leases removed by explicit revoke",
		Measurement: "Leases",
		Unit:        metric.Unit_COUNT,
	}
	metaExpirations = metric.Metadata{
		Name:        "leases.expirations",
		Help:        "Leases removed by deadline expiry",
		Measurement: "Leases",
		Unit:        metric.Unit_COUNT,
	}
	metaKeepAlives = metric.Metadata{
		Name:        "leases.keepalives",
		Help:        "Deadline refreshes",
		Measurement: "Refreshes",
		Unit:        metric.Unit_COUNT,
	}
	metaAttachedKeys = metric.Metadata{
		Name:        "leases.attached-keys",
		Help:        "Keys currently attached to a lease",
		Measurement: "Keys",
		Unit:        metric.Unit_COUNT,
	}
	metaExpiredKeys = metric.Metadata{
		Name:        "leases.expired-keys",
		Help:        "Keys deleted by lease expiry or revocation",
		Measurement: "Keys",
		Unit:        metric.Unit_COUNT,
	}
)

// Metrics are the lease manager's metrics.
type Metrics struct {
	Active       *metric.Gauge
	Grants       *metric.Counter
	Revocations  *metric.Counter
	Expirations  *metric.Counter
	KeepAlives   *metric.Counter
	AttachedKeys *metric.Gauge
	ExpiredKeys  *metric.Counter
}

// NewMetrics initializes the lease manager's metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Active:       metric.NewGauge(metaActive),
		Grants:       metric.NewCounter(metaGrants),
		Revocations:  metric.NewCounter(metaRevocations),
		Expirations:  metric.NewCounter(metaExpirations),
		KeepAlives:   metric.NewCounter(metaKeepAlives),
		AttachedKeys: metric.NewGauge(metaAttachedKeys),
		ExpiredKeys:  metric.NewCounter(metaExpiredKeys),
	}
}
