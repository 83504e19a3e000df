// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package metric

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/eyakubovich/etcd/pkg/util/leaktest"
	"github.com/stretchr/testify/require"
)

func TestCounter(t *testing.T) {
	defer leaktest.AfterTest(t)()
	c := NewCounter(Metadata{Name: "test.counter"})
	c.Inc(90)
	c.Inc(10)
	require.EqualValues(t, 100, c.Count())
	require.EqualValues(t, 100, c.ToPrometheusMetric().Counter.GetValue())

	b, err := json.Marshal(c)
	require.NoError(t, err)
	require.Equal(t, "100", string(b))

	c.Clear()
	require.Zero(t, c.Count())
}

func TestGauge(t *testing.T) {
	defer leaktest.AfterTest(t)()
	g := NewGauge(Metadata{Name: "test.gauge"})
	g.Update(10)
	g.Inc(5)
	g.Dec(2)
	require.EqualValues(t, 13, g.Value())
	require.EqualValues(t, 13, g.ToPrometheusMetric().Gauge.GetValue())

	f := NewGaugeFloat64(Metadata{Name: "test.gauge.float"})
	f.Update(1.5)
	require.Equal(t, 1.5, f.Value())
	require.Equal(t, 1.5, f.ToPrometheusMetric().Gauge.GetValue())
}

func TestRate(t *testing.T) {
	defer leaktest.AfterTest(t)()
	cur := time.Date(2025, 5, 13, 12, 0, 0, 0, time.UTC)
	defer TestingSetNow(func() time.Time { return cur })()

	r := NewRate(Metadata{Name: "test.rate"}, time.Minute)
	require.Zero(t, r.Value())

	// A steady input must emerge as the steady per-second rate once the
	// average has seen enough ticks.
	for i := 0; i < 12; i++ {
		r.Add(100)
		cur = cur.Add(time.Second)
	}
	require.InEpsilon(t, 100, r.Value(), 1e-9)
}

func TestRateRejectsShortTimescale(t *testing.T) {
	defer leaktest.AfterTest(t)()
	require.Panics(t, func() {
		NewRate(Metadata{Name: "test.rate"}, time.Second)
	})
}

func TestHistogram(t *testing.T) {
	defer leaktest.AfterTest(t)()
	cur := time.Date(2025, 5, 13, 12, 0, 0, 0, time.UTC)
	defer TestingSetNow(func() time.Time { return cur })()

	h := NewHistogram(Metadata{Name: "test.histogram"}, time.Minute, 1000, 3)
	h.RecordValue(50)
	h.RecordValue(2000) // clamped to the configured maximum

	require.EqualValues(t, 2, h.TotalCount())
	require.EqualValues(t, 50, h.Min())
	require.EqualValues(t, 1000, h.Snapshot().Max())

	w, dur := h.Windowed()
	require.Equal(t, time.Minute, dur)
	require.EqualValues(t, 2, w.TotalCount())

	// The windowed view forgets samples once the window has passed; the
	// cumulative view does not.
	cur = cur.Add(2 * time.Minute)
	w, _ = h.Windowed()
	require.Zero(t, w.TotalCount())
	require.EqualValues(t, 2, h.TotalCount())
}
