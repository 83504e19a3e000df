// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package metric

import (
	"bytes"
	"testing"

	"github.com/eyakubovich/etcd/pkg/util/leaktest"
	"github.com/stretchr/testify/require"
)

func TestPrometheusExporter(t *testing.T) {
	defer leaktest.AfterTest(t)()
	r1, r2 := NewRegistry(), NewRegistry()
	r1.AddLabel("registry", "one")

	ops := NewCounter(Metadata{Name: "ops.count", Help: "Number of operations"})
	ops.Inc(5)
	r1.AddMetric(ops)
	jobs := NewGauge(Metadata{Name: "jobs-active", Help: "Active jobs"})
	jobs.Update(2)
	r2.AddMetric(jobs)

	exporter := MakePrometheusExporter()
	var buf bytes.Buffer
	require.NoError(t, exporter.ScrapeAndPrintAsText(&buf, r1, r2))
	out := buf.String()

	// Dots and dashes in metric and label names turn into underscores.
	require.Contains(t, out, "# HELP ops_count Number of operations")
	require.Contains(t, out, "# TYPE ops_count counter")
	require.Contains(t, out, `ops_count{registry="one"} 5`)
	require.Contains(t, out, "# TYPE jobs_active gauge")
	require.Contains(t, out, "jobs_active 2")

	// Families are cleared after printing, so a second scrape reports
	// fresh values instead of accumulating duplicates.
	ops.Inc(1)
	buf.Reset()
	require.NoError(t, exporter.ScrapeAndPrintAsText(&buf, r1))
	out = buf.String()
	require.Contains(t, out, `ops_count{registry="one"} 6`)
	require.NotContains(t, out, `ops_count{registry="one"} 5`)
}
