// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

/*
Package metric provides server metrics (a.k.a. transient stats) for the
store and its surrounding components. Metrics are collected into registries
and exported in Prometheus text exposition format.

# Adding a new metric

First, declare Metadata for the metric, then construct it with one of the
New* constructors and add it to a Registry. Components conventionally hang
their metrics off a Metrics struct and register the whole struct at once:

	var metaPuts = metric.Metadata{
		Name:        "storage.puts",
		Help:        "Number of put mutations applied",
		Measurement: "Mutations",
		Unit:        metric.Unit_COUNT,
	}

	type Metrics struct {
		Puts *metric.Counter
	}

	m := Metrics{Puts: metric.NewCounter(metaPuts)}
	registry.AddMetricStruct(m)

AddMetricStruct walks the struct with reflection and registers every field
that implements Iterable, so adding a metric is a one-line change to the
struct plus its Metadata.

# Metric types

Counter and Gauge are cumulative and instantaneous values backed by
atomics. Rate tracks an exponentially weighted moving average over a
timescale. Histogram records latencies or sizes into an HDR histogram with
both a cumulative view and a sliding window for quantiles; NewLatency is
the conventional constructor for request latencies.

# Export

MakePrometheusExporter scrapes one or more registries and writes the text
exposition format:

	exporter := metric.MakePrometheusExporter()
	err := exporter.ScrapeAndPrintAsText(os.Stdout, registry)
*/
package metric
