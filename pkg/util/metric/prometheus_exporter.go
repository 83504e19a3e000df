// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package metric

import (
	"io"
	"strings"

	"github.com/eyakubovich/etcd/pkg/util/syncutil"
	"github.com/gogo/protobuf/proto"
	prometheusgo "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// PrometheusExporter contains a map of metric families (a metric with
// multiple labels). It initializes each metric family once and reuses
// it for each prometheus scrape. Using ScrapeAndPrintAsText is
// thread-safe, but a mix of ScrapeRegistry/PrintAsText is not.
type PrometheusExporter struct {
	muScrapeAndPrint syncutil.Mutex
	families         map[string]*prometheusgo.MetricFamily
}

// MakePrometheusExporter returns an initialized prometheus exporter.
func MakePrometheusExporter() PrometheusExporter {
	return PrometheusExporter{families: map[string]*prometheusgo.MetricFamily{}}
}

// exportedName transforms a metric name to the naming style prometheus
// expects.
func exportedName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

// findOrCreateFamily returns the metric family for the passed-in
// metric, creating and registering it if it doesn't exist yet.
func (pm *PrometheusExporter) findOrCreateFamily(
	prom PrometheusExportable,
) *prometheusgo.MetricFamily {
	familyName := exportedName(prom.GetName())
	if family, ok := pm.families[familyName]; ok {
		return family
	}

	family := &prometheusgo.MetricFamily{
		Name: proto.String(familyName),
		Help: proto.String(prom.GetHelp()),
		Type: prom.GetType(),
	}
	pm.families[familyName] = family
	return family
}

// ScrapeRegistry scrapes all metrics contained in the registry to the
// metric family map, holding on only to the scraped data (which is
// locked during the scrape) and none of the original metrics.
func (pm *PrometheusExporter) ScrapeRegistry(registry *Registry) {
	labels := registry.getLabels()
	f := func(name string, v interface{}) {
		prom, ok := v.(PrometheusExportable)
		if !ok {
			return
		}
		m := prom.ToPrometheusMetric()
		m.Label = append(labels, prom.GetLabels()...)

		family := pm.findOrCreateFamily(prom)
		family.Metric = append(family.Metric, m)
	}
	registry.Each(f)
}

// PrintAsText writes all metrics in the families map to the io.Writer
// in prometheus' text format. It removes individual metrics from the
// families as it goes, readying the families for another round of
// scraping.
func (pm *PrometheusExporter) PrintAsText(w io.Writer) error {
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, family := range pm.families {
		if len(family.Metric) == 0 {
			continue
		}
		if err := enc.Encode(family); err != nil {
			return err
		}
		// Clear metrics for reuse.
		family.Metric = nil
	}
	return nil
}

// ScrapeAndPrintAsText scrapes the given registries and prints the
// result in prometheus' text format, under a lock that makes it safe
// for concurrent use.
func (pm *PrometheusExporter) ScrapeAndPrintAsText(w io.Writer, registries ...*Registry) error {
	pm.muScrapeAndPrint.Lock()
	defer pm.muScrapeAndPrint.Unlock()
	for _, registry := range registries {
		pm.ScrapeRegistry(registry)
	}
	return pm.PrintAsText(w)
}
