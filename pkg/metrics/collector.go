// Package metrics holds scrape-time collectors. Counter style metrics live
// next to the code that increments them; anything derived from current state
// is computed here on each scrape so dashboards stay accurate regardless of
// what happened between scrapes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/markmysler/dvc-sub001/pkg/session"
)

// SessionCollector implements prometheus.Collector and reads the session
// registry on each scrape to report session counts by status and challenge.
type SessionCollector struct {
	reg  *session.Registry
	desc *prometheus.Desc
}

// NewSessionCollector creates a Collector backed by reg.
// Call prometheus.MustRegister(collector) after creation.
func NewSessionCollector(reg *session.Registry) *SessionCollector {
	return &SessionCollector{
		reg: reg,
		desc: prometheus.NewDesc(
			"dvc_sessions",
			"Current number of sessions grouped by status and challenge",
			[]string{"status", "challenge_id"},
			nil,
		),
	}
}

// Describe sends the descriptor to the channel.
func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect reads the registry and sends session count metrics.
func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	for status, byChallenge := range c.reg.CountsByStatus() {
		for challengeID, count := range byChallenge {
			ch <- prometheus.MustNewConstMetric(
				c.desc,
				prometheus.GaugeValue,
				float64(count),
				string(status), challengeID,
			)
		}
	}
}

// CatalogSizer is the minimal interface needed to observe catalog size by
// category without importing the catalog package.
type CatalogSizer interface {
	CategoryCounts() map[string]int
}

// CatalogCollector reports the number of registered challenges per category.
type CatalogCollector struct {
	catalog CatalogSizer
	desc    *prometheus.Desc
}

// NewCatalogCollector creates a collector that reads catalog size on each scrape.
func NewCatalogCollector(catalog CatalogSizer) *CatalogCollector {
	return &CatalogCollector{
		catalog: catalog,
		desc: prometheus.NewDesc(
			"dvc_challenges_registered",
			"Number of challenges in the catalog per category",
			[]string{"category"},
			nil,
		),
	}
}

// Describe sends the descriptor to the channel.
func (c *CatalogCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect reads the catalog and sends challenge count metrics.
func (c *CatalogCollector) Collect(ch chan<- prometheus.Metric) {
	for category, count := range c.catalog.CategoryCounts() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(count), category)
	}
}
