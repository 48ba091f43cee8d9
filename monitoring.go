package mdt

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Stats struct {
	Tables        int
	PutCount      uint64
	PendingPuts   int64
	FailedPuts    uint64
	MutationCount uint64
}

func (db *DB) Stats() Stats {
	db.registryLock.RLock()
	tables := len(db.registry)
	db.registryLock.RUnlock()
	return Stats{
		Tables:        tables,
		PutCount:      db.PutCount.Load(),
		PendingPuts:   db.PendingPuts.Load(),
		FailedPuts:    db.FailedPuts.Load(),
		MutationCount: db.MutationCount.Load(),
	}
}

type collector struct {
	db *DB

	tables    *prometheus.Desc
	puts      *prometheus.Desc
	pending   *prometheus.Desc
	failed    *prometheus.Desc
	mutations *prometheus.Desc
}

// NewCollector exports the database's counters to Prometheus.
func NewCollector(db *DB) prometheus.Collector {
	labels := prometheus.Labels{"db": db.prefix}
	return &collector{
		db:        db,
		tables:    prometheus.NewDesc("mdt_tables", "Number of registered tables.", nil, labels),
		puts:      prometheus.NewDesc("mdt_puts_total", "Puts started.", nil, labels),
		pending:   prometheus.NewDesc("mdt_puts_pending", "Puts waiting for mutations to complete.", nil, labels),
		failed:    prometheus.NewDesc("mdt_puts_failed_total", "Puts that completed with an error.", nil, labels),
		mutations: prometheus.NewDesc("mdt_mutations_total", "Table mutations dispatched.", nil, labels),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tables
	ch <- c.puts
	ch <- c.pending
	ch <- c.failed
	ch <- c.mutations
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.db.Stats()
	ch <- prometheus.MustNewConstMetric(c.tables, prometheus.GaugeValue, float64(s.Tables))
	ch <- prometheus.MustNewConstMetric(c.puts, prometheus.CounterValue, float64(s.PutCount))
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(s.PendingPuts))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(s.FailedPuts))
	ch <- prometheus.MustNewConstMetric(c.mutations, prometheus.CounterValue, float64(s.MutationCount))
}
