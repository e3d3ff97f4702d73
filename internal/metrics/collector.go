// Package metrics mirrors internal/stats onto Prometheus so the same
// counters that feed command responses are observable externally,
// without the internal bookkeeping ever depending on Prometheus types.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nnasched/core/internal/stats"
)

// Source is the uptime view of the statistics block; *stats.Stats
// satisfies it. The Collector itself holds a concrete *stats.Stats.
type Source interface {
	UptimeMS(now time.Time) uint64
}

// Collector implements prometheus.Collector over a *stats.Stats,
// reading it under the provided lock function so a concurrent scrape
// never races the device mutex.
type Collector struct {
	stats *stats.Stats
	lock  func(func())

	kicksDesc      *prometheus.Desc
	completedDesc  *prometheus.Desc
	cancelledDesc  *prometheus.Desc
	abortedDesc    *prometheus.Desc
	procUSDesc     *prometheus.Desc
	utilDesc       *prometheus.Desc
	failuresDesc   *prometheus.Desc
	uptimeDesc     *prometheus.Desc
}

// NewCollector wraps st; withLock is invoked around every read so
// scraping never observes a torn snapshot (pass device.mu.Lock/Unlock
// wrapped in a closure).
func NewCollector(st *stats.Stats, withLock func(func())) *Collector {
	return &Collector{
		stats: st,
		lock:  withLock,
		kicksDesc:     prometheus.NewDesc("nna_kicks_total", "Total workload kicks issued.", []string{"scope", "id"}, nil),
		completedDesc: prometheus.NewDesc("nna_kicks_completed_total", "Total workload completions.", []string{"scope", "id"}, nil),
		cancelledDesc: prometheus.NewDesc("nna_kicks_cancelled_total", "Total workload cancellations.", []string{"scope", "id"}, nil),
		abortedDesc:   prometheus.NewDesc("nna_kicks_aborted_total", "Total workload aborts.", []string{"scope", "id"}, nil),
		procUSDesc:    prometheus.NewDesc("nna_proc_microseconds_total", "Total processing microseconds.", []string{"scope", "id"}, nil),
		utilDesc:      prometheus.NewDesc("nna_utilization_ratio", "Fraction of uptime spent processing.", []string{"scope", "id"}, nil),
		failuresDesc:  prometheus.NewDesc("nna_failures_total", "Total workload failures.", nil, nil),
		uptimeDesc:    prometheus.NewDesc("nna_uptime_milliseconds", "Device uptime in milliseconds.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.kicksDesc
	ch <- c.completedDesc
	ch <- c.cancelledDesc
	ch <- c.abortedDesc
	ch <- c.procUSDesc
	ch <- c.utilDesc
	ch <- c.failuresDesc
	ch <- c.uptimeDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.lock(func() {
		now := time.Now()
		uptime := c.stats.UptimeMS(now)

		emit := func(scope, id string, k *stats.KickCounters) {
			ch <- prometheus.MustNewConstMetric(c.kicksDesc, prometheus.CounterValue, float64(k.Kicks), scope, id)
			ch <- prometheus.MustNewConstMetric(c.completedDesc, prometheus.CounterValue, float64(k.Completed), scope, id)
			ch <- prometheus.MustNewConstMetric(c.cancelledDesc, prometheus.CounterValue, float64(k.Cancelled), scope, id)
			ch <- prometheus.MustNewConstMetric(c.abortedDesc, prometheus.CounterValue, float64(k.Aborted), scope, id)
			ch <- prometheus.MustNewConstMetric(c.procUSDesc, prometheus.CounterValue, float64(k.TotalProcUS), scope, id)
			ch <- prometheus.MustNewConstMetric(c.utilDesc, prometheus.GaugeValue, k.Utilization(uptime), scope, id)
		}

		emit("device", "0", &c.stats.Device)
		for i := range c.stats.Cores {
			emit("core", strconv.Itoa(i), &c.stats.Cores[i])
		}
		for i := range c.stats.WMs {
			emit("wm", strconv.Itoa(i), &c.stats.WMs[i])
		}

		ch <- prometheus.MustNewConstMetric(c.failuresDesc, prometheus.CounterValue, float64(c.stats.TotalFailures))
		ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, float64(uptime))
	})
}
