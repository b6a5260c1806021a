/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

// Package metrics exposes pool occupancy and action outcomes to
// Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"CraneBmc/internal/pool"
	"CraneBmc/internal/types"
)

const namespace = "cbmc"

type StatsSource interface {
	Stats() pool.Stats
}

type poolCollector struct {
	src StatsSource

	capacity   *prometheus.Desc
	live       *prometheus.Desc
	lent       *prometheus.Desc
	waiting    *prometheus.Desc
	peak       *prometheus.Desc
	handshakes *prometheus.Desc
	failures   *prometheus.Desc
	reuses     *prometheus.Desc
	evictions  *prometheus.Desc
	exhausted  *prometheus.Desc
}

// NewPoolCollector reads the pool counters at scrape time.
func NewPoolCollector(src StatsSource) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", name), help, nil, nil)
	}
	return &poolCollector{
		src:        src,
		capacity:   desc("capacity", "Maximum number of live BMC sessions."),
		live:       desc("live_sessions", "Live BMC sessions including handshakes in progress."),
		lent:       desc("lent_sessions", "Sessions currently lent to a caller."),
		waiting:    desc("waiting_callers", "Callers queued for a session slot."),
		peak:       desc("peak_sessions", "Highest number of live sessions observed."),
		handshakes: desc("handshakes_total", "Session handshakes attempted."),
		failures:   desc("handshake_failures_total", "Session handshakes that failed."),
		reuses:     desc("reuses_total", "Acquisitions served by an existing session."),
		evictions:  desc("evictions_total", "Sessions evicted after an error."),
		exhausted:  desc("exhausted_total", "Acquisitions that gave up waiting for a slot."),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.capacity, c.live, c.lent, c.waiting, c.peak,
		c.handshakes, c.failures, c.reuses, c.evictions, c.exhausted,
	} {
		ch <- d
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge(c.capacity, s.Capacity)
	gauge(c.live, s.Live)
	gauge(c.lent, s.Lent)
	gauge(c.waiting, s.Waiting)
	gauge(c.peak, s.Peak)
	counter(c.handshakes, s.Handshakes)
	counter(c.failures, s.HandshakeFailures)
	counter(c.reuses, s.Reuses)
	counter(c.evictions, s.Evictions)
	counter(c.exhausted, s.Exhausted)
}

// ActionCounter counts power action outcomes by action and error kind.
type ActionCounter struct {
	total    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewActionCounter() *ActionCounter {
	return &ActionCounter{
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "power_actions_total",
			Help:      "Power actions by action and outcome.",
		}, []string{"action", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "power_action_duration_seconds",
			Help:      "Time spent on a power action including retries.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"action"}),
	}
}

// Observe is safe on a nil counter.
func (a *ActionCounter) Observe(r types.PowerActionResult) {
	if a == nil {
		return
	}
	kind := string(r.ErrorKind)
	if r.Success {
		kind = "ok"
	}
	a.total.WithLabelValues(string(r.Action), kind).Inc()
	a.duration.WithLabelValues(string(r.Action)).Observe(r.Duration.Seconds())
}

func (a *ActionCounter) Describe(ch chan<- *prometheus.Desc) {
	a.total.Describe(ch)
	a.duration.Describe(ch)
}

func (a *ActionCounter) Collect(ch chan<- prometheus.Metric) {
	a.total.Collect(ch)
	a.duration.Collect(ch)
}

// Registry bundles the collectors served by `cbmc watch`.
type Registry struct {
	reg     *prometheus.Registry
	Actions *ActionCounter
	Servers *prometheus.GaugeVec
}

func NewRegistry(src StatsSource) *Registry {
	r := &Registry{
		reg:     prometheus.NewRegistry(),
		Actions: NewActionCounter(),
		Servers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "servers",
			Help:      "Registered servers by last known power state.",
		}, []string{"state"}),
	}
	r.reg.MustRegister(NewPoolCollector(src), r.Actions, r.Servers)
	return r
}

// SetPowerStates replaces the per-state server gauge.
func (r *Registry) SetPowerStates(statuses []types.Status) {
	counts := map[types.PowerState]int{
		types.PowerStateOn:      0,
		types.PowerStateOff:     0,
		types.PowerStateUnknown: 0,
	}
	for _, s := range statuses {
		counts[s.PowerState]++
	}
	for state, n := range counts {
		r.Servers.WithLabelValues(string(state)).Set(float64(n))
	}
}

func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
