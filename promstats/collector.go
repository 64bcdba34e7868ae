/*
Package promstats publishes netbox connection and pool stats to prometheus.

The collectors read a stats snapshot on every scrape, so they add nothing to
the request path:

	prometheus.MustRegister(promstats.NewConnCollector("tarantool", conn, nil))
*/
package promstats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pior/netbox"
)

// ConnStatser is implemented by *netbox.Conn.
type ConnStatser interface {
	Stats() netbox.Stats
}

// PoolStatser is implemented by *netbox.Pool.
type PoolStatser interface {
	Stats() netbox.PoolStats
}

type metric[S any] struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(S) float64
}

func newMetric[S any](namespace, subsystem, name, help string, labels prometheus.Labels, vt prometheus.ValueType, value func(S) float64) metric[S] {
	return metric[S]{
		desc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, labels),
		valueType: vt,
		value:     value,
	}
}

type collector[S any] struct {
	stats   func() S
	metrics []metric[S]
}

func (c *collector[S]) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *collector[S]) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, m.value(s))
	}
}

// NewConnCollector returns a collector for the stats of one connection.
// Metrics are named <namespace>_conn_<counter> and labelled with
// constLabels. The collector still needs to be registered.
func NewConnCollector(namespace string, conn ConnStatser, constLabels prometheus.Labels) prometheus.Collector {
	m := func(name, help string, vt prometheus.ValueType, value func(netbox.Stats) float64) metric[netbox.Stats] {
		return newMetric(namespace, "conn", name, help, constLabels, vt, value)
	}

	return &collector[netbox.Stats]{
		stats: conn.Stats,
		metrics: []metric[netbox.Stats]{
			m("requests_total", "Requests written to the socket.", prometheus.CounterValue,
				func(s netbox.Stats) float64 { return float64(s.Requests) }),
			m("responses_total", "Responses delivered to a caller.", prometheus.CounterValue,
				func(s netbox.Stats) float64 { return float64(s.Responses) }),
			m("errors_total", "Requests that completed with an error.", prometheus.CounterValue,
				func(s netbox.Stats) float64 { return float64(s.Errors) }),
			m("timeouts_total", "Requests abandoned on timeout.", prometheus.CounterValue,
				func(s netbox.Stats) float64 { return float64(s.Timeouts) }),
			m("discarded_total", "Frames without a pending request.", prometheus.CounterValue,
				func(s netbox.Stats) float64 { return float64(s.Discarded) }),
			m("reconnects_total", "Reconnect attempts after a socket failure.", prometheus.CounterValue,
				func(s netbox.Stats) float64 { return float64(s.Reconnects) }),
			m("schema_reloads_total", "Schema cache refreshes.", prometheus.CounterValue,
				func(s netbox.Stats) float64 { return float64(s.SchemaReloads) }),
			m("in_flight", "Requests waiting for a response.", prometheus.GaugeValue,
				func(s netbox.Stats) float64 { return float64(s.InFlight) }),
		},
	}
}

// NewPoolCollector returns a collector for the stats of a pool.
// Metrics are named <namespace>_pool_<stat>.
func NewPoolCollector(namespace string, pool PoolStatser, constLabels prometheus.Labels) prometheus.Collector {
	m := func(name, help string, vt prometheus.ValueType, value func(netbox.PoolStats) float64) metric[netbox.PoolStats] {
		return newMetric(namespace, "pool", name, help, constLabels, vt, value)
	}

	return &collector[netbox.PoolStats]{
		stats: pool.Stats,
		metrics: []metric[netbox.PoolStats]{
			m("conns", "Connections in the pool.", prometheus.GaugeValue,
				func(s netbox.PoolStats) float64 { return float64(s.TotalConns) }),
			m("idle_conns", "Idle connections.", prometheus.GaugeValue,
				func(s netbox.PoolStats) float64 { return float64(s.IdleConns) }),
			m("active_conns", "Connections in use.", prometheus.GaugeValue,
				func(s netbox.PoolStats) float64 { return float64(s.ActiveConns) }),
			m("acquires_total", "Acquire attempts.", prometheus.CounterValue,
				func(s netbox.PoolStats) float64 { return float64(s.AcquireCount) }),
			m("acquire_waits_total", "Acquires that had to wait.", prometheus.CounterValue,
				func(s netbox.PoolStats) float64 { return float64(s.AcquireWaitCount) }),
			m("acquire_errors_total", "Canceled acquire attempts.", prometheus.CounterValue,
				func(s netbox.PoolStats) float64 { return float64(s.AcquireErrors) }),
			m("acquire_wait_seconds_total", "Time spent waiting for a connection.", prometheus.CounterValue,
				func(s netbox.PoolStats) float64 { return float64(s.AcquireWaitTimeNs) / 1e9 }),
			m("created_conns_total", "Connections created.", prometheus.CounterValue,
				func(s netbox.PoolStats) float64 { return float64(s.CreatedConns) }),
			m("destroyed_conns_total", "Connections destroyed.", prometheus.CounterValue,
				func(s netbox.PoolStats) float64 { return float64(s.DestroyedConns) }),
		},
	}
}
