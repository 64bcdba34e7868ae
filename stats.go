package netbox

import (
	"sync/atomic"
)

// Stats contains counters about a connection.
// All fields are safe for concurrent access.
//
// For Prometheus integration see the promstats package, which exposes:
//   - Counters: Requests, Responses, Errors, Timeouts, Discarded, Reconnects, SchemaReloads
//   - Gauge: InFlight
type Stats struct {
	Requests      uint64 // Requests written to the send queue
	Responses     uint64 // Responses delivered to a caller
	Errors        uint64 // Requests that completed with an error
	Timeouts      uint64 // Requests abandoned on timeout
	Discarded     uint64 // Frames with no matching request (late responses, pushes)
	Reconnects    uint64 // Socket failures followed by a reconnect attempt
	SchemaReloads uint64 // Schema refreshes issued by this connection
	InFlight      int64  // Requests waiting for a response right now
}

// statsCollector provides internal methods for updating connection stats.
// Not exported - connections update their own stats.
type statsCollector struct {
	stats *Stats
}

func newStatsCollector() *statsCollector {
	return &statsCollector{
		stats: &Stats{},
	}
}

func (c *statsCollector) recordRequest() {
	atomic.AddUint64(&c.stats.Requests, 1)
}

func (c *statsCollector) recordResponse(err error) {
	atomic.AddUint64(&c.stats.Responses, 1)
	if err != nil {
		atomic.AddUint64(&c.stats.Errors, 1)
	}
}

func (c *statsCollector) recordError() {
	atomic.AddUint64(&c.stats.Errors, 1)
}

func (c *statsCollector) recordTimeout() {
	atomic.AddUint64(&c.stats.Timeouts, 1)
	atomic.AddUint64(&c.stats.Errors, 1)
}

func (c *statsCollector) recordDiscarded() {
	atomic.AddUint64(&c.stats.Discarded, 1)
}

func (c *statsCollector) recordReconnect() {
	atomic.AddUint64(&c.stats.Reconnects, 1)
}

func (c *statsCollector) recordSchemaReload() {
	atomic.AddUint64(&c.stats.SchemaReloads, 1)
}

func (c *statsCollector) snapshot(inFlight int) Stats {
	return Stats{
		Requests:      atomic.LoadUint64(&c.stats.Requests),
		Responses:     atomic.LoadUint64(&c.stats.Responses),
		Errors:        atomic.LoadUint64(&c.stats.Errors),
		Timeouts:      atomic.LoadUint64(&c.stats.Timeouts),
		Discarded:     atomic.LoadUint64(&c.stats.Discarded),
		Reconnects:    atomic.LoadUint64(&c.stats.Reconnects),
		SchemaReloads: atomic.LoadUint64(&c.stats.SchemaReloads),
		InFlight:      int64(inFlight),
	}
}
