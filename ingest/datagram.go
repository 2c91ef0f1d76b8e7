// Package ingest collects raw telemetry datagrams from the transports the
// controller exposes (direct UDP, the web UI event stream, an MQTT bridge)
// and funnels them into one channel for the single-writer pipeline.
//
// Every source copies the payload before handing it off and never blocks on
// a full channel: the datagram is dropped and counted instead.
package ingest

import (
	"sync/atomic"
	"time"

	"github.com/szsz/endless-pools-controller/internal/ratelimit"
)

// Source names the transport a datagram arrived on.
type Source string

const (
	SourceUDP  Source = "udp"
	SourceSSE  Source = "sse"
	SourceMQTT Source = "mqtt"
	// SourceReplay marks datagrams re-fed from a capture.
	SourceReplay Source = "replay"
)

// Datagram is one raw packet plus where it came from.
type Datagram struct {
	Source Source
	// Name is the configured name of the source instance ("control", ...).
	Name string
	// Port is the local port for UDP sources, zero otherwise.
	Port     uint16
	Remote   string
	Payload  []byte
	Received time.Time
}

// Health is a point-in-time view of a source, used for the periodic health
// log and the stats pane.
type Health struct {
	Connected      bool
	LastDatagramAt time.Time
	LastErrorAt    time.Time
	Received       uint64
	Dropped        uint64
	ParseErrors    uint64
	QueueLen       int
	QueueCap       int
}

// counters is embedded by each source.
type counters struct {
	connected   atomic.Bool
	received    atomic.Uint64
	dropped     atomic.Uint64
	parseErrors atomic.Uint64
	lastAt      atomic.Int64
	lastErrAt   atomic.Int64
	errLog      ratelimit.Counter
}

// emit performs a non-blocking send of d to out.
func (c *counters) emit(out chan<- Datagram, d Datagram) bool {
	c.received.Add(1)
	c.lastAt.Store(d.Received.UnixNano())
	select {
	case out <- d:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// parseError records a rejected payload and reports whether it should be
// logged; logging is throttled per source.
func (c *counters) parseError(now time.Time) bool {
	c.parseErrors.Add(1)
	c.lastErrAt.Store(now.UnixNano())
	_, ok := c.errLog.Inc()
	return ok
}

func (c *counters) health(out chan<- Datagram) Health {
	h := Health{
		Connected:   c.connected.Load(),
		Received:    c.received.Load(),
		Dropped:     c.dropped.Load(),
		ParseErrors: c.parseErrors.Load(),
		QueueLen:    len(out),
		QueueCap:    cap(out),
	}
	if ns := c.lastAt.Load(); ns != 0 {
		h.LastDatagramAt = time.Unix(0, ns).UTC()
	}
	if ns := c.lastErrAt.Load(); ns != 0 {
		h.LastErrorAt = time.Unix(0, ns).UTC()
	}
	return h
}
