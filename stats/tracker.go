// Package stats tracks per-source, per-variant and per-command packet counters
// for display in the dashboard and periodic console output.
package stats

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Tracker tracks packet statistics.
type Tracker struct {
	// counters live in sync.Map + atomic.Uint64 so per-packet increments don't fight over a mutex
	sourceCounts  sync.Map // string -> *atomic.Uint64
	variantCounts sync.Map
	commandCounts sync.Map
	outcomeCounts sync.Map
	dropLengths   sync.Map // length as decimal string
	decoded       atomic.Uint64
	dropped       atomic.Uint64
	start         atomic.Int64
}

// NewTracker creates a new stats tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// RecordDecoded counts a packet the live log accepted.
func (t *Tracker) RecordDecoded(source, variant, command, outcome string) {
	t.decoded.Add(1)
	incrementCounter(&t.sourceCounts, source)
	incrementCounter(&t.variantCounts, variant)
	incrementCounter(&t.commandCounts, command)
	incrementCounter(&t.outcomeCounts, outcome)
}

// RecordDropped counts a packet rejected for its length.
func (t *Tracker) RecordDropped(source string, length int) {
	t.dropped.Add(1)
	incrementCounter(&t.sourceCounts, source)
	incrementCounter(&t.dropLengths, strconv.Itoa(length))
}

// Decoded returns the number of accepted packets.
func (t *Tracker) Decoded() uint64 { return t.decoded.Load() }

// Dropped returns the number of rejected packets.
func (t *Tracker) Dropped() uint64 { return t.dropped.Load() }

// GetSourceCounts returns a copy of per-source datagram counts.
func (t *Tracker) GetSourceCounts() map[string]uint64 { return copyCounts(&t.sourceCounts) }

// GetVariantCounts returns a copy of per-variant counts.
func (t *Tracker) GetVariantCounts() map[string]uint64 { return copyCounts(&t.variantCounts) }

// GetCommandCounts returns a copy of per-command counts.
func (t *Tracker) GetCommandCounts() map[string]uint64 { return copyCounts(&t.commandCounts) }

// GetOutcomeCounts returns a copy of classification outcome counts.
func (t *Tracker) GetOutcomeCounts() map[string]uint64 { return copyCounts(&t.outcomeCounts) }

// GetDropLengths returns a copy of drop counts keyed by packet length.
func (t *Tracker) GetDropLengths() map[string]uint64 { return copyCounts(&t.dropLengths) }

// GetUptime returns how long the tracker has been running.
func (t *Tracker) GetUptime() time.Duration {
	return time.Since(time.Unix(0, t.start.Load()))
}

// Reset resets all counters.
func (t *Tracker) Reset() {
	for _, m := range []*sync.Map{&t.sourceCounts, &t.variantCounts, &t.commandCounts, &t.outcomeCounts, &t.dropLengths} {
		m.Range(func(key, _ any) bool {
			m.Delete(key)
			return true
		})
	}
	t.decoded.Store(0)
	t.dropped.Store(0)
	t.start.Store(time.Now().UnixNano())
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	return []string{
		"Packets: decoded=" + humanize.Comma(int64(t.decoded.Load())) + " dropped=" + humanize.Comma(int64(t.dropped.Load())),
		formatMapCounts("By source", &t.sourceCounts),
		formatMapCounts("By variant", &t.variantCounts),
		formatMapCounts("By outcome", &t.outcomeCounts),
		formatMapCounts("By command", &t.commandCounts),
		formatMapCounts("Dropped by length", &t.dropLengths),
	}
}

func copyCounts(m *sync.Map) map[string]uint64 {
	counts := make(map[string]uint64)
	m.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

// formatMapCounts renders "label: a=1, b=2" with keys sorted.
func formatMapCounts(label string, counts *sync.Map) string {
	snapshot := copyCounts(counts)
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	if len(keys) == 0 {
		builder.WriteString("(none)")
		return builder.String()
	}
	for i, k := range keys {
		if i > 0 {
			builder.WriteString(", ")
		}
		builder.WriteString(k)
		builder.WriteString("=")
		builder.WriteString(humanize.Comma(int64(snapshot[k])))
	}
	return builder.String()
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
