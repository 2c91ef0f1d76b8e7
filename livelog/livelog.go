// Package livelog ties the decoder, the row aggregator and the bounded row
// history into the single-writer live log consumed by the dashboard, the
// telnet feed and the command processor.
package livelog

import (
	"sync"
	"sync/atomic"

	"github.com/szsz/endless-pools-controller/aggregate"
	"github.com/szsz/endless-pools-controller/buffer"
	"github.com/szsz/endless-pools-controller/opcode"
	"github.com/szsz/endless-pools-controller/packet"
)

// Options configures a Log.
type Options struct {
	// Opcodes resolves command names; nil uses the built-in table.
	Opcodes *opcode.Table
	// Capacity bounds the number of rows kept, the open row included: the
	// history holds Capacity-1 closed rows. Non-positive values use
	// buffer.DefaultCapacity; values below MinCapacity are raised to it.
	Capacity int
	// Sink, when set, receives every row as it is closed. It runs under the
	// ingest lock and must not block.
	Sink func(*aggregate.Row)
}

// MinCapacity leaves room for one closed row next to the open one.
const MinCapacity = 2

// Update describes the effect of one ingested packet.
type Update struct {
	Record  packet.Record
	Outcome aggregate.Outcome
	// Open is a copy of the open row after the packet was applied.
	Open aggregate.Row
	// Closed is the row this packet closed, if any. Closed rows are frozen.
	Closed *aggregate.Row
	// Evicted is the oldest closed row, dropped from the history to make
	// room for Closed, if any.
	Evicted *aggregate.Row
}

// Stats is a point-in-time view of the log counters.
type Stats struct {
	Decoded         uint64
	Dropped         uint64
	Rows            int
	Capacity        int
	Closed          uint64
	Evicted         uint64
	SubscriberDrops uint64
	Subscribers     int
}

// Log is the live aggregated packet log.
//
// Concurrency contract:
//   - Ingest and Flush serialize on one mutex; packets are applied strictly in
//     the order Ingest is called.
//   - Rows/Recent/Len/Stats return copies and may be called from any goroutine.
//   - Subscribers receive updates through non-blocking sends; a full channel
//     loses the update and bumps SubscriberDrops.
type Log struct {
	mu       sync.Mutex
	decoder  *packet.Decoder
	agg      *aggregate.Aggregator
	ring     *buffer.RingBuffer[*aggregate.Row]
	capacity int
	sink     func(*aggregate.Row)

	// viewMu guards the reader-visible state: the open row mirror and ring
	// pushes, so snapshots never see a row both open and closed.
	viewMu  sync.RWMutex
	open    aggregate.Row
	hasOpen bool

	evictedNow *aggregate.Row

	decoded atomic.Uint64
	dropped atomic.Uint64

	subMu      sync.Mutex
	subs       map[int]chan Update
	nextSub    int
	subDropped atomic.Uint64
}

// New builds an empty log.
func New(opts Options) *Log {
	table := opts.Opcodes
	if table == nil {
		table = opcode.Default()
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = buffer.DefaultCapacity
	}
	capacity = max(capacity, MinCapacity)
	l := &Log{
		decoder:  packet.NewDecoder(table),
		ring:     buffer.NewRingBuffer[*aggregate.Row](capacity - 1),
		capacity: capacity,
		sink:     opts.Sink,
		subs:     make(map[int]chan Update),
	}
	l.agg = aggregate.NewAggregator(l.retire)
	return l
}

// retire moves a closed row into the ring. Called by the aggregator with
// l.mu and l.viewMu held.
func (l *Log) retire(row *aggregate.Row) {
	if evicted, ok := l.ring.Push(row); ok {
		l.evictedNow = evicted
	}
	if l.sink != nil {
		l.sink(row)
	}
}

// Ingest decodes raw and folds it into the log. It returns false when the
// packet length is not recognized; the log is left untouched in that case.
func (l *Log) Ingest(raw []byte) (Update, bool) {
	l.mu.Lock()
	rec, ok := l.decoder.Decode(raw)
	if !ok {
		l.mu.Unlock()
		l.dropped.Add(1)
		return Update{}, false
	}
	l.decoded.Add(1)
	l.evictedNow = nil
	l.viewMu.Lock()
	step := l.agg.Add(rec)
	l.open, l.hasOpen = step.Open, true
	l.viewMu.Unlock()
	upd := Update{
		Record:  rec,
		Outcome: step.Outcome,
		Open:    step.Open,
		Closed:  step.Closed,
		Evicted: l.evictedNow,
	}
	l.publish(upd)
	l.mu.Unlock()
	return upd, true
}

// Flush closes the open row into the history. It returns the closed row or
// nil when nothing was open.
func (l *Log) Flush() *aggregate.Row {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.viewMu.Lock()
	defer l.viewMu.Unlock()
	row := l.agg.Flush()
	l.open, l.hasOpen = aggregate.Row{}, false
	l.evictedNow = nil
	return row
}

// Rows returns every row, oldest first, with the open row last.
func (l *Log) Rows() []aggregate.Row {
	return l.Recent(-1)
}

// Recent returns up to n of the newest rows, oldest first. n < 0 returns all.
func (l *Log) Recent(n int) []aggregate.Row {
	if n == 0 {
		return nil
	}
	l.viewMu.RLock()
	open, hasOpen := l.open, l.hasOpen
	closed := l.ring.Snapshot()
	l.viewMu.RUnlock()

	if n > 0 {
		keep := n
		if hasOpen {
			keep--
		}
		if len(closed) > keep {
			closed = closed[len(closed)-keep:]
		}
	}
	out := make([]aggregate.Row, 0, len(closed)+1)
	for _, row := range closed {
		out = append(out, *row)
	}
	if hasOpen {
		out = append(out, open)
	}
	return out
}

// Open returns a copy of the open row.
func (l *Log) Open() (aggregate.Row, bool) {
	l.viewMu.RLock()
	defer l.viewMu.RUnlock()
	return l.open, l.hasOpen
}

// Len is the number of rows Rows would return.
func (l *Log) Len() int {
	l.viewMu.RLock()
	defer l.viewMu.RUnlock()
	n := l.ring.Len()
	if l.hasOpen {
		n++
	}
	return n
}

// Stats returns the current counters.
func (l *Log) Stats() Stats {
	l.subMu.Lock()
	subs := len(l.subs)
	l.subMu.Unlock()
	return Stats{
		Decoded:         l.decoded.Load(),
		Dropped:         l.dropped.Load(),
		Rows:            l.Len(),
		Capacity:        l.capacity,
		Closed:          l.ring.Total(),
		Evicted:         l.ring.Evicted(),
		SubscriberDrops: l.subDropped.Load(),
		Subscribers:     subs,
	}
}

// NextSeq is the sequence number the next decoded packet will receive.
func (l *Log) NextSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.decoder.Next()
}

// Subscribe registers a feed of updates. The returned function unsubscribes
// and closes the channel; it is safe to call more than once.
func (l *Log) Subscribe(size int) (<-chan Update, func()) {
	if size < 1 {
		size = 1
	}
	ch := make(chan Update, size)
	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.subMu.Lock()
			delete(l.subs, id)
			l.subMu.Unlock()
			close(ch)
		})
	}
}

func (l *Log) publish(upd Update) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- upd:
		default:
			l.subDropped.Add(1)
		}
	}
}
