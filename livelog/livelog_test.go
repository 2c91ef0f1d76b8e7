package livelog

import (
	"sync"
	"testing"
	"time"

	"github.com/szsz/endless-pools-controller/aggregate"
	"github.com/szsz/endless-pools-controller/packet"
)

func statusPacket(t *testing.T, runtime float32, pace int) []byte {
	t.Helper()
	raw, err := (&packet.Status{
		Header:           packet.Header{MsgID: 0x0A, Opcode: 0x24, Timestamp: time.Unix(1_700_000_000, 0)},
		CurSpeed:         10,
		TgtSpeed:         10,
		PaceSeconds:      pace,
		RemainingSeconds: 600,
		RuntimeSec:       runtime,
		TotalRuntimeSec:  900,
	}).MarshalBinary()
	if err != nil {
		t.Fatalf("marshal status: %v", err)
	}
	return raw
}

func controlPacket(t *testing.T, param uint16) []byte {
	t.Helper()
	raw, err := (&packet.Control{
		Header: packet.Header{MsgID: 0x01, Opcode: 0x24, Timestamp: time.Unix(1_700_000_000, 0)},
		Param:  param,
	}).MarshalBinary()
	if err != nil {
		t.Fatalf("marshal control: %v", err)
	}
	return raw
}

func TestIngestIdenticalPacketsYieldOneRow(t *testing.T) {
	l := New(Options{})
	for i := 0; i < 7; i++ {
		if _, ok := l.Ingest(statusPacket(t, 5.0, 286)); !ok {
			t.Fatalf("packet %d was not decoded", i)
		}
	}
	rows := l.Rows()
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Count != 7 || rows[0].Closed() {
		t.Fatalf("expected open row with count 7, got %+v", rows[0])
	}
	if got := rows[0].View(nil).Command; got != "Set Pace" {
		t.Fatalf("expected Set Pace, got %q", got)
	}
}

func TestIngestVolatileRange(t *testing.T) {
	l := New(Options{})
	for _, rt := range []float32{1.0, 3.5, 2.0} {
		l.Ingest(statusPacket(t, rt, 286))
	}
	rows := l.Rows()
	if len(rows) != 1 || rows[0].Count != 3 {
		t.Fatalf("expected one row with count 3, got %+v", rows)
	}
	if got := rows[0].View(nil).Runtime; got != "1.0 - 3.5" {
		t.Fatalf("expected runtime range 1.0 - 3.5, got %q", got)
	}
}

func TestIngestUnrecognizedLengthLeavesStateUnchanged(t *testing.T) {
	l := New(Options{})
	l.Ingest(controlPacket(t, 1))
	before := l.Rows()
	seq := l.NextSeq()

	if _, ok := l.Ingest(make([]byte, 50)); ok {
		t.Fatalf("expected 50-byte packet to be rejected")
	}
	if l.NextSeq() != seq {
		t.Fatalf("sequence advanced on unrecognized packet")
	}
	after := l.Rows()
	if len(after) != len(before) || after[0].Count != before[0].Count {
		t.Fatalf("rows changed on unrecognized packet: %+v -> %+v", before, after)
	}
	st := l.Stats()
	if st.Dropped != 1 || st.Decoded != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestMismatchClosesRowIntoHistory(t *testing.T) {
	var sunk []*aggregate.Row
	l := New(Options{Sink: func(r *aggregate.Row) { sunk = append(sunk, r) }})
	l.Ingest(statusPacket(t, 1.0, 286))
	l.Ingest(statusPacket(t, 1.0, 286))
	upd, _ := l.Ingest(statusPacket(t, 1.0, 300))
	if upd.Outcome != aggregate.Mismatch || upd.Closed == nil {
		t.Fatalf("expected pace change to close the row, got %+v", upd)
	}
	if len(sunk) != 1 || sunk[0].Count != 2 {
		t.Fatalf("expected sink to receive closed row with count 2")
	}
	rows := l.Rows()
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if !rows[0].Closed() || rows[0].Count != 2 || rows[1].Count != 1 {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if rows[0].ID() != 0 || rows[1].ID() != 2 {
		t.Fatalf("expected row ids 0 and 2, got %d and %d", rows[0].ID(), rows[1].ID())
	}
}

func TestCapacityBoundsRows(t *testing.T) {
	l := New(Options{Capacity: 3})
	for i := 0; i < 6; i++ {
		l.Ingest(controlPacket(t, uint16(i)))
	}
	rows := l.Rows()
	if len(rows) != 3 || l.Len() != 3 {
		t.Fatalf("expected 3 rows, got %d (len %d)", len(rows), l.Len())
	}
	var params []string
	for _, r := range rows {
		params = append(params, r.View(nil).Param)
	}
	if params[0] != "3" || params[1] != "4" || params[2] != "5" {
		t.Fatalf("expected newest rows 3,4,5, got %v", params)
	}
	if recent := l.Recent(2); len(recent) != 2 || recent[1].View(nil).Param != "5" {
		t.Fatalf("unexpected recent rows: %+v", recent)
	}
	st := l.Stats()
	if st.Closed != 5 || st.Evicted != 3 || st.Capacity != 3 || st.Rows != 3 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestDefaultCapacityEvictsWhatLeavesView(t *testing.T) {
	l := New(Options{})
	for i := 0; i <= 10_000; i++ {
		l.Ingest(controlPacket(t, uint16(i)))
	}
	rows := l.Rows()
	if len(rows) != 10_000 || l.Len() != 10_000 {
		t.Fatalf("expected 10000 rows, got %d (len %d)", len(rows), l.Len())
	}
	if rows[0].ID() != 1 || rows[len(rows)-1].ID() != 10_000 {
		t.Fatalf("expected rows 1..10000, got %d..%d", rows[0].ID(), rows[len(rows)-1].ID())
	}
	if st := l.Stats(); st.Evicted != 1 || st.Capacity != 10_000 {
		t.Fatalf("expected one eviction at capacity 10000, got %+v", st)
	}
}

func TestUpdateCarriesEvictedRow(t *testing.T) {
	l := New(Options{Capacity: 2})
	for i := 0; i < 2; i++ {
		if upd, _ := l.Ingest(controlPacket(t, uint16(i))); upd.Evicted != nil {
			t.Fatalf("packet %d: unexpected eviction of row #%d", i, upd.Evicted.ID())
		}
	}
	upd, ok := l.Ingest(controlPacket(t, 2))
	if !ok || upd.Evicted == nil || upd.Evicted.ID() != 0 {
		t.Fatalf("expected row #0 evicted, got %+v", upd.Evicted)
	}
	if upd.Closed == nil || upd.Closed.ID() != 1 {
		t.Fatalf("expected row #1 closed, got %+v", upd.Closed)
	}
	if next, _ := l.Ingest(controlPacket(t, 2)); next.Evicted != nil {
		t.Fatalf("exact match must not evict")
	}
	if got := l.Rows(); len(got) != 2 || got[0].ID() != 1 || got[1].ID() != 2 {
		t.Fatalf("unexpected rows after eviction: %+v", got)
	}
}

func TestCapacityBelowMinimumIsRaised(t *testing.T) {
	l := New(Options{Capacity: 1})
	for i := 0; i < 4; i++ {
		l.Ingest(controlPacket(t, uint16(i)))
	}
	if st := l.Stats(); st.Capacity != MinCapacity || st.Rows != MinCapacity {
		t.Fatalf("expected capacity raised to %d, got %+v", MinCapacity, st)
	}
}

func TestFlushMovesOpenRowToHistory(t *testing.T) {
	l := New(Options{})
	l.Ingest(controlPacket(t, 9))
	row := l.Flush()
	if row == nil || !row.Closed() {
		t.Fatalf("expected flushed row")
	}
	if _, ok := l.Open(); ok {
		t.Fatalf("expected no open row after flush")
	}
	rows := l.Rows()
	if len(rows) != 1 || !rows[0].Closed() {
		t.Fatalf("expected flushed row in history, got %+v", rows)
	}
	if l.Flush() != nil {
		t.Fatalf("second flush should be a no-op")
	}

	full := New(Options{Capacity: 3})
	for i := 0; i < 5; i++ {
		full.Ingest(controlPacket(t, uint16(i)))
	}
	full.Flush()
	if rows := full.Rows(); len(rows) != 2 || rows[1].ID() != 4 {
		t.Fatalf("expected the two newest closed rows after flush, got %+v", rows)
	}
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	l := New(Options{})
	ch, cancel := l.Subscribe(4)
	defer cancel()

	l.Ingest(controlPacket(t, 1))
	l.Ingest(controlPacket(t, 1))
	l.Ingest(controlPacket(t, 2))

	want := []aggregate.Outcome{aggregate.Mismatch, aggregate.ExactMatch, aggregate.Mismatch}
	for i, w := range want {
		select {
		case upd := <-ch:
			if upd.Outcome != w {
				t.Fatalf("update %d: expected %v, got %v", i, w, upd.Outcome)
			}
			if upd.Record.Head().Seq != uint64(i) {
				t.Fatalf("update %d: unexpected seq %d", i, upd.Record.Head().Seq)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for update %d", i)
		}
	}
}

func TestSlowSubscriberDropsUpdates(t *testing.T) {
	l := New(Options{})
	_, cancel := l.Subscribe(1)
	for i := 0; i < 4; i++ {
		l.Ingest(controlPacket(t, 1))
	}
	if got := l.Stats().SubscriberDrops; got != 3 {
		t.Fatalf("expected 3 dropped updates, got %d", got)
	}
	cancel()
	cancel()
	if got := l.Stats().Subscribers; got != 0 {
		t.Fatalf("expected no subscribers after cancel, got %d", got)
	}
}

func TestConcurrentIngestKeepsSequenceOrder(t *testing.T) {
	l := New(Options{Capacity: 100})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Ingest(controlPacket(t, uint16(w*1000+i)))
				_ = l.Rows()
			}
		}(w)
	}
	wg.Wait()
	if l.NextSeq() != 200 {
		t.Fatalf("expected 200 decoded packets, got %d", l.NextSeq())
	}
	rows := l.Rows()
	for i := 1; i < len(rows); i++ {
		if rows[i].ID() <= rows[i-1].ID() {
			t.Fatalf("row ids not increasing at %d: %d then %d", i, rows[i-1].ID(), rows[i].ID())
		}
	}
}
