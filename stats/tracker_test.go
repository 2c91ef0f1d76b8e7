package stats

import (
	"strings"
	"sync"
	"testing"
)

func TestTrackerCounts(t *testing.T) {
	tr := NewTracker()
	tr.RecordDecoded("udp", "status", "Set Pace", "exact")
	tr.RecordDecoded("udp", "status", "Set Pace", "volatile")
	tr.RecordDecoded("sse", "control", "unknown", "mismatch")
	tr.RecordDropped("udp", 50)

	if tr.Decoded() != 3 || tr.Dropped() != 1 {
		t.Fatalf("unexpected totals: decoded=%d dropped=%d", tr.Decoded(), tr.Dropped())
	}
	if got := tr.GetSourceCounts()["udp"]; got != 3 {
		t.Fatalf("expected 3 udp datagrams, got %d", got)
	}
	if got := tr.GetCommandCounts()["Set Pace"]; got != 2 {
		t.Fatalf("expected 2 Set Pace, got %d", got)
	}
	if got := tr.GetDropLengths()["50"]; got != 1 {
		t.Fatalf("expected one drop of length 50, got %d", got)
	}
	if got := tr.GetVariantCounts()["control"]; got != 1 {
		t.Fatalf("expected one control packet, got %d", got)
	}
}

func TestSnapshotLinesSortedAndEmpty(t *testing.T) {
	tr := NewTracker()
	lines := tr.SnapshotLines()
	if !strings.Contains(lines[1], "(none)") {
		t.Fatalf("expected empty marker, got %q", lines[1])
	}
	for i := 0; i < 1500; i++ {
		tr.RecordDecoded("udp", "status", "b", "exact")
	}
	tr.RecordDecoded("mqtt", "status", "a", "exact")
	lines = tr.SnapshotLines()
	if lines[0] != "Packets: decoded=1,501 dropped=0" {
		t.Fatalf("unexpected header line %q", lines[0])
	}
	if lines[1] != "By source: mqtt=1, udp=1,500" {
		t.Fatalf("unexpected source line %q", lines[1])
	}
}

func TestTrackerConcurrentIncrements(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.RecordDecoded("udp", "control", "Stop", "exact")
			}
		}()
	}
	wg.Wait()
	if got := tr.GetOutcomeCounts()["exact"]; got != 800 {
		t.Fatalf("expected 800, got %d", got)
	}
	tr.Reset()
	if tr.Decoded() != 0 || len(tr.GetSourceCounts()) != 0 {
		t.Fatalf("expected reset to clear counters")
	}
}
