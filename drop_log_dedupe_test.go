package main

import (
	"strings"
	"testing"
	"time"

	"github.com/szsz/endless-pools-controller/ingest"
)

func TestDropLogDedupeKey(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
		ok   bool
	}{
		{
			name: "udp drop",
			line: "Drop: unrecognized length=50 source=udp/control remote=10.0.0.5:9750",
			want: "drop:unrecognized:udp/control:50",
			ok:   true,
		},
		{
			name: "sse drop without remote",
			line: "Drop: unrecognized length=12 source=SSE/events",
			want: "drop:unrecognized:sse/events:12",
			ok:   true,
		},
		{
			name: "missing length",
			line: "Drop: unrecognized source=udp/control remote=x",
			ok:   false,
		},
		{
			name: "other line",
			line: "Telnet client 127.0.0.1:5000 connected (total: 1)",
			ok:   false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := dropLogDedupeKey(tc.line)
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v (key=%q)", tc.ok, ok, got)
			}
			if tc.ok && got != tc.want {
				t.Fatalf("expected key %q, got %q", tc.want, got)
			}
		})
	}
}

func TestFormatDropLineRoundTripsKey(t *testing.T) {
	line := formatDropLine(ingest.Datagram{
		Source:  ingest.SourceUDP,
		Name:    "status",
		Remote:  "192.168.1.20:45654",
		Payload: make([]byte, 50),
	})
	if line != "Drop: unrecognized length=50 source=udp/status remote=192.168.1.20:45654" {
		t.Fatalf("unexpected drop line %q", line)
	}
	if key, ok := dropLogDedupeKey(line); !ok || key != "drop:unrecognized:udp/status:50" {
		t.Fatalf("unexpected key %q ok=%v", key, ok)
	}
}

func TestDropLogDeduperSuppressesWithinWindow(t *testing.T) {
	now := time.Date(2026, 2, 6, 0, 0, 0, 0, time.UTC)
	d := newDropLogDeduper(10*time.Second, 16)
	if d == nil {
		t.Fatal("expected deduper")
	}
	d.now = func() time.Time { return now }

	line := "Drop: unrecognized length=50 source=udp/control remote=10.0.0.5:1"
	out, ok := d.Process(line)
	if !ok || out != line {
		t.Fatalf("expected first line to pass through, got ok=%v out=%q", ok, out)
	}

	// A different remote still collapses onto the same key.
	out, ok = d.Process("Drop: unrecognized length=50 source=udp/control remote=10.0.0.6:2")
	if ok || out != "" {
		t.Fatalf("expected second line to be suppressed, got ok=%v out=%q", ok, out)
	}

	now = now.Add(11 * time.Second)
	out, ok = d.Process(line)
	if !ok {
		t.Fatalf("expected line after window, got suppressed")
	}
	if !strings.Contains(out, "suppressed=1") {
		t.Fatalf("expected suppression summary, got %q", out)
	}
}

func TestDropLogDeduperPassesUnkeyedLines(t *testing.T) {
	d := newDropLogDeduper(time.Minute, 4)
	for i := 0; i < 3; i++ {
		if out, ok := d.Process("SSE events: connected"); !ok || out != "SSE events: connected" {
			t.Fatalf("expected unkeyed line to pass, got ok=%v out=%q", ok, out)
		}
	}
	if newDropLogDeduper(0, 4) != nil {
		t.Fatalf("expected zero window to disable the deduper")
	}
	var disabled *dropLogDeduper
	if out, ok := disabled.Process(" x "); !ok || out != "x" {
		t.Fatalf("expected nil deduper to pass trimmed line, got ok=%v out=%q", ok, out)
	}
}

func TestDropLogDeduperEvictsOldestKey(t *testing.T) {
	now := time.Date(2026, 2, 6, 0, 0, 0, 0, time.UTC)
	d := newDropLogDeduper(30*time.Second, 2)
	if d == nil {
		t.Fatal("expected deduper")
	}
	d.now = func() time.Time { return now }

	for _, length := range []string{"10", "20", "30"} {
		if _, ok := d.Process("Drop: unrecognized length=" + length + " source=udp/control"); !ok {
			t.Fatalf("expected length %s to pass", length)
		}
		now = now.Add(time.Second)
	}

	if len(d.entries) != 2 {
		t.Fatalf("expected 2 entries after eviction, got %d", len(d.entries))
	}
	if _, ok := d.entries["drop:unrecognized:udp/control:10"]; ok {
		t.Fatalf("expected oldest key to be evicted")
	}
}
