package main

import (
	"strings"
	"testing"
	"time"

	"github.com/szsz/endless-pools-controller/ingest"
)

func TestIngestHealthMonitorReportsTransitionsOnly(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	snap := ingest.Health{Connected: true, LastDatagramAt: now.Add(-5 * time.Second), Received: 12, QueueCap: 64}
	m := newIngestHealthMonitor([]ingestHealthSource{
		{name: "udp/status", snapshot: func() ingest.Health { return snap }},
	}, time.Minute)

	lines := m.check(now)
	if len(lines) != 1 || lines[0] != "udp/status connected active last=5s received=12 queue=0/64" {
		t.Fatalf("unexpected first report %q", lines)
	}
	if lines := m.check(now.Add(10 * time.Second)); len(lines) != 0 {
		t.Fatalf("expected no report without a transition, got %q", lines)
	}

	if lines := m.check(now.Add(2 * time.Minute)); len(lines) != 1 || !strings.Contains(lines[0], "connected idle") {
		t.Fatalf("expected idle transition, got %q", lines)
	}

	snap.Connected = false
	snap.Dropped = 3
	snap.ParseErrors = 1
	snap.LastErrorAt = now
	lines = m.check(now.Add(2 * time.Minute))
	if len(lines) != 1 {
		t.Fatalf("expected disconnect transition, got %q", lines)
	}
	for _, want := range []string{"disconnected idle", "drops=queue=3,parse=1", "last_err=2m0s"} {
		if !strings.Contains(lines[0], want) {
			t.Fatalf("expected %q in %q", want, lines[0])
		}
	}
}

func TestIngestIsIdleWithoutTraffic(t *testing.T) {
	if !ingestIsIdle(ingest.Health{Connected: true}, time.Now(), time.Minute) {
		t.Fatalf("expected a source that never delivered to be idle")
	}
	if got := ageString(time.Now(), time.Time{}); got != "never" {
		t.Fatalf("expected never, got %q", got)
	}
}
