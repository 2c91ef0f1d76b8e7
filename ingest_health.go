package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/szsz/endless-pools-controller/ingest"
)

const ingestHealthLogPrefix = "Ingest Health: "

// ingestHealthSource pairs a display name with a source's health snapshot.
type ingestHealthSource struct {
	name     string
	snapshot func() ingest.Health
}

type ingestHealthState struct {
	connected   bool
	idle        bool
	initialized bool
}

// ingestHealthMonitor logs connected/idle transitions per source. The pool
// is silent while nobody swims, so idle alone is not an error.
type ingestHealthMonitor struct {
	sources       []ingestHealthSource
	idleThreshold time.Duration
	states        map[string]ingestHealthState
}

func newIngestHealthMonitor(sources []ingestHealthSource, idleThreshold time.Duration) *ingestHealthMonitor {
	if idleThreshold <= 0 {
		idleThreshold = 2 * time.Minute
	}
	return &ingestHealthMonitor{
		sources:       sources,
		idleThreshold: idleThreshold,
		states:        make(map[string]ingestHealthState, len(sources)),
	}
}

// Purpose: Periodically log ingest health transitions with low noise.
// Key aspects: Reports only on connected/idle state changes.
// Upstream: main startup after ingest sources are created.
// Downstream: ingestHealthMonitor.check.
func (m *ingestHealthMonitor) run(ctx context.Context, interval time.Duration) {
	if len(m.sources) == 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, line := range m.check(time.Now().UTC()) {
				log.Print(ingestHealthLogPrefix + line)
			}
		}
	}
}

// check returns one line per source whose state changed since the last call.
func (m *ingestHealthMonitor) check(now time.Time) []string {
	var lines []string
	for _, source := range m.sources {
		if source.snapshot == nil {
			continue
		}
		snap := source.snapshot()
		idle := ingestIsIdle(snap, now, m.idleThreshold)
		state := m.states[source.name]
		if state.initialized && state.connected == snap.Connected && state.idle == idle {
			continue
		}
		lines = append(lines, formatIngestHealthLine(source.name, snap, idle, now))
		m.states[source.name] = ingestHealthState{connected: snap.Connected, idle: idle, initialized: true}
	}
	return lines
}

func ingestIsIdle(snap ingest.Health, now time.Time, threshold time.Duration) bool {
	if snap.LastDatagramAt.IsZero() {
		return true
	}
	return now.Sub(snap.LastDatagramAt) > threshold
}

func formatIngestHealthLine(name string, snap ingest.Health, idle bool, now time.Time) string {
	status := "connected"
	if !snap.Connected {
		status = "disconnected"
	}
	state := "active"
	if idle {
		state = "idle"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s last=%s received=%d", name, status, state, ageString(now, snap.LastDatagramAt), snap.Received)
	if snap.QueueCap > 0 {
		fmt.Fprintf(&b, " queue=%d/%d", snap.QueueLen, snap.QueueCap)
	}
	var drops []string
	if snap.Dropped > 0 {
		drops = append(drops, fmt.Sprintf("queue=%d", snap.Dropped))
	}
	if snap.ParseErrors > 0 {
		drops = append(drops, fmt.Sprintf("parse=%d", snap.ParseErrors))
	}
	if len(drops) > 0 {
		b.WriteString(" drops=")
		b.WriteString(strings.Join(drops, ","))
	}
	if !snap.LastErrorAt.IsZero() {
		b.WriteString(" last_err=")
		b.WriteString(ageString(now, snap.LastErrorAt))
	}
	return b.String()
}

func ageString(now time.Time, at time.Time) string {
	if at.IsZero() {
		return "never"
	}
	age := now.Sub(at)
	if age < time.Second {
		return "0s"
	}
	return age.Truncate(time.Second).String()
}
