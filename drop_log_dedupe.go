package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/szsz/endless-pools-controller/ingest"
)

const (
	defaultDropLogDedupeMaxKeys = 512
)

// dropLogDeduper rate-limits repeated drop lines: the first line for a key
// passes, repeats inside the window are counted, and the next line after the
// window carries the suppressed count. A nil deduper passes everything.
type dropLogDeduper struct {
	mu      sync.Mutex
	window  time.Duration
	maxKeys int
	now     func() time.Time
	entries map[string]dropLogDedupeEntry
}

type dropLogDedupeEntry struct {
	nextEmit   time.Time
	lastSeen   time.Time
	suppressed uint64
}

func newDropLogDeduper(window time.Duration, maxKeys int) *dropLogDeduper {
	if window <= 0 || maxKeys <= 0 {
		return nil
	}
	return &dropLogDeduper{
		window:  window,
		maxKeys: maxKeys,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]dropLogDedupeEntry, maxKeys),
	}
}

func (d *dropLogDeduper) Process(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	if d == nil {
		return line, true
	}
	key, ok := dropLogDedupeKey(line)
	if !ok {
		return line, true
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, found := d.entries[key]
	if !found {
		d.evictOneIfNeededLocked()
		d.entries[key] = dropLogDedupeEntry{
			nextEmit: now.Add(d.window),
			lastSeen: now,
		}
		return line, true
	}
	entry.lastSeen = now
	if now.Before(entry.nextEmit) {
		entry.suppressed++
		d.entries[key] = entry
		return "", false
	}
	suppressed := entry.suppressed
	entry.suppressed = 0
	entry.nextEmit = now.Add(d.window)
	d.entries[key] = entry
	if suppressed > 0 {
		line = fmt.Sprintf("%s (suppressed=%d over %s)", line, suppressed, d.window)
	}
	return line, true
}

func (d *dropLogDeduper) evictOneIfNeededLocked() {
	if d == nil || d.maxKeys <= 0 {
		return
	}
	if len(d.entries) < d.maxKeys {
		return
	}
	var oldestKey string
	var oldestSeen time.Time
	haveOldest := false
	for key, entry := range d.entries {
		if !haveOldest || entry.lastSeen.Before(oldestSeen) {
			oldestKey = key
			oldestSeen = entry.lastSeen
			haveOldest = true
		}
	}
	if haveOldest {
		delete(d.entries, oldestKey)
	}
}

// formatDropLine renders the log line for a datagram of unrecognized
// length.
func formatDropLine(d ingest.Datagram) string {
	line := fmt.Sprintf("Drop: unrecognized length=%d source=%s/%s", len(d.Payload), d.Source, d.Name)
	if d.Remote != "" {
		line += " remote=" + d.Remote
	}
	return line
}

// dropLogDedupeKey groups drop lines by source and length; the remote
// address and payload are not part of the key.
func dropLogDedupeKey(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 || fields[0] != "Drop:" {
		return "", false
	}
	var length, source string
	for _, field := range fields[2:] {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "length":
			length = value
		case "source":
			source = strings.ToLower(value)
		}
	}
	if length == "" || source == "" {
		return "", false
	}
	return "drop:" + fields[1] + ":" + source + ":" + length, true
}
