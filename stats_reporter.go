package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/szsz/endless-pools-controller/livelog"
	"github.com/szsz/endless-pools-controller/recorder"
	"github.com/szsz/endless-pools-controller/stats"
	"github.com/szsz/endless-pools-controller/telnet"
)

// statsReporter renders the periodic status block. Per-interval deltas are
// computed against the previous call, so lines is not safe for concurrent
// use.
type statsReporter struct {
	tracker  *stats.Tracker
	log      *livelog.Log
	recorder *recorder.Recorder
	telnet   *telnet.Server
	sources  []ingestHealthSource
	prev     map[string]uint64
}

// Purpose: Emit the status block every interval.
// Key aspects: With a dashboard the block goes to the stats pane and only the
// file log; headless it is logged line by line.
// Upstream: main.
// Downstream: statsReporter.lines, dashboard.SetStats.
func (r *statsReporter) run(ctx context.Context, interval time.Duration, dash *dashboard, fanout *logFanout) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lines := r.lines()
			if dash == nil {
				for _, line := range lines {
					log.Print(line)
				}
				continue
			}
			dash.SetStats(lines)
			now := time.Now().UTC()
			for _, line := range lines {
				fanout.WriteFileOnlyLine(line, now)
			}
		}
	}
}

func (r *statsReporter) lines() []string {
	decoded, dropped := r.tracker.Decoded(), r.tracker.Dropped()
	lines := []string{
		fmt.Sprintf("Uptime %s | decoded %s (+%s) | dropped %s (+%s)",
			formatUptime(r.tracker.GetUptime()),
			humanize.Comma(int64(decoded)), humanize.Comma(int64(r.delta("decoded", decoded))),
			humanize.Comma(int64(dropped)), humanize.Comma(int64(r.delta("dropped", dropped)))),
	}

	st := r.log.Stats()
	logLine := fmt.Sprintf("Log: rows %s/%s | closed %s | evicted %s",
		humanize.Comma(int64(st.Rows)), humanize.Comma(int64(st.Capacity)),
		humanize.Comma(int64(st.Closed)), humanize.Comma(int64(st.Evicted)))
	if open, ok := r.log.Open(); ok {
		v := open.View(time.UTC)
		logLine += fmt.Sprintf(" | open #%s x%d %s", v.Span(), v.Count, v.Command)
	}
	lines = append(lines, logLine)

	if len(r.sources) > 0 {
		parts := make([]string, 0, len(r.sources))
		for _, source := range r.sources {
			h := source.snapshot()
			state := "up"
			if !h.Connected {
				state = "down"
			}
			parts = append(parts, fmt.Sprintf("%s %s %s", source.name, state, humanize.Comma(int64(h.Received))))
		}
		lines = append(lines, "Sources: "+strings.Join(parts, " | "))
	}

	if r.telnet != nil {
		lineDrops, senderFailures := r.telnet.DropSnapshot()
		lines = append(lines, fmt.Sprintf("Telnet: %d clients | line drops %s | sender failures %s",
			r.telnet.GetClientCount(), humanize.Comma(int64(lineDrops)), humanize.Comma(int64(senderFailures))))
	}

	if r.recorder != nil {
		rs := r.recorder.Stats()
		line := fmt.Sprintf("Recorder: written %s | duplicates %s | over limit %s | dropped %s | errors %s",
			humanize.Comma(int64(rs.Written)), humanize.Comma(int64(rs.Duplicates)),
			humanize.Comma(int64(rs.OverLimit)), humanize.Comma(int64(rs.Dropped)), humanize.Comma(int64(rs.Errors)))
		if info, err := os.Stat(r.recorder.Path()); err == nil {
			line += " | " + humanize.Bytes(uint64(info.Size()))
		}
		lines = append(lines, line)
	}

	snapshot := r.tracker.SnapshotLines()
	// The first tracker line repeats the totals above.
	if len(snapshot) > 1 {
		lines = append(lines, snapshot[1:]...)
	}
	return lines
}

func (r *statsReporter) delta(key string, current uint64) uint64 {
	prev := r.prev[key]
	r.prev[key] = current
	if current < prev {
		return current
	}
	return current - prev
}

func formatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	if days > 0 {
		return fmt.Sprintf("%dd%s", days, d)
	}
	return d.String()
}
