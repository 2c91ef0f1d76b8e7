// Package commands implements the small command set available to telnet
// sessions: HELP, SHOW/LOG, SHOW/STATS, SHOW/OPCODE, FEED and BYE. It reads
// shared state through narrow interfaces so the telnet layer stays thin.
package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/szsz/endless-pools-controller/aggregate"
	"github.com/szsz/endless-pools-controller/livelog"
	"github.com/szsz/endless-pools-controller/opcode"
)

// Bye is returned by ProcessCommand when the session should be closed.
const Bye = "BYE"

const (
	defaultLogCount = 10
	maxLogCount     = 100
	opcodeMatches   = 3
)

// LogReader is the read side of the live log.
type LogReader interface {
	Recent(n int) []aggregate.Row
	Stats() livelog.Stats
}

// Session is the per-client state commands may change.
type Session interface {
	SetFeed(on bool)
	Feed() bool
}

// Processor handles command parsing and replies that rely on shared state.
type Processor struct {
	log        LogReader
	opcodes    *opcode.Table
	statsLines func() []string
	loc        *time.Location
}

// NewProcessor builds a processor. statsLines may be nil; loc selects the
// zone row timestamps are rendered in (UTC when nil).
func NewProcessor(log LogReader, opcodes *opcode.Table, statsLines func() []string, loc *time.Location) *Processor {
	if loc == nil {
		loc = time.UTC
	}
	return &Processor{log: log, opcodes: opcodes, statsLines: statsLines, loc: loc}
}

// ProcessCommand runs cmd without session state (FEED is rejected).
func (p *Processor) ProcessCommand(cmd string) string {
	return p.ProcessCommandForClient(cmd, nil)
}

// ProcessCommandForClient parses a single command and returns the response
// text. A response of Bye signals the caller to close the session.
func (p *Processor) ProcessCommandForClient(cmd string, session Session) string {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return ""
	}
	// SHOW/LOG and SHOW LOG are the same command.
	parts := strings.Fields(strings.ReplaceAll(strings.ToUpper(cmd), "/", " "))
	command := parts[0]

	switch command {
	case "HELP", "H", "?":
		return p.handleHelp()
	case "SH", "SHOW":
		return p.handleShow(parts[1:])
	case "FEED":
		return p.handleFeed(parts[1:], session)
	case "BYE", "QUIT", "EXIT":
		return Bye
	default:
		return fmt.Sprintf("Unknown command: %s\nType HELP for available commands.\n", command)
	}
}

func (p *Processor) handleHelp() string {
	return `Available commands:
HELP                      - Show this help
SHOW/LOG [count]          - Show the last N log rows (default: 10, max 100)
SHOW/STATS                - Show packet and log counters
SHOW/OPCODE <value|name>  - Look up a command byte or name
FEED ON|OFF               - Start or stop the live row feed
BYE                       - Disconnect
`
}

func (p *Processor) handleShow(args []string) string {
	if len(args) == 0 {
		return "Usage: SHOW/LOG [count] | SHOW/STATS | SHOW/OPCODE <value|name>\n"
	}
	switch args[0] {
	case "LOG", "L":
		return p.handleShowLog(args[1:])
	case "STATS", "ST":
		return p.handleShowStats()
	case "OPCODE", "OP":
		return p.handleShowOpcode(args[1:])
	default:
		return fmt.Sprintf("Unknown SHOW subcommand: %s\n", args[0])
	}
}

// handleShowLog renders the newest rows, oldest first so the open row is last.
func (p *Processor) handleShowLog(args []string) string {
	count := defaultLogCount
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 || n > maxLogCount {
			return fmt.Sprintf("Invalid count. Use 1-%d.\n", maxLogCount)
		}
		count = n
	}
	if p.log == nil {
		return "No rows available.\n"
	}
	rows := p.log.Recent(count)
	if len(rows) == 0 {
		return "No rows available.\n"
	}
	var b strings.Builder
	for i := range rows {
		b.WriteString(rows[i].View(p.loc).Line())
		b.WriteString("\r\n")
	}
	return b.String()
}

func (p *Processor) handleShowStats() string {
	var b strings.Builder
	if p.log != nil {
		st := p.log.Stats()
		fmt.Fprintf(&b, "Log: rows=%s/%s closed=%s evicted=%s\r\n",
			humanize.Comma(int64(st.Rows)), humanize.Comma(int64(st.Capacity)),
			humanize.Comma(int64(st.Closed)), humanize.Comma(int64(st.Evicted)))
		fmt.Fprintf(&b, "Packets: decoded=%s dropped=%s feed_drops=%s subscribers=%d\r\n",
			humanize.Comma(int64(st.Decoded)), humanize.Comma(int64(st.Dropped)),
			humanize.Comma(int64(st.SubscriberDrops)), st.Subscribers)
	}
	if p.statsLines != nil {
		for _, line := range p.statsLines() {
			b.WriteString(line)
			b.WriteString("\r\n")
		}
	}
	if b.Len() == 0 {
		return "No statistics available.\n"
	}
	return b.String()
}

func (p *Processor) handleShowOpcode(args []string) string {
	if len(args) == 0 {
		return "Usage: SHOW/OPCODE <value|name>\n"
	}
	matches := p.opcodes.Find(strings.Join(args, " "), opcodeMatches)
	if len(matches) == 0 {
		return "No opcodes loaded.\n"
	}
	var b strings.Builder
	for _, e := range matches {
		b.WriteString(e.Label())
		b.WriteString("\r\n")
	}
	return b.String()
}

func (p *Processor) handleFeed(args []string, session Session) string {
	if session == nil {
		return "FEED is only available on interactive sessions.\n"
	}
	if len(args) == 0 {
		if session.Feed() {
			return "Feed is ON.\n"
		}
		return "Feed is OFF.\n"
	}
	switch args[0] {
	case "ON":
		session.SetFeed(true)
		return "Feed enabled.\n"
	case "OFF":
		session.SetFeed(false)
		return "Feed disabled.\n"
	default:
		return "Usage: FEED ON|OFF\n"
	}
}
