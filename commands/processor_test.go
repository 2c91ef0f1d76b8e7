package commands

import (
	"strings"
	"testing"
	"time"

	"github.com/szsz/endless-pools-controller/livelog"
	"github.com/szsz/endless-pools-controller/opcode"
	"github.com/szsz/endless-pools-controller/packet"
)

type fakeSession struct{ on bool }

func (s *fakeSession) SetFeed(on bool) { s.on = on }
func (s *fakeSession) Feed() bool      { return s.on }

func seededLog(t *testing.T, params ...uint16) *livelog.Log {
	t.Helper()
	l := livelog.New(livelog.Options{})
	for _, p := range params {
		raw, err := (&packet.Control{
			Header: packet.Header{MsgID: 1, Opcode: 0x24, Timestamp: time.Unix(1_700_000_000, 0)},
			Param:  p,
		}).MarshalBinary()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		l.Ingest(raw)
	}
	return l
}

func TestShowLogRendersNewestRows(t *testing.T) {
	p := NewProcessor(seededLog(t, 1, 2, 3, 4), opcode.Default(), nil, nil)
	resp := p.ProcessCommand("show/log 2")
	lines := strings.Split(strings.TrimSpace(resp), "\r\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), resp)
	}
	if !strings.Contains(lines[0], "param=3") || !strings.Contains(lines[1], "param=4") {
		t.Fatalf("expected rows 3 and 4 oldest first, got %q", resp)
	}
	if !strings.Contains(lines[1], "Set Pace") || !strings.Contains(lines[1], "2023-11-14 22:13:20") {
		t.Fatalf("expected command name and timestamp, got %q", lines[1])
	}
	if got := p.ProcessCommand("SH LOG"); strings.Count(got, "\r\n") != 4 {
		t.Fatalf("expected all 4 rows with default count, got %q", got)
	}
}

func TestShowLogValidation(t *testing.T) {
	p := NewProcessor(seededLog(t), nil, nil, nil)
	tests := []struct {
		cmd  string
		want string
	}{
		{cmd: "SHOW/LOG 0", want: "Invalid count"},
		{cmd: "SHOW/LOG 101", want: "Invalid count"},
		{cmd: "SHOW/LOG abc", want: "Invalid count"},
		{cmd: "SHOW/LOG", want: "No rows available"},
		{cmd: "SHOW", want: "Usage"},
		{cmd: "SHOW/NOPE", want: "Unknown SHOW subcommand: NOPE"},
		{cmd: "FROB", want: "Unknown command: FROB"},
	}
	for _, tc := range tests {
		t.Run(tc.cmd, func(t *testing.T) {
			if got := p.ProcessCommand(tc.cmd); !strings.Contains(got, tc.want) {
				t.Fatalf("expected %q in response, got %q", tc.want, got)
			}
		})
	}
}

func TestShowStats(t *testing.T) {
	l := seededLog(t, 1, 1, 2)
	l.Ingest(make([]byte, 50))
	p := NewProcessor(l, nil, func() []string { return []string{"By source: udp=4"} }, nil)
	resp := p.ProcessCommand("SHOW/STATS")
	for _, want := range []string{"rows=2/10,000", "decoded=3", "dropped=1", "By source: udp=4"} {
		if !strings.Contains(resp, want) {
			t.Fatalf("expected %q in %q", want, resp)
		}
	}
}

func TestShowOpcode(t *testing.T) {
	p := NewProcessor(nil, opcode.Default(), nil, nil)
	if got := p.ProcessCommand("SHOW/OPCODE 0x24"); got != "0x24 Set Pace\r\n" {
		t.Fatalf("unexpected numeric lookup %q", got)
	}
	if got := p.ProcessCommand("show/opcode stop"); got != "0x21 Stop\r\n" {
		t.Fatalf("unexpected name lookup %q", got)
	}
	if got := p.ProcessCommand("SHOW/OPCODE set pase"); !strings.HasPrefix(got, "0x24 Set Pace") {
		t.Fatalf("expected closest match first, got %q", got)
	}
	if got := NewProcessor(nil, nil, nil, nil).ProcessCommand("SHOW/OPCODE 24"); !strings.Contains(got, "No opcodes") {
		t.Fatalf("expected empty table response, got %q", got)
	}
}

func TestFeedToggle(t *testing.T) {
	p := NewProcessor(nil, nil, nil, nil)
	s := &fakeSession{}
	if got := p.ProcessCommandForClient("FEED ON", s); !s.on || !strings.Contains(got, "enabled") {
		t.Fatalf("expected feed enabled, got %q", got)
	}
	if got := p.ProcessCommandForClient("feed", s); got != "Feed is ON.\n" {
		t.Fatalf("unexpected feed status %q", got)
	}
	p.ProcessCommandForClient("FEED OFF", s)
	if s.on {
		t.Fatalf("expected feed disabled")
	}
	if got := p.ProcessCommand("FEED ON"); !strings.Contains(got, "interactive") {
		t.Fatalf("expected rejection without session, got %q", got)
	}
}

func TestByeAndHelp(t *testing.T) {
	p := NewProcessor(nil, nil, nil, nil)
	for _, cmd := range []string{"BYE", "quit", "Exit"} {
		if got := p.ProcessCommand(cmd); got != Bye {
			t.Fatalf("%s: expected Bye, got %q", cmd, got)
		}
	}
	if got := p.ProcessCommand("help"); !strings.Contains(got, "SHOW/LOG") {
		t.Fatalf("expected help text, got %q", got)
	}
	if got := p.ProcessCommand("   "); got != "" {
		t.Fatalf("expected empty response, got %q", got)
	}
}

var _ LogReader = (*livelog.Log)(nil)
