package main

import (
	"bytes"
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/szsz/endless-pools-controller/ingest"
	"github.com/szsz/endless-pools-controller/opcode"
	"github.com/szsz/endless-pools-controller/packet"
	"github.com/szsz/endless-pools-controller/recorder"
)

func controlBytes(t *testing.T, op uint8, param uint16) []byte {
	t.Helper()
	raw, err := (&packet.Control{
		Header: packet.Header{MsgID: 0x01, Opcode: op, Timestamp: time.Unix(1_700_000_000, 0)},
		Param:  param,
	}).MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestReadHexLines(t *testing.T) {
	stop := hex.EncodeToString(controlBytes(t, 0x21, 0))
	spaced := strings.ToUpper(stop[:20]) + " " + stop[20:]
	input := strings.Join([]string{
		"# capture from lane 1",
		"",
		stop,
		spaced,
		`{"packet":"` + strings.ToUpper(stop) + `"}`,
		"zz-not-hex",
		`{"packet":`,
	}, "\n")

	payloads, skipped, err := readHexLines(strings.NewReader(input))
	if err != nil {
		t.Fatalf("readHexLines: %v", err)
	}
	if len(payloads) != 3 {
		t.Fatalf("expected 3 payloads, got %d", len(payloads))
	}
	if skipped != 2 {
		t.Fatalf("expected 2 skipped lines, got %d", skipped)
	}
	for i, p := range payloads {
		if len(p) != packet.ControlSize {
			t.Fatalf("payload %d: expected %d bytes, got %d", i, packet.ControlSize, len(p))
		}
	}
}

func TestReplayAggregatesAndSummarizes(t *testing.T) {
	payloads := [][]byte{
		controlBytes(t, 0x21, 0),
		controlBytes(t, 0x21, 0),
		make([]byte, 50),
		controlBytes(t, 0x24, 7),
	}
	var out bytes.Buffer
	opts := replayOptions{capacity: 10, opcodes: opcode.Default(), loc: time.UTC}
	if err := replay(&out, payloads, opts); err != nil {
		t.Fatalf("replay: %v", err)
	}
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 2 rows and a summary, got %q", lines)
	}
	if !strings.HasPrefix(lines[0], "#0") || !strings.Contains(lines[0], "x2") || !strings.Contains(lines[0], "Stop") {
		t.Fatalf("unexpected first row %q", lines[0])
	}
	if !strings.Contains(lines[1], "Set Pace") || !strings.Contains(lines[1], "param=7") {
		t.Fatalf("unexpected second row %q", lines[1])
	}
	if want := "-- 4 datagrams: 3 decoded, 1 unrecognized, 2 rows (0 evicted)"; lines[2] != want {
		t.Fatalf("summary = %q, want %q", lines[2], want)
	}
}

func TestReplayLastLimitsRows(t *testing.T) {
	payloads := [][]byte{controlBytes(t, 0x21, 0), controlBytes(t, 0x24, 1), controlBytes(t, 0x24, 2)}
	var out bytes.Buffer
	opts := replayOptions{capacity: 10, opcodes: opcode.Default(), loc: time.UTC, last: 1, hex: true}
	if err := replay(&out, payloads, opts); err != nil {
		t.Fatalf("replay: %v", err)
	}
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected one row, its hex and a summary, got %q", lines)
	}
	if !strings.Contains(lines[0], "param=2") {
		t.Fatalf("expected newest row, got %q", lines[0])
	}
	if strings.TrimSpace(lines[1]) != hex.EncodeToString(payloads[2]) {
		t.Fatalf("unexpected hex line %q", lines[1])
	}
}

func TestReplayFromRecorderCaptures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packets.db")
	rec, err := recorder.Open(recorder.Options{Path: path, PerOpcodeLimit: 5})
	if err != nil {
		t.Fatalf("open recorder: %v", err)
	}
	for _, param := range []uint16{1, 2} {
		rec.Record(ingest.Datagram{Source: ingest.SourceUDP, Name: "control", Payload: controlBytes(t, 0x24, param), Received: time.Now()})
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("close recorder: %v", err)
	}

	captures, err := recorder.Load(path, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	payloads := make([][]byte, 0, len(captures))
	for _, c := range captures {
		payloads = append(payloads, c.Datagram().Payload)
	}
	var out bytes.Buffer
	if err := replay(&out, payloads, replayOptions{capacity: 10, opcodes: opcode.Default(), loc: time.UTC}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !strings.Contains(out.String(), "-- 2 datagrams: 2 decoded, 0 unrecognized, 2 rows") {
		t.Fatalf("unexpected replay output %q", out.String())
	}
}
