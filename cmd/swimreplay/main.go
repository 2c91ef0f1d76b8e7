// Command swimreplay feeds recorded datagrams through a fresh live log and
// prints the aggregated rows. Input is either a capture database written by
// the recorder (-db) or a text file with one datagram per line (-hex), each
// line holding hex bytes or a {"packet":"<HEX>"} envelope.
package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/szsz/endless-pools-controller/buffer"
	"github.com/szsz/endless-pools-controller/ingest"
	"github.com/szsz/endless-pools-controller/livelog"
	"github.com/szsz/endless-pools-controller/opcode"
	"github.com/szsz/endless-pools-controller/recorder"
)

type replayOptions struct {
	capacity int
	opcodes  *opcode.Table
	loc      *time.Location
	last     int
	hex      bool
}

func main() {
	dbPath := flag.String("db", "", "Capture database written by the recorder")
	hexPath := flag.String("hex", "", "Text file with one hex datagram (or JSON envelope) per line; - reads stdin")
	limit := flag.Int("limit", 0, "Maximum captures to read from -db (0 = all)")
	capacity := flag.Int("capacity", buffer.DefaultCapacity, "Live log capacity")
	opcodePath := flag.String("opcodes", "", "Opcode table (CSV or plist); empty uses the built-in table")
	decimal := flag.Bool("decimal", false, "Read bare opcode values as decimal")
	tz := flag.String("tz", "UTC", "Time zone for row timestamps")
	last := flag.Int("last", 0, "Print only the newest N rows (0 = all)")
	showHex := flag.Bool("show_hex", false, "Print the representative payload under each row")
	flag.Parse()

	if (*dbPath == "") == (*hexPath == "") {
		log.Fatalf("exactly one of -db or -hex is required")
	}
	loc, err := time.LoadLocation(*tz)
	if err != nil {
		log.Fatalf("invalid -tz: %v", err)
	}
	table := opcode.Default()
	if *opcodePath != "" {
		loaded, report, err := opcode.LoadFile(*opcodePath, opcode.ParseOptions{Decimal: *decimal})
		if err != nil {
			log.Fatalf("opcodes: %v", err)
		}
		log.Printf("Opcodes: %s", report)
		table = loaded
	}

	var payloads [][]byte
	if *dbPath != "" {
		captures, err := recorder.Load(*dbPath, *limit)
		if err != nil {
			log.Fatalf("%v", err)
		}
		for _, c := range captures {
			payloads = append(payloads, c.Datagram().Payload)
		}
		log.Printf("Loaded %s captures from %s", humanize.Comma(int64(len(captures))), *dbPath)
	} else {
		in := io.Reader(os.Stdin)
		if *hexPath != "-" {
			f, err := os.Open(*hexPath)
			if err != nil {
				log.Fatalf("open: %v", err)
			}
			defer f.Close()
			in = f
		}
		var skipped int
		payloads, skipped, err = readHexLines(in)
		if err != nil {
			log.Fatalf("read %s: %v", *hexPath, err)
		}
		log.Printf("Loaded %s datagrams (%d lines skipped)", humanize.Comma(int64(len(payloads))), skipped)
	}

	opts := replayOptions{capacity: *capacity, opcodes: table, loc: loc, last: *last, hex: *showHex}
	if err := replay(os.Stdout, payloads, opts); err != nil {
		log.Fatalf("%v", err)
	}
}

// readHexLines parses one datagram per line. Blank lines and lines starting
// with '#' are ignored; undecodable lines are counted and skipped.
func readHexLines(r io.Reader) ([][]byte, int, error) {
	var out [][]byte
	skipped := 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var raw []byte
		var err error
		if strings.HasPrefix(line, "{") {
			raw, err = ingest.DecodeEnvelope([]byte(line))
		} else {
			raw, err = hex.DecodeString(strings.Join(strings.Fields(line), ""))
		}
		if err != nil {
			skipped++
			continue
		}
		out = append(out, raw)
	}
	return out, skipped, scanner.Err()
}

// replay ingests payloads in order, flushes the open row and writes the rows
// followed by a summary line.
func replay(w io.Writer, payloads [][]byte, opts replayOptions) error {
	l := livelog.New(livelog.Options{Opcodes: opts.opcodes, Capacity: opts.capacity})
	for _, p := range payloads {
		l.Ingest(p)
	}
	l.Flush()

	n := -1
	if opts.last > 0 {
		n = opts.last
	}
	for _, row := range l.Recent(n) {
		v := row.View(opts.loc)
		if _, err := fmt.Fprintln(w, v.Line()); err != nil {
			return err
		}
		if opts.hex {
			if _, err := fmt.Fprintf(w, "        %s\n", v.Hex); err != nil {
				return err
			}
		}
	}
	st := l.Stats()
	_, err := fmt.Fprintf(w, "-- %s datagrams: %s decoded, %s unrecognized, %s rows (%s evicted)\n",
		humanize.Comma(int64(len(payloads))), humanize.Comma(int64(st.Decoded)), humanize.Comma(int64(st.Dropped)),
		humanize.Comma(int64(st.Closed)), humanize.Comma(int64(st.Evicted)))
	return err
}
