// Package opcode loads the command-byte name table used to label decoded
// telemetry packets. Tables are built once at startup and are read-only
// afterwards, so a *Table can be shared freely between goroutines.
package opcode

import (
	"bufio"
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	lev "github.com/agnivade/levenshtein"
	"howett.net/plist"
)

// Unknown is the name reported for opcodes that are absent from the table.
const Unknown = "unknown"

//go:embed commands.csv
var defaultCSV []byte

// Entry is a single value/name pair.
type Entry struct {
	Value uint8
	Name  string
}

// Label renders the entry as "0x24 Set Pace".
func (e Entry) Label() string {
	return fmt.Sprintf("0x%02X %s", e.Value, e.Name)
}

// Table maps command bytes to human-readable names.
type Table struct {
	names map[uint8]string
}

// ParseOptions controls how bare numeric values are read.
type ParseOptions struct {
	// Decimal reads values without a 0x prefix as base 10. The device's own
	// command list uses bare hex ("0a", "24"), which is the default.
	Decimal bool
}

// LoadReport summarizes a table load.
type LoadReport struct {
	Source  string
	Loaded  int
	Skipped int
}

func (r LoadReport) String() string {
	return fmt.Sprintf("%s: %d opcodes (%d lines skipped)", r.Source, r.Loaded, r.Skipped)
}

// Default returns the built-in device command table.
func Default() *Table {
	table, _ := Parse(bytes.NewReader(defaultCSV), ParseOptions{})
	return table
}

// Parse reads a two-column table ("value,name" or "value;name"). Malformed
// lines are skipped and counted; Parse itself never fails, an empty or fully
// malformed input yields an empty table where every lookup is Unknown.
func Parse(r io.Reader, opts ParseOptions) (*Table, LoadReport) {
	table := &Table{names: make(map[uint8]string)}
	report := LoadReport{Source: "csv"}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		value, name, ok := parseLine(line, opts)
		if !ok {
			report.Skipped++
			continue
		}
		table.names[value] = name
	}
	// A read error mid-stream keeps whatever was parsed so far.
	report.Loaded = len(table.names)
	return table, report
}

func parseLine(line string, opts ParseOptions) (uint8, string, bool) {
	idx := strings.IndexAny(line, ",;")
	if idx <= 0 {
		return 0, "", false
	}
	rawValue := strings.TrimSpace(line[:idx])
	name := strings.TrimSpace(line[idx+1:])
	// Only the first two columns matter; trailing columns are ignored.
	if cut := strings.IndexAny(name, ",;"); cut >= 0 {
		name = strings.TrimSpace(name[:cut])
	}
	if name == "" {
		return 0, "", false
	}
	value, ok := parseValue(rawValue, opts.Decimal)
	if !ok {
		return 0, "", false
	}
	return value, name, true
}

func parseValue(raw string, decimal bool) (uint8, bool) {
	base := 16
	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "0x"):
		lower = lower[2:]
	case decimal:
		base = 10
	}
	if lower == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(lower, base, 8)
	if err != nil {
		return 0, false
	}
	return uint8(v), true
}

// LoadFile loads a table from disk. Files ending in .plist are read as a
// dictionary of value strings to names; anything else is parsed as CSV.
func LoadFile(path string, opts ParseOptions) (*Table, LoadReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, LoadReport{Source: path}, fmt.Errorf("opcode: read %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".plist") {
		table, report, err := parsePlist(data, opts)
		report.Source = path
		return table, report, err
	}
	table, report := Parse(bytes.NewReader(data), opts)
	report.Source = path
	return table, report, nil
}

func parsePlist(data []byte, opts ParseOptions) (*Table, LoadReport, error) {
	var raw map[string]interface{}
	if _, err := plist.Unmarshal(data, &raw); err != nil {
		return nil, LoadReport{}, fmt.Errorf("opcode: parse plist: %w", err)
	}
	table := &Table{names: make(map[uint8]string, len(raw))}
	var report LoadReport
	for key, v := range raw {
		name, ok := v.(string)
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			report.Skipped++
			continue
		}
		value, ok := parseValue(strings.TrimSpace(key), opts.Decimal)
		if !ok {
			report.Skipped++
			continue
		}
		table.names[value] = name
	}
	report.Loaded = len(table.names)
	return table, report, nil
}

// Lookup returns the configured name for op, or Unknown.
func (t *Table) Lookup(op uint8) string {
	if t == nil {
		return Unknown
	}
	if name, ok := t.names[op]; ok {
		return name
	}
	return Unknown
}

// Len returns the number of named opcodes.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.names)
}

// Entries returns all entries ordered by value.
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	out := make([]Entry, 0, len(t.names))
	for value, name := range t.names {
		out = append(out, Entry{Value: value, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

// Find resolves a query typed by an operator. A numeric query ("0x24", "24")
// or an exact (case-insensitive) name returns that single entry; otherwise up
// to limit entries are returned ordered by edit distance to the query.
func (t *Table) Find(query string, limit int) []Entry {
	query = strings.TrimSpace(query)
	if t == nil || query == "" {
		return nil
	}
	if value, ok := parseValue(query, false); ok {
		if name, found := t.names[value]; found {
			return []Entry{{Value: value, Name: name}}
		}
	}
	entries := t.Entries()
	needle := strings.ToLower(query)
	for _, e := range entries {
		if strings.ToLower(e.Name) == needle {
			return []Entry{e}
		}
	}
	if limit <= 0 {
		limit = 3
	}
	type scored struct {
		entry Entry
		dist  int
	}
	ranked := make([]scored, 0, len(entries))
	for _, e := range entries {
		ranked = append(ranked, scored{entry: e, dist: lev.ComputeDistance(needle, strings.ToLower(e.Name))})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].dist < ranked[j].dist })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]Entry, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.entry)
	}
	return out
}
