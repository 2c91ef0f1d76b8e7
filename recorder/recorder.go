// Package recorder captures a bounded number of raw datagrams per opcode to
// SQLite so unusual traffic can be replayed offline without slowing the live
// pipeline. It stores datagrams, not aggregated rows.
package recorder

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/szsz/endless-pools-controller/ingest"
	"github.com/szsz/endless-pools-controller/internal/ratelimit"

	_ "modernc.org/sqlite"
)

const defaultQueueSize = 256

// Options configures a Recorder.
type Options struct {
	Path string
	// PerOpcodeLimit caps captures per (length, opcode) pair.
	PerOpcodeLimit int
	// QueueSize bounds pending inserts; a full queue drops the capture.
	QueueSize int
	// PreflightTimeout bounds the integrity check of an existing file.
	PreflightTimeout time.Duration
}

// Capture is one stored datagram.
type Capture struct {
	ID         int64
	Source     string
	Name       string
	Port       uint16
	Remote     string
	ReceivedAt time.Time
	Length     int
	// Opcode is -1 for payloads too short to carry one.
	Opcode  int
	Hash    uint64
	Payload []byte
}

// Stats counts what happened to offered datagrams.
type Stats struct {
	Written    uint64
	Duplicates uint64
	OverLimit  uint64
	Dropped    uint64
	Errors     uint64
}

type captureKey struct {
	length int
	opcode int
}

// Recorder persists a limited number of datagrams per opcode into SQLite.
//
// Concurrency contract:
//   - Record is safe from any goroutine and never blocks.
//   - a single writer goroutine owns all inserts.
type Recorder struct {
	db     *sql.DB
	path   string
	limit  int
	queue  chan Capture
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	counts map[captureKey]int
	seen   map[uint64]struct{}

	written    atomic.Uint64
	duplicates atomic.Uint64
	overLimit  atomic.Uint64
	dropped    atomic.Uint64
	errs       atomic.Uint64
	errLog     ratelimit.Counter
}

// Open opens (or creates) the capture database and starts the writer.
func Open(opts Options) (*Recorder, error) {
	if opts.PerOpcodeLimit <= 0 {
		return nil, errors.New("recorder: per-opcode limit must be > 0")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("recorder: ensure dir: %w", err)
	}
	if _, err := os.Stat(opts.Path); err == nil {
		if _, err := Preflight(opts.Path, opts.PreflightTimeout, log.Printf); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: schema: %w", err)
	}
	r := &Recorder{
		db:     db,
		path:   opts.Path,
		limit:  opts.PerOpcodeLimit,
		queue:  make(chan Capture, opts.QueueSize),
		counts: make(map[captureKey]int),
		seen:   make(map[uint64]struct{}),
	}
	if err := r.loadExisting(); err != nil {
		db.Close()
		return nil, err
	}
	r.wg.Add(1)
	go r.writer()
	return r, nil
}

func initSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS packet_captures (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source TEXT,
    name TEXT,
    port INTEGER,
    remote TEXT,
    received_at INTEGER,
    length INTEGER,
    opcode INTEGER,
    payload_hash INTEGER UNIQUE,
    payload BLOB
);`
	_, err := db.Exec(schema)
	return err
}

// loadExisting seeds the limits from a previous run so restarts do not
// exceed them.
func (r *Recorder) loadExisting() error {
	rows, err := r.db.Query(`SELECT length, opcode, payload_hash FROM packet_captures`)
	if err != nil {
		return fmt.Errorf("recorder: load existing: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key captureKey
		var hash int64
		if err := rows.Scan(&key.length, &key.opcode, &hash); err != nil {
			return fmt.Errorf("recorder: load existing: %w", err)
		}
		r.counts[key]++
		r.seen[uint64(hash)] = struct{}{}
	}
	return rows.Err()
}

// Record offers a datagram for capture. It reports whether the datagram was
// queued; duplicates, datagrams over the per-opcode limit, and datagrams
// arriving on a full queue are skipped.
func (r *Recorder) Record(d ingest.Datagram) bool {
	if r == nil || len(d.Payload) == 0 {
		return false
	}
	c := Capture{
		Source:     string(d.Source),
		Name:       d.Name,
		Port:       d.Port,
		Remote:     d.Remote,
		ReceivedAt: d.Received,
		Length:     len(d.Payload),
		Opcode:     -1,
		Hash:       xxh3.Hash(d.Payload),
		Payload:    d.Payload,
	}
	if len(d.Payload) > 3 {
		c.Opcode = int(d.Payload[3])
	}
	key := captureKey{length: c.Length, opcode: c.Opcode}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if _, dup := r.seen[c.Hash]; dup {
		r.duplicates.Add(1)
		return false
	}
	if r.counts[key] >= r.limit {
		r.overLimit.Add(1)
		return false
	}
	select {
	case r.queue <- c:
	default:
		r.dropped.Add(1)
		return false
	}
	r.seen[c.Hash] = struct{}{}
	r.counts[key]++
	return true
}

func (r *Recorder) writer() {
	defer r.wg.Done()
	for c := range r.queue {
		if err := r.insert(c); err != nil {
			r.errs.Add(1)
			if total, ok := r.errLog.Inc(); ok {
				log.Printf("Recorder: failed to insert capture: %v (failures=%d)", err, total)
			}
			continue
		}
		r.written.Add(1)
	}
}

func (r *Recorder) insert(c Capture) error {
	_, err := r.db.Exec(`
INSERT OR IGNORE INTO packet_captures (
    source, name, port, remote, received_at, length, opcode, payload_hash, payload
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Source,
		c.Name,
		int(c.Port),
		c.Remote,
		c.ReceivedAt.UTC().UnixNano(),
		c.Length,
		c.Opcode,
		int64(c.Hash),
		c.Payload,
	)
	return err
}

// Path returns the database file path.
func (r *Recorder) Path() string { return r.path }

// Stats returns the capture counters.
func (r *Recorder) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	return Stats{
		Written:    r.written.Load(),
		Duplicates: r.duplicates.Load(),
		OverLimit:  r.overLimit.Load(),
		Dropped:    r.dropped.Load(),
		Errors:     r.errs.Load(),
	}
}

// Close drains pending inserts and closes the database.
func (r *Recorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
	return r.db.Close()
}

// Load reads captures in arrival order. limit <= 0 reads everything.
func Load(path string, limit int) ([]Capture, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("recorder: load: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open: %w", err)
	}
	defer db.Close()
	query := `SELECT id, source, name, port, remote, received_at, length, opcode, payload_hash, payload
FROM packet_captures ORDER BY id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("recorder: load: %w", err)
	}
	defer rows.Close()
	var out []Capture
	for rows.Next() {
		var c Capture
		var port int
		var received, hash int64
		if err := rows.Scan(&c.ID, &c.Source, &c.Name, &port, &c.Remote, &received, &c.Length, &c.Opcode, &hash, &c.Payload); err != nil {
			return nil, fmt.Errorf("recorder: load: %w", err)
		}
		c.Port = uint16(port)
		c.ReceivedAt = time.Unix(0, received).UTC()
		c.Hash = uint64(hash)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Datagram converts a capture back into an ingest datagram for replay.
func (c Capture) Datagram() ingest.Datagram {
	return ingest.Datagram{
		Source:   ingest.SourceReplay,
		Name:     c.Name,
		Port:     c.Port,
		Remote:   c.Remote,
		Payload:  c.Payload,
		Received: c.ReceivedAt,
	}
}
