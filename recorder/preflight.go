package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// PreflightResult reports the outcome of the capture database check.
type PreflightResult struct {
	Healthy        bool
	Quarantined    bool
	QuarantinePath string
	Elapsed        time.Duration
	CheckError     error
}

var sidecarSuffixes = []string{"", "-wal", "-shm", "-journal"}

// Preflight runs a bounded WAL checkpoint and quick_check on an existing
// capture file. A damaged file is renamed (with its sidecars) to a
// timestamped .bad path so the recorder can start fresh; captures are
// disposable, the live log never depends on them.
func Preflight(path string, timeout time.Duration, logf func(string, ...any)) (PreflightResult, error) {
	if logf == nil {
		logf = log.Printf
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if strings.TrimSpace(path) == "" {
		return PreflightResult{}, errors.New("recorder: preflight: empty path")
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := checkDB(ctx, path, timeout)
	res := PreflightResult{Elapsed: time.Since(start), CheckError: err}
	if err == nil {
		res.Healthy = true
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("recorder: preflight timed out after %s", timeout)
	}
	dest, qerr := quarantine(path)
	if qerr != nil {
		return res, fmt.Errorf("recorder: quarantine failed: %w (check=%v)", qerr, err)
	}
	res.Quarantined = true
	res.QuarantinePath = dest
	logf("Recorder: capture db check failed (%v); quarantined to %s", err, dest)
	return res, nil
}

func checkDB(ctx context.Context, path string, timeout time.Duration) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)"); err != nil {
		return err
	}
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return err
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}

func quarantine(path string) (string, error) {
	suffix := ".bad-" + time.Now().UTC().Format("20060102T150405Z")
	for _, s := range sidecarSuffixes {
		src := path + s
		if _, err := os.Stat(src); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		if err := os.Rename(src, src+suffix); err != nil {
			return "", err
		}
	}
	return path + suffix, nil
}
