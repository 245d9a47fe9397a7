// Package ingestlog keeps the last known ingestion outcome per source and time bucket.
package ingestlog

import (
	"encoding/json"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/channelpipe/internal/bucket"
)

// Status is the outcome of one ingestion attempt
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// Entry is the stored outcome for one (source, bucket)
type Entry struct {
	Status     Status    `json:"status"`
	Error      *string   `json:"error"`
	RecordedAt time.Time `json:"timestamp"`
}

// Snapshot maps source id -> bucket key -> entry
type Snapshot map[string]map[string]Entry

// Log is a JSON file rewritten in full on every update. A Log assumes a
// single writer: the pipeline ingests one bucket at a time.
type Log struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// Open returns a log persisted at path. The file need not exist yet.
func Open(path string, logger *slog.Logger) *Log {
	return &Log{
		path:   path,
		logger: logger,
		now:    time.Now,
	}
}

// Path returns the file backing the log
func (l *Log) Path() string {
	return l.path
}

// Lookup returns the last recorded entry for a source and bucket
func (l *Log) Lookup(sourceID string, b bucket.Bucket) (Entry, bool) {
	entry, ok := l.read()[sourceID][b.String()]
	return entry, ok
}

// Record overwrites the entry for a source and bucket
func (l *Log) Record(sourceID string, b bucket.Bucket, status Status, cause error) error {
	snap := l.read()

	entry := Entry{
		Status:     status,
		RecordedAt: l.now().UTC(),
	}
	if cause != nil {
		msg := cause.Error()
		entry.Error = &msg
	}

	if snap[sourceID] == nil {
		snap[sourceID] = make(map[string]Entry)
	}
	snap[sourceID][b.String()] = entry

	return l.write(snap)
}

// Snapshot returns the whole log
func (l *Log) Snapshot() Snapshot {
	return l.read()
}

// read never fails: an unreadable or corrupt log is treated as empty, which
// at worst causes already-ingested buckets to be fetched again.
func (l *Log) read() Snapshot {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("ingestion log unreadable, treating all buckets as unknown",
				"path", l.path,
				"error", err)
		}
		return Snapshot{}
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		l.logger.Warn("ingestion log corrupt, treating all buckets as unknown",
			"path", l.path,
			"error", err)
		return Snapshot{}
	}
	if snap == nil {
		snap = Snapshot{}
	}

	return snap
}

func (l *Log) write(snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, ".ingestion-log-*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, l.path)
}
