// Package manifest maintains the append-only CSV log of transfer outcomes
// used for auditing and for resuming interrupted batches.
package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cloudhaul/cloudhaul/internal/transfer"
)

// header is the fixed manifest schema. The file is never truncated or
// rewritten once this row exists; a crash mid-batch leaves a valid prefix.
var header = []string{
	"Source", "Destination", "Start", "End", "Md5",
	"Source Size", "Bytes Transferred", "Result", "Description",
}

// ErrCorruptHeader is returned when an existing manifest's header row does
// not match the expected schema.
var ErrCorruptHeader = errors.New("manifest header does not match expected schema")

// Log is an open manifest file. Appends are serialized by an internal lock
// and flushed to disk before returning.
type Log struct {
	mu   sync.Mutex
	f    *os.File
	w    *csv.Writer
	path string
}

// Open acquires the manifest at path, creating it with the header row if
// absent. Fails with ErrCorruptHeader if the file exists but carries a
// different schema.
func Open(path string) (*Log, error) {
	existing, err := hasHeader(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open manifest %s: %w", path, err)
	}

	l := &Log{
		f:    f,
		w:    csv.NewWriter(f),
		path: path,
	}

	if !existing {
		if err := l.writeRow(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("write manifest header: %w", err)
		}
	}
	return l, nil
}

// hasHeader reports whether path already holds a manifest with the expected
// header. A missing or empty file is fine; a mismatched header is not.
func hasHeader(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("open manifest %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	row, err := r.Read()
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCorruptHeader, path, err)
	}
	if !equalRow(row, header) {
		return false, fmt.Errorf("%w: %s", ErrCorruptHeader, path)
	}
	return true, nil
}

func equalRow(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Append serializes one result row and flushes it to disk before returning.
// Safe for concurrent use.
func (l *Log) Append(res transfer.Result) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writeRow(row(res)); err != nil {
		return fmt.Errorf("append manifest row for %s: %w", res.Unit.Source, err)
	}
	return nil
}

// writeRow writes, flushes, and fsyncs a single row. Callers hold the lock
// except during Open, before the Log is shared.
func (l *Log) writeRow(fields []string) error {
	if err := l.w.Write(fields); err != nil {
		return err
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return err
	}
	return l.f.Sync()
}

// row builds the CSV fields for one result. Absent values are empty fields
// so the column count is constant.
func row(res transfer.Result) []string {
	sourceSize := ""
	if res.Unit.ExpectedSize >= 0 {
		sourceSize = strconv.FormatInt(res.Unit.ExpectedSize, 10)
	}

	md5 := res.MD5
	if md5 == "" {
		md5 = res.Unit.ContentMD5
	}

	// Bytes Transferred is zero for anything other than a successful copy.
	bytes := int64(0)
	if res.Status == transfer.StatusOK {
		bytes = res.BytesTransferred
	}

	return []string{
		res.Unit.Source,
		res.Unit.Destination,
		timestamp(res.StartedAt),
		timestamp(res.FinishedAt),
		md5,
		sourceSize,
		strconv.FormatInt(bytes, 10),
		res.Status.ManifestResult(),
		res.Description,
	}
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}

// Path returns the manifest file location.
func (l *Log) Path() string {
	return l.path
}

// Close releases the manifest file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// LoadCompleted scans a manifest once and returns the pairs whose most
// recent row is OK or skip. A missing manifest yields an empty set.
func LoadCompleted(path string) (map[transfer.Pair]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[transfer.Pair]struct{}{}, nil
		}
		return nil, fmt.Errorf("open manifest %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(header)

	first, err := r.Read()
	if err == io.EOF {
		return map[transfer.Pair]struct{}{}, nil
	}
	if err != nil || !equalRow(first, header) {
		return nil, fmt.Errorf("%w: %s", ErrCorruptHeader, path)
	}

	// Last row per pair wins: a pair that failed and later succeeded is
	// complete, and vice versa.
	last := make(map[transfer.Pair]string)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A torn trailing row from a crash is expected; everything
			// before it is still authoritative.
			break
		}
		last[transfer.Pair{Source: rec[0], Destination: rec[1]}] = rec[7]
	}

	done := make(map[transfer.Pair]struct{}, len(last))
	for pair, result := range last {
		if result == "OK" || result == "skip" {
			done[pair] = struct{}{}
		}
	}
	return done, nil
}
