// Package filelog implements audit.Log as an append-only
// newline-delimited-JSON file, fsynced after every appended record, per
// spec §4.9/§6 ("Formats are append-only newline-delimited JSON").
package filelog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/cartorch/orchestrator/internal/model"
)

// Log appends AuditRecords to a single NDJSON file. Writes are serialized
// through a single writer, matching the "audit log: single writer" shared
// resource policy in spec §5.
type Log struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// Open opens (creating if needed) the NDJSON file at path for appending.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filelog: open %s: %w", path, err)
	}
	return &Log{f: f, w: bufio.NewWriter(f)}, nil
}

// Append implements audit.Log. It flushes and fsyncs before returning so the
// record survives a process crash, per the durability contract.
func (l *Log) Append(_ context.Context, record model.AuditRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("filelog: marshal: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(line); err != nil {
		return fmt.Errorf("filelog: write: %w", err)
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("filelog: write: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("filelog: flush: %w", err)
	}
	return l.f.Sync()
}

// Scan reads records in insertion order from the start of the file.
func (l *Log) Scan(_ context.Context, fn func(model.AuditRecord) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	f, err := os.Open(l.f.Name())
	if err != nil {
		return fmt.Errorf("filelog: reopen: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for dec.More() {
		var rec model.AuditRecord
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("filelog: decode: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Close()
}
