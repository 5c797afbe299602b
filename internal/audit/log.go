package audit

import (
	"encoding/json"
	"fmt"
	"os"
)

// LocalLog is the durable source of truth: one JSON object per line, written
// in append mode so the kernel serializes concurrent writers without any
// user-space locking. Retention/rotation is left to the deployment.
type LocalLog struct {
	f *os.File
}

func OpenLocalLog(path string) (*LocalLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: opening local log %q: %w", path, err)
	}
	return &LocalLog{f: f}, nil
}

// Write appends one record as a single line. The marshal-then-append is one
// os.File.Write call so it stays atomic at line granularity on a local
// filesystem with O_APPEND.
func (l *LocalLog) Write(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshaling record: %w", err)
	}
	line = append(line, '\n')
	_, err = l.f.Write(line)
	return err
}

func (l *LocalLog) Close() error {
	return l.f.Close()
}
