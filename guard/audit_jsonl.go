package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const defaultAuditRotateBytes = 100 * 1024 * 1024

// JSONLAuditSink mirrors policy audit events to a file, one JSON object per
// line. Each line is written with a single write call so a crash never
// leaves a partial event ahead of a complete one. The file is renamed to
// <path>.<utc timestamp> once the next line would exceed RotateMaxBytes.
type JSONLAuditSink struct {
	Path           string
	RotateMaxBytes int64

	mu   sync.Mutex
	f    *os.File
	size int64
	now  func() time.Time
}

func NewJSONLAuditSink(path string, rotateMaxBytes int64) (*JSONLAuditSink, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("missing jsonl path")
	}
	if rotateMaxBytes <= 0 {
		rotateMaxBytes = defaultAuditRotateBytes
	}
	s := &JSONLAuditSink{
		Path:           path,
		RotateMaxBytes: rotateMaxBytes,
		now:            func() time.Time { return time.Now().UTC() },
	}
	if err := s.openLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONLAuditSink) Emit(_ context.Context, e AuditEvent) error {
	if s == nil {
		return nil
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotateIfNeededLocked(int64(len(line))); err != nil {
		return err
	}
	if s.f == nil {
		return fmt.Errorf("audit sink is closed")
	}
	n, err := s.f.Write(line)
	s.size += int64(n)
	return err
}

func (s *JSONLAuditSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *JSONLAuditSink) closeLocked() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f, s.size = nil, 0
	return err
}

func (s *JSONLAuditSink) openLocked() error {
	if dir := filepath.Dir(s.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if st, err := f.Stat(); err == nil {
		s.size = st.Size()
	}
	s.f = f
	return nil
}

// rotateIfNeededLocked never rotates an empty file, so a single oversized
// event still gets written.
func (s *JSONLAuditSink) rotateIfNeededLocked(addBytes int64) error {
	if s.f == nil || s.size == 0 || s.size+addBytes <= s.RotateMaxBytes {
		return nil
	}
	if err := s.closeLocked(); err != nil {
		return err
	}
	rotated := s.Path + "." + s.now().Format("20060102T150405.000000000Z")
	// A failed rename keeps appending to the current file.
	_ = os.Rename(s.Path, rotated)
	return s.openLocked()
}
