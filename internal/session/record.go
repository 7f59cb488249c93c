package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/haasonsaas/pi/pkg/models"
)

const (
	recordFileMode = 0o600
	recordDirMode  = 0o700
)

// recorder mirrors the transcript to <dir>/<session-id>.jsonl, one tagged
// message per line. Recording is best-effort: failures are logged and the
// session continues. A nil recorder is a no-op, so call sites never branch
// on whether a session directory was configured.
type recorder struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	logger  *slog.Logger
	written int
}

func newRecorder(dir, sessionID string, logger *slog.Logger) (*recorder, error) {
	if err := os.MkdirAll(dir, recordDirMode); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, recordFileMode)
	if err != nil {
		return nil, fmt.Errorf("open session record: %w", err)
	}
	return &recorder{path: path, file: file, logger: logger}, nil
}

// sync appends the messages beyond what has already been written. The
// snapshot must be append-consistent with previous calls; after compaction
// call rewrite instead.
func (r *recorder) sync(msgs []models.Message) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for ; r.written < len(msgs); r.written++ {
		if !r.writeLine(msgs[r.written]) {
			return
		}
	}
}

// rewrite replaces the record with the full snapshot. Used after compaction,
// which edits history instead of appending to it.
func (r *recorder) rewrite(msgs []models.Message) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.file.Truncate(0); err != nil {
		r.logger.Warn("truncate session record failed", "path", r.path, "error", err)
		return
	}
	if _, err := r.file.Seek(0, 0); err != nil {
		r.logger.Warn("rewind session record failed", "path", r.path, "error", err)
		return
	}
	r.written = 0
	for ; r.written < len(msgs); r.written++ {
		if !r.writeLine(msgs[r.written]) {
			return
		}
	}
}

func (r *recorder) writeLine(msg models.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Warn("encode session record entry failed", "path", r.path, "error", err)
		return false
	}
	if _, err := r.file.Write(append(data, '\n')); err != nil {
		r.logger.Warn("write session record failed", "path", r.path, "error", err)
		return false
	}
	return true
}

func (r *recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}
