package container

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/maruel/ksid"

	"github.com/verkstad/verkstad/internal/db"
)

// logMeta is the first line of a raw log segment.
type logMeta struct {
	MessageType string    `json:"message_type"`
	Version     int       `json:"version"`
	AttemptID   uuid.UUID `json:"attempt_id"`
	ProcessID   uuid.UUID `json:"process_id"`
	Executor    string    `json:"executor,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// logResult is the trailer appended when the process finishes.
type logResult struct {
	MessageType string    `json:"message_type"`
	Status      string    `json:"status"`
	ExitCode    *int64    `json:"exit_code,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// rawLogWriter mirrors a coding agent's raw stdout into an on-disk JSONL
// segment for replay and debugging: a metadata header line, the agent's
// lines, and a result trailer. Finish appends the trailer, recompresses the
// segment to zstd, and removes the plain file; segment names sort by
// creation time.
type rawLogWriter struct {
	f    *os.File
	path string
}

func newRawLogWriter(logDir string, attemptID, processID uuid.UUID, meta logMeta) (*rawLogWriter, error) {
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s-%s.jsonl", ksid.NewID(), attemptID, processID)
	path := filepath.Join(logDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create log segment: %w", err)
	}
	w := &rawLogWriter{f: f, path: path}

	meta.MessageType = "verkstad_meta"
	meta.Version = 1
	meta.AttemptID = attemptID
	meta.ProcessID = processID
	meta.StartedAt = time.Now().UTC()
	if data, err := json.Marshal(meta); err == nil {
		_, _ = f.Write(append(data, '\n'))
	}
	return w, nil
}

func (w *rawLogWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// abort discards a segment whose child never started.
func (w *rawLogWriter) abort() {
	_ = w.f.Close()
	_ = os.Remove(w.path)
}

// Finish appends the result trailer, flushes the segment, and swaps it for a
// zstd-compressed copy.
func (w *rawLogWriter) Finish(status db.ProcessStatus, exitCode *int64) {
	trailer := logResult{
		MessageType: "verkstad_result",
		Status:      string(status),
		ExitCode:    exitCode,
		CompletedAt: time.Now().UTC(),
	}
	if data, err := json.Marshal(trailer); err == nil {
		_, _ = w.f.Write(append(data, '\n'))
	}
	if err := w.f.Close(); err != nil {
		slog.Warn("could not close log segment", "path", w.path, "err", err)
		return
	}
	if err := compressSegment(w.path); err != nil {
		slog.Warn("could not compress log segment", "path", w.path, "err", err)
		return
	}
	if err := os.Remove(w.path); err != nil {
		slog.Warn("could not remove plain log segment", "path", w.path, "err", err)
	}
}

func compressSegment(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(path+".zst", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
