package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"carball.ai/internal/runner"
)

// segmentWriter appends JSONL records to zstd segments, one segment per
// episode. Segment names carry a zero-padded sequence so a lexical sort gives
// write order: <prefix>-<seq>-<episode>.jsonl.zst.
type segmentWriter struct {
	dir    string
	prefix string

	mu      sync.Mutex
	seq     int
	episode string
	f       *os.File
	enc     *zstd.Encoder
	bw      *bufio.Writer
}

func newSegmentWriter(dir, prefix string) *segmentWriter {
	return &segmentWriter{dir: dir, prefix: prefix, seq: -1}
}

func (w *segmentWriter) append(episodeID string, v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.bw == nil || episodeID != w.episode {
		if err := w.openLocked(episodeID); err != nil {
			return err
		}
	}
	// Encode terminates each record with a newline.
	if err := json.NewEncoder(w.bw).Encode(v); err != nil {
		return fmt.Errorf("%s: encode: %w", w.prefix, err)
	}
	return w.bw.Flush()
}

func (w *segmentWriter) openLocked(episodeID string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	if w.seq < 0 {
		// Continue numbering after segments left by an earlier process.
		existing, err := Files(w.dir, w.prefix)
		if err != nil {
			return err
		}
		w.seq = len(existing)
	}
	path := filepath.Join(w.dir, fmt.Sprintf("%s-%06d-%s.jsonl.zst", w.prefix, w.seq, safeName(episodeID)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.seq++
	w.episode = episodeID
	w.f = f
	w.enc = enc
	w.bw = bufio.NewWriterSize(enc, 64*1024)
	return nil
}

func (w *segmentWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *segmentWriter) closeLocked() error {
	var err error
	if w.bw != nil {
		err = w.bw.Flush()
		w.bw = nil
	}
	if w.enc != nil {
		if cerr := w.enc.Close(); err == nil {
			err = cerr
		}
		w.enc = nil
	}
	if w.f != nil {
		if cerr := w.f.Close(); err == nil {
			err = cerr
		}
		w.f = nil
	}
	return err
}

// safeName keeps episode ids usable as a file name component.
func safeName(id string) string {
	if id == "" {
		return "none"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '_'
	}, id)
}

// StepLogger writes one JSONL record per encoded step, a segment per
// episode under runDir/steps.
type StepLogger struct{ w *segmentWriter }

func NewStepLogger(runDir string) *StepLogger {
	return &StepLogger{w: newSegmentWriter(filepath.Join(runDir, "steps"), "steps")}
}

func (l *StepLogger) WriteStep(rec runner.StepRecord) error {
	if rec.State == nil {
		return fmt.Errorf("steps: %s step %d has no state", rec.EpisodeID, rec.Step)
	}
	return l.w.append(rec.EpisodeID, rec)
}

func (l *StepLogger) Close() error { return l.w.Close() }

// EditLogger writes editor state changes, applied or refused, under
// runDir/edits.
type EditLogger struct{ w *segmentWriter }

func NewEditLogger(runDir string) *EditLogger {
	return &EditLogger{w: newSegmentWriter(filepath.Join(runDir, "edits"), "edits")}
}

func (l *EditLogger) WriteEdit(rec runner.EditRecord) error { return l.w.append(rec.EpisodeID, rec) }
func (l *EditLogger) Close() error                          { return l.w.Close() }
