package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"carball.ai/internal/runner"
)

// Files lists the rotated log files under dir in write order.
func Files(dir, prefix string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	// Sequence numbers are zero-padded.
	sort.Strings(paths)
	return paths, nil
}

// ReadJSONL decodes every line of a compressed JSONL file, calling fn once
// per line. A false return stops the scan early.
func ReadJSONL(path string, fn func(line []byte) (bool, error)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 128*1024)
	for n := 1; ; n++ {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			more, ferr := fn(line)
			if ferr != nil {
				return fmt.Errorf("%s:%d: %w", filepath.Base(path), n, ferr)
			}
			if !more {
				return nil
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// ReadSteps replays every step record under runDir/steps in order.
func ReadSteps(runDir string, fn func(runner.StepRecord) error) error {
	paths, err := Files(filepath.Join(runDir, "steps"), "steps")
	if err != nil {
		return err
	}
	for _, p := range paths {
		err := ReadJSONL(p, func(line []byte) (bool, error) {
			var rec runner.StepRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return false, err
			}
			return true, fn(rec)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadEdits replays every edit record under runDir/edits in order.
func ReadEdits(runDir string, fn func(runner.EditRecord) error) error {
	paths, err := Files(filepath.Join(runDir, "edits"), "edits")
	if err != nil {
		return err
	}
	for _, p := range paths {
		err := ReadJSONL(p, func(line []byte) (bool, error) {
			var rec runner.EditRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return false, err
			}
			return true, fn(rec)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
