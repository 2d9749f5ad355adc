package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"carball.ai/internal/persistence/indexdb"
	persistlog "carball.ai/internal/persistence/log"
	"carball.ai/internal/persistence/snapshot"
	"carball.ai/internal/replay"
	"carball.ai/internal/runner"
	"carball.ai/internal/sim/tuning"
)

func main() {
	var (
		runDir     = flag.String("run", "", "run directory containing steps/ (data/runs/<id>)")
		snapPath   = flag.String("snapshot", "", "path to a .snap.zst, or a directory of them, to summarize (optional)")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		episode    = flag.String("episode", "", "verify only this episode id (optional)")
	)
	flag.Parse()

	if *snapPath != "" {
		if err := summarizeSnapshots(*snapPath); err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
	}
	if *runDir == "" {
		if *snapPath == "" {
			fmt.Fprintln(os.Stderr, "missing -run or -snapshot")
			os.Exit(2)
		}
		return
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load tuning:", err)
		os.Exit(1)
	}
	checkIndexedTuning(*runDir, tune)

	v := replay.NewVerifier(tune)
	edited := 0
	err = persistlog.ReadSteps(*runDir, func(rec runner.StepRecord) error {
		if *episode != "" && rec.EpisodeID != *episode {
			return nil
		}
		if rec.Edited {
			edited++
		}
		return v.Check(rec)
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	if v.Checked == 0 {
		fmt.Fprintln(os.Stderr, "no step records found in", filepath.Join(*runDir, "steps"))
		os.Exit(1)
	}
	fmt.Printf("replay ok: checked=%d steps across %d episodes\n", v.Checked, v.Episodes)

	applied, rejected := 0, 0
	err = persistlog.ReadEdits(*runDir, func(rec runner.EditRecord) error {
		if *episode != "" && rec.EpisodeID != *episode {
			return nil
		}
		if rec.Applied {
			applied++
		} else {
			rejected++
		}
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "read edits:", err)
		os.Exit(1)
	}
	fmt.Printf("edits: applied=%d rejected=%d edited_steps=%d\n", applied, rejected, edited)
	if applied != edited {
		fmt.Fprintf(os.Stderr, "warning: %d applied edits but %d edited step records\n", applied, edited)
	}
}

// summarizeSnapshots prints the full snapshot at path, or one header line per
// snapshot when path is a directory.
func summarizeSnapshots(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		snap, err := snapshot.ReadSnapshot(path)
		if err != nil {
			return err
		}
		fmt.Printf("snapshot v%d episode=%s tick=%d step=%d cars=%d pads=%d end=%s tuning=%s\n",
			snap.Header.Version, snap.Header.EpisodeID, snap.Header.Tick, snap.Header.Step,
			len(snap.State.Cars), len(snap.State.Pads), orDash(snap.EndReason), snap.Tuning.Digest())
		return nil
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".snap.zst") {
			return nil
		}
		h, err := snapshot.ReadHeader(p)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		fmt.Printf("%s v%d episode=%s tick=%d step=%d\n", p, h.Version, h.EpisodeID, h.Tick, h.Step)
		return nil
	})
}

// checkIndexedTuning warns when the run was recorded with different tuning.
func checkIndexedTuning(runDir string, tune tuning.Tuning) {
	path := filepath.Join(runDir, "index", "run.sqlite")
	if _, err := os.Stat(path); err != nil {
		return
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open index:", err)
		return
	}
	defer idx.Close()
	recorded, err := idx.Meta(context.Background(), "tuning_digest")
	if err != nil {
		return
	}
	if recorded != tune.Digest() {
		fmt.Fprintf(os.Stderr, "warning: run recorded with tuning %s, verifying with %s\n", recorded, tune.Digest())
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
