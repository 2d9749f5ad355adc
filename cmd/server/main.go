package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"carball.ai/internal/persistence/indexdb"
	persistlog "carball.ai/internal/persistence/log"
	"carball.ai/internal/persistence/snapshot"
	"carball.ai/internal/runner"
	"carball.ai/internal/sim/match"
	"carball.ai/internal/sim/tuning"
	"carball.ai/internal/transport/editor"
	"carball.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		runID      = flag.String("run", "run_1", "run id (names the data directory)")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		matchPath  = flag.String("match", "", "path to match.yaml (default: <configs>/match.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite step/edit index")
		render     = flag.Bool("render", false, "render mode: wall-clock pacing and per-tick editor stream")
		episodes   = flag.Int("episodes", -1, "stop after N episodes (overrides match.yaml when >= 0)")
		snapEvery  = flag.Uint64("snapshot_every", 0, "write a snapshot every N steps (episode ends are always written)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	mp := strings.TrimSpace(*matchPath)
	if mp == "" {
		mp = filepath.Join(*configDir, "match.yaml")
	}
	if _, err := os.Stat(mp); err != nil {
		logger.Printf("match config not found (%s); using defaults", mp)
		mp = ""
	}
	mcfg, err := match.Load(mp)
	if err != nil {
		logger.Fatalf("load match config: %v", err)
	}
	if *render {
		mcfg.Render = true
	}
	if *episodes >= 0 {
		mcfg.Episodes = *episodes
	}

	runDir := filepath.Join(*dataDir, "runs", *runID)
	_ = os.MkdirAll(runDir, 0o755)

	r, err := runner.New(runner.Config{Tuning: tune, Match: mcfg, SnapshotEverySteps: *snapEvery}, log.New(os.Stdout, "[runner] ", log.LstdFlags|log.Lmicroseconds))
	if err != nil {
		logger.Fatalf("runner: %v", err)
	}

	// Optional read-model index (does not affect encoding).
	var idx *indexdb.SQLiteIndex
	if !*disableDB && !envBool("CB_DISABLE_INDEX", false) {
		idx, err = indexdb.OpenSQLite(filepath.Join(runDir, "index", "run.sqlite"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
		if err := idx.UpsertTuning(tune); err != nil {
			logger.Printf("index: upsert tuning: %v", err)
		}
		r.SetIndexer(idx)
	}

	stepLog := persistlog.NewStepLogger(runDir)
	editLog := persistlog.NewEditLogger(runDir)
	defer stepLog.Close()
	defer editLog.Close()
	r.SetStepLogger(stepLog)
	r.SetEditLogger(editLog)

	ctx, cancel := signalContext()
	defer cancel()

	// Snapshot writer.
	snapCh := make(chan snapshot.SnapshotV1, 8)
	r.SetSnapshotSink(snapCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-snapCh:
				path := snapshot.Path(filepath.Join(runDir, "snapshots"), snap)
				if err := snapshot.WriteSnapshot(path, snap); err != nil {
					logger.Printf("snapshot write: %v", err)
					continue
				}
				if idx != nil {
					idx.RecordSnapshot(path, snap)
				}
			}
		}
	}()

	go func() {
		if err := r.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("runner stopped: %v", err)
		}
		// Finite runs end the process.
		cancel()
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, req *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, *runID, r.Metrics(), idx)
	})
	mux.HandleFunc("/v1/params", func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(struct {
			RunID  string       `json:"run_id"`
			Params any          `json:"params"`
			Match  match.Config `json:"match"`
		}{RunID: *runID, Params: r.Params(), Match: mcfg})
	})
	mux.HandleFunc("/v1/ws", ws.NewServer(r, logger).Handler())
	// Loopback only; enforced by the handler.
	mux.HandleFunc("/v1/editor", editor.NewServer(r, logger).WSHandler())

	if envBool("CB_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (CB_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("run=%s listening on %s render=%v team_size=%d", *runID, *addr, mcfg.Render, mcfg.TeamSize)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// writeMetrics renders the minimal Prometheus exposition format.
func writeMetrics(rw http.ResponseWriter, runID string, m runner.Metrics, idx *indexdb.SQLiteIndex) {
	gauge := func(name, help string, v any) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
		fmt.Fprintf(rw, "%s{run=%q} %v\n", name, runID, v)
	}
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s counter\n", name)
		fmt.Fprintf(rw, "%s{run=%q} %d\n", name, runID, v)
	}

	gauge("carball_tick", "Current physics tick.", m.Tick)
	gauge("carball_agents", "Attached policy clients.", m.Agents)
	gauge("carball_editors", "Attached editors.", m.Editors)
	gauge("carball_inbox_depth", "Pending ACT messages.", m.InboxLen)
	gauge("carball_step_ms", "Last step duration in milliseconds.", fmt.Sprintf("%.3f", m.StepMS))
	counter("carball_episodes_total", "Finished episodes.", m.Episodes)
	counter("carball_edits_applied_total", "Editor state changes applied.", m.EditsApplied)
	counter("carball_edits_rejected_total", "Editor state changes rejected for shape.", m.EditsRejected)
	counter("carball_edits_dropped_total", "Editor state changes replaced before being applied.", m.EditsDropped)

	if idx == nil {
		return
	}
	st := idx.Stats()
	gauge("carball_index_queue_depth", "Index writer backlog.", st.QueueDepth)
	counter("carball_index_dropped_total", "Index entries dropped under load.", st.DropStepTotal+st.DropEditTotal+st.DropEpisodeTotal+st.DropSnapshotTotal)
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
