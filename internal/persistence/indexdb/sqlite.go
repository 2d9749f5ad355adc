package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"carball.ai/internal/persistence/snapshot"
	"carball.ai/internal/runner"
	"carball.ai/internal/sim/tuning"
)

// SQLiteIndex is a queryable secondary index over the step and edit logs.
// Writes are queued and applied by a single goroutine; when the queue is
// full entries are dropped and counted, the JSONL logs stay authoritative.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropStep     atomic.Uint64
	dropEdit     atomic.Uint64
	dropEpisode  atomic.Uint64
	dropSnapshot atomic.Uint64
}

type Stats struct {
	QueueDepth    int
	QueueCapacity int

	DropStepTotal     uint64
	DropEditTotal     uint64
	DropEpisodeTotal  uint64
	DropSnapshotTotal uint64
}

type reqKind int

const (
	reqStep reqKind = iota + 1
	reqEdit
	reqEpisode
	reqSnapshot
)

type req struct {
	kind reqKind

	step     stepRow
	edit     editRow
	episode  runner.EpisodeRecord
	snapshot snapshotRow
}

type stepRow struct {
	EpisodeID   string
	Step        uint64
	Tick        uint64
	StateDigest string
	ObsDigest   string
	Edited      bool
	LiveAgents  string
	EndReason   string
}

type editRow struct {
	EpisodeID string
	Tick      uint64
	Applied   bool
	Error     string
	Cars      int
	RawJSON   string
}

type snapshotRow struct {
	EpisodeID string
	Tick      uint64
	Step      uint64
	Path      string
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS episodes (
			episode_id TEXT PRIMARY KEY,
			blue INTEGER NOT NULL,
			orange INTEGER NOT NULL,
			start_tick INTEGER NOT NULL,
			end_tick INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			edits INTEGER NOT NULL,
			reason TEXT NOT NULL,
			scorer TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS steps (
			episode_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			edited INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			state_digest TEXT NOT NULL,
			obs_digest TEXT NOT NULL,
			live_agents TEXT NOT NULL,
			end_reason TEXT,
			PRIMARY KEY (episode_id, step, edited)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_steps_tick ON steps(tick);`,
		`CREATE TABLE IF NOT EXISTS edits (
			episode_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			applied INTEGER NOT NULL,
			error TEXT,
			cars INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (episode_id, tick, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			episode_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			step INTEGER NOT NULL,
			path TEXT NOT NULL,
			PRIMARY KEY (episode_id, tick)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropStepTotal:     s.dropStep.Load(),
		DropEditTotal:     s.dropEdit.Load(),
		DropEpisodeTotal:  s.dropEpisode.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
	}
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

func (s *SQLiteIndex) WriteStep(rec runner.StepRecord) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	row := stepRow{
		EpisodeID:   rec.EpisodeID,
		Step:        rec.Step,
		Tick:        rec.Tick,
		StateDigest: rec.StateDigest,
		ObsDigest:   rec.ObsDigest,
		Edited:      rec.Edited,
	}
	if rec.State != nil {
		row.LiveAgents = strings.Join(rec.State.AgentIDs(), ",")
	}
	if rec.End != nil {
		row.EndReason = rec.End.Reason
	}
	s.enqueue(req{kind: reqStep, step: row}, &s.dropStep)
	return nil
}

func (s *SQLiteIndex) WriteEdit(rec runner.EditRecord) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	raw, err := json.Marshal(rec.Edit)
	if err != nil {
		return err
	}
	row := editRow{
		EpisodeID: rec.EpisodeID,
		Tick:      rec.Tick,
		Applied:   rec.Applied,
		Error:     rec.Error,
		Cars:      len(rec.Edit.Cars),
		RawJSON:   string(raw),
	}
	s.enqueue(req{kind: reqEdit, edit: row}, &s.dropEdit)
	return nil
}

func (s *SQLiteIndex) RecordEpisode(rec runner.EpisodeRecord) {
	if s == nil || s.closed.Load() {
		return
	}
	s.enqueue(req{kind: reqEpisode, episode: rec}, &s.dropEpisode)
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	row := snapshotRow{
		EpisodeID: snap.Header.EpisodeID,
		Tick:      snap.Header.Tick,
		Step:      snap.Header.Step,
		Path:      path,
	}
	s.enqueue(req{kind: reqSnapshot, snapshot: row}, &s.dropSnapshot)
}

// UpsertTuning stores the tuning the encoder runs with, keyed by its digest.
func (s *SQLiteIndex) UpsertTuning(tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rows := [][2]string{
		{"schema_version", "1"},
		{"tuning_digest", tune.Digest()},
		{"tuning_json", string(b)},
		{"updated_at", time.Now().UTC().Format(time.RFC3339Nano)},
	}
	for _, kv := range rows {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, kv[0], kv[1]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Meta reads one meta value.
func (s *SQLiteIndex) Meta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	return v, err
}

// Episodes lists finished episodes in start order.
func (s *SQLiteIndex) Episodes(ctx context.Context) ([]runner.EpisodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT episode_id,blue,orange,start_tick,end_tick,steps,edits,reason,COALESCE(scorer,'')
		FROM episodes ORDER BY start_tick, episode_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []runner.EpisodeRecord
	for rows.Next() {
		var (
			rec                       runner.EpisodeRecord
			startTick, endTick, steps int64
		)
		if err := rows.Scan(&rec.EpisodeID, &rec.Blue, &rec.Orange, &startTick, &endTick, &steps, &rec.Edits, &rec.Reason, &rec.Scorer); err != nil {
			return nil, err
		}
		rec.StartTick = uint64(startTick)
		rec.EndTick = uint64(endTick)
		rec.Steps = uint64(steps)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ObsDigest returns the recorded observation digest of one step. Edited
// selects the re-derived record when an editor change landed on that step.
func (s *SQLiteIndex) ObsDigest(ctx context.Context, episodeID string, step uint64, edited bool) (string, error) {
	var d string
	err := s.db.QueryRowContext(ctx, `SELECT obs_digest FROM steps WHERE episode_id=? AND step=? AND edited=?`,
		episodeID, int64(step), boolInt(edited)).Scan(&d)
	return d, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	// Prepared statements (on db; executed within tx).
	insertStep, _ := s.db.Prepare(`INSERT OR REPLACE INTO steps(episode_id,step,edited,tick,state_digest,obs_digest,live_agents,end_reason) VALUES(?,?,?,?,?,?,?,?)`)
	insertEdit, _ := s.db.Prepare(`INSERT OR REPLACE INTO edits(episode_id,tick,seq,applied,error,cars,raw_json) VALUES(?,?,?,?,?,?,?)`)
	insertEpisode, _ := s.db.Prepare(`INSERT OR REPLACE INTO episodes(episode_id,blue,orange,start_tick,end_tick,steps,edits,reason,scorer) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(episode_id,tick,step,path) VALUES(?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertStep, insertEdit, insertEpisode, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		lastEditKey string
		editSeq     int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqStep:
			st := r.step
			exec(insertStep, st.EpisodeID, int64(st.Step), boolInt(st.Edited), int64(st.Tick),
				st.StateDigest, st.ObsDigest, st.LiveAgents, nullString(st.EndReason))

		case reqEdit:
			e := r.edit
			key := fmt.Sprintf("%s/%d", e.EpisodeID, e.Tick)
			if key != lastEditKey {
				lastEditKey = key
				editSeq = 0
			}
			seq := editSeq
			editSeq++
			exec(insertEdit, e.EpisodeID, int64(e.Tick), seq, boolInt(e.Applied), nullString(e.Error), e.Cars, e.RawJSON)

		case reqEpisode:
			ep := r.episode
			exec(insertEpisode, ep.EpisodeID, ep.Blue, ep.Orange, int64(ep.StartTick), int64(ep.EndTick),
				int64(ep.Steps), ep.Edits, ep.Reason, nullString(ep.Scorer))

		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, sn.EpisodeID, int64(sn.Tick), int64(sn.Step), sn.Path)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
