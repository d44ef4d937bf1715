// Package recorder persists run outputs to SQLite.
package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/fluxfoundry/emergy-simulator/internal/observability"
	"github.com/fluxfoundry/emergy-simulator/results"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    scenario TEXT NOT NULL,
    topology TEXT NOT NULL,
    time_step REAL NOT NULL,
    epsilon REAL NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    steps INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS samples (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    step INTEGER NOT NULL,
    product TEXT NOT NULL,
    emergy REAL NOT NULL,
    empower REAL NOT NULL,
    PRIMARY KEY (run_id, step, product)
);
CREATE INDEX IF NOT EXISTS idx_samples_run_step ON samples(run_id, step);
`

// RunInfo describes one recorded run.
type RunInfo struct {
	ID         string
	Scenario   string
	Topology   string
	TimeStep   float64
	Epsilon    float64
	StartedAt  string
	FinishedAt string
	Steps      int
}

// Recorder writes run metadata and per-step samples to a SQLite
// database. It satisfies the scenario step sink interface; flush
// failures are held and reported by FinishRun.
type Recorder struct {
	mu        sync.Mutex
	db        *sql.DB
	metrics   *observability.RecorderCollector
	batchSize int

	runID   string
	pending []results.Sample
	steps   int
	err     error
}

// Open opens (or creates) the database at path and initialises the
// schema. The metrics collector may be nil.
func Open(ctx context.Context, path string, batchSize int, metrics *observability.RecorderCollector) (*Recorder, error) {
	if batchSize < 1 {
		batchSize = 1
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Recorder{db: db, metrics: metrics, batchSize: batchSize}, nil
}

// BeginRun registers a new run and returns its generated ID.
func (r *Recorder) BeginRun(ctx context.Context, scenario, topology string, timeStep, epsilon float64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runID != "" {
		return "", fmt.Errorf("run %s still open", r.runID)
	}

	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO runs (id, scenario, topology, time_step, epsilon, started_at)
		 VALUES (?, ?, ?, ?, ?, datetime('now'))`,
		id, scenario, topology, timeStep, epsilon)
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}

	r.runID = id
	r.pending = nil
	r.steps = 0
	r.err = nil
	return id, nil
}

// OnStep buffers one completed step and flushes full batches.
func (r *Recorder) OnStep(step int, emergy, empower map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runID == "" || r.err != nil {
		return
	}

	products := make([]string, 0, len(emergy))
	for p := range emergy {
		products = append(products, p)
	}
	sort.Strings(products)
	for _, p := range products {
		r.pending = append(r.pending, results.Sample{
			Step:    step,
			Product: p,
			Emergy:  emergy[p],
			Empower: empower[p],
		})
	}
	r.steps++

	r.metrics.SetPendingSamples(len(r.pending))
	if len(r.pending) >= r.batchSize {
		if err := r.flushLocked(context.Background()); err != nil {
			r.err = err
			r.metrics.IncFlushErrors()
		}
	}
}

// Flush writes any buffered samples.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if err := r.flushLocked(ctx); err != nil {
		r.err = err
		r.metrics.IncFlushErrors()
		return err
	}
	return nil
}

func (r *Recorder) flushLocked(ctx context.Context) error {
	if len(r.pending) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO samples (run_id, step, product, emergy, empower) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	for _, s := range r.pending {
		if _, err := stmt.ExecContext(ctx, r.runID, s.Step, s.Product, s.Emergy, s.Empower); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("failed to insert sample: %w", err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit samples: %w", err)
	}

	flushed := len(r.pending)
	r.pending = r.pending[:0]
	r.metrics.ObserveFlush(time.Since(start), flushed)
	r.metrics.SetPendingSamples(0)
	return nil
}

// FinishRun flushes remaining samples, stamps the run finished, and
// returns any error held from batch flushes.
func (r *Recorder) FinishRun(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runID == "" {
		return fmt.Errorf("no open run")
	}
	held := r.err
	if held == nil {
		held = r.flushLocked(ctx)
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = datetime('now'), steps = ? WHERE id = ?`,
		r.steps, r.runID)
	r.runID = ""
	r.pending = nil
	r.err = nil

	if held != nil {
		return held
	}
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// Runs lists recorded runs, most recent first.
func (r *Recorder) Runs(ctx context.Context) ([]RunInfo, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, scenario, topology, time_step, epsilon, started_at, COALESCE(finished_at, ''), steps
		 FROM runs ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var infos []RunInfo
	for rows.Next() {
		var info RunInfo
		if err := rows.Scan(&info.ID, &info.Scenario, &info.Topology, &info.TimeStep,
			&info.Epsilon, &info.StartedAt, &info.FinishedAt, &info.Steps); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Samples returns one run's samples in step then product order.
func (r *Recorder) Samples(ctx context.Context, runID string) ([]results.Sample, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT step, product, emergy, empower FROM samples
		 WHERE run_id = ? ORDER BY step, product`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var samples []results.Sample
	for rows.Next() {
		var s results.Sample
		if err := rows.Scan(&s.Step, &s.Product, &s.Emergy, &s.Empower); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// Close closes the database.
func (r *Recorder) Close() error {
	return r.db.Close()
}
