// Package usage persists per-turn token accounting to a local SQLite
// database. Writes are batched off the request path; a full queue drops
// records rather than blocking a turn.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/lunarfang/ccbridge/internal/logging"
	_ "modernc.org/sqlite"
)

// Record is one completed turn.
type Record struct {
	Model         string
	UpstreamModel string
	Streamed      bool
	Failed        bool
	InputTokens   int
	OutputTokens  int
	RequestedAt   time.Time
	ElapsedMS     int64
}

// GlobalStats aggregates all recorded turns since a point in time.
type GlobalStats struct {
	TotalRequests int64
	SuccessCount  int64
	FailureCount  int64
	InputTokens   int64
	OutputTokens  int64
}

// ModelStats aggregates turns per downstream model.
type ModelStats struct {
	Model        string
	Requests     int64
	InputTokens  int64
	OutputTokens int64
}

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultRetentionDays = 30
	defaultQueueSize     = 1000
)

// Recorder is the SQLite-backed usage store. A nil *Recorder is a valid
// no-op, so callers never branch on whether usage tracking is enabled.
type Recorder struct {
	db            *sql.DB
	records       chan Record
	flushReq      chan chan error
	flushTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	batchSize     int
	retentionDays int
}

const schema = `
CREATE TABLE IF NOT EXISTS turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	model TEXT NOT NULL,
	upstream_model TEXT NOT NULL DEFAULT '',
	streamed BOOLEAN NOT NULL DEFAULT 1,
	failed BOOLEAN NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	requested_at TIMESTAMP NOT NULL,
	elapsed_ms INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_turns_requested_at ON turns(requested_at);
CREATE INDEX IF NOT EXISTS idx_turns_model ON turns(model);
`

// Open creates the recorder at dbPath, creating parent directories and the
// schema as needed. An empty path returns (nil, nil): usage tracking off.
func Open(dbPath string) (*Recorder, error) {
	if dbPath == "" {
		return nil, nil
	}
	if strings.HasPrefix(dbPath, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dbPath = filepath.Join(home, dbPath[1:])
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create usage db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init usage schema: %w", err)
	}

	r := &Recorder{
		db:            db,
		records:       make(chan Record, defaultQueueSize),
		flushReq:      make(chan chan error),
		flushTicker:   time.NewTicker(defaultFlushInterval),
		cleanupTicker: time.NewTicker(24 * time.Hour),
		stopCh:        make(chan struct{}),
		batchSize:     defaultBatchSize,
		retentionDays: defaultRetentionDays,
	}
	r.wg.Add(2)
	go r.writeLoop()
	go r.cleanupLoop()
	return r, nil
}

// Enqueue queues one turn for persistence. Never blocks.
func (r *Recorder) Enqueue(rec Record) {
	if r == nil {
		return
	}
	select {
	case r.records <- rec:
	default:
		log.Warnf("usage queue full, dropping record for model %s", rec.Model)
	}
}

// Close flushes pending records and shuts the recorder down.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var err error
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.flushTicker.Stop()
		r.cleanupTicker.Stop()
		r.wg.Wait()
		err = r.db.Close()
	})
	return err
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()

	batch := make([]Record, 0, r.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := r.writeBatch(context.Background(), batch)
		if err != nil {
			log.WithError(err).Errorf("usage batch write failed, dropping %d records", len(batch))
		}
		batch = batch[:0]
		return err
	}
	drain := func() {
		for {
			select {
			case rec := <-r.records:
				batch = append(batch, rec)
			default:
				return
			}
		}
	}

	for {
		select {
		case rec := <-r.records:
			batch = append(batch, rec)
			if len(batch) >= r.batchSize {
				flush()
			}
		case reply := <-r.flushReq:
			drain()
			reply <- flush()
		case <-r.flushTicker.C:
			flush()
		case <-r.stopCh:
			drain()
			flush()
			return
		}
	}
}

func (r *Recorder) writeBatch(ctx context.Context, records []Record) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO turns (model, upstream_model, streamed, failed, input_tokens, output_tokens, requested_at, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			rec.Model, rec.UpstreamModel, rec.Streamed, rec.Failed,
			rec.InputTokens, rec.OutputTokens, rec.RequestedAt, rec.ElapsedMS,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Recorder) cleanupLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case <-r.cleanupTicker.C:
			before := time.Now().AddDate(0, 0, -r.retentionDays)
			if n, err := r.Cleanup(context.Background(), before); err != nil {
				log.WithError(err).Warnf("usage cleanup failed")
			} else if n > 0 {
				log.Debugf("usage cleanup removed %d records", n)
			}
		}
	}
}

// Cleanup removes records older than the cutoff and returns the count.
func (r *Recorder) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM turns WHERE requested_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GlobalStats aggregates all turns since the given time.
func (r *Recorder) GlobalStats(ctx context.Context, since time.Time) (*GlobalStats, error) {
	if r == nil {
		return &GlobalStats{}, nil
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN failed = 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0)
		FROM turns
		WHERE requested_at >= ?
	`, since)

	var stats GlobalStats
	var success, failure sql.NullInt64
	if err := row.Scan(&stats.TotalRequests, &success, &failure, &stats.InputTokens, &stats.OutputTokens); err != nil {
		return nil, fmt.Errorf("query global usage stats: %w", err)
	}
	stats.SuccessCount = success.Int64
	stats.FailureCount = failure.Int64
	return &stats, nil
}

// PerModelStats aggregates turns per downstream model since the given time.
func (r *Recorder) PerModelStats(ctx context.Context, since time.Time) ([]ModelStats, error) {
	if r == nil {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			model,
			COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0)
		FROM turns
		WHERE requested_at >= ?
		GROUP BY model
		ORDER BY COUNT(*) DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query model usage stats: %w", err)
	}
	defer rows.Close()

	var results []ModelStats
	for rows.Next() {
		var m ModelStats
		if err := rows.Scan(&m.Model, &m.Requests, &m.InputTokens, &m.OutputTokens); err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// Flush synchronously persists everything queued so far. The write loop
// services the request so batched records are included.
func (r *Recorder) Flush(ctx context.Context) error {
	if r == nil {
		return nil
	}
	reply := make(chan error, 1)
	select {
	case r.flushReq <- reply:
	case <-r.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
