// Package timescale mirrors cycle results into Postgres/TimescaleDB
// hypertables for dashboards.
package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"dip-bot/internal/config"
	"dip-bot/internal/engine"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	results chan engine.CycleResult
	started atomic.Bool
	dropped atomic.Uint64
}

// New returns nil without error when the writer is disabled.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		results: make(chan engine.CycleResult, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// ObserveCycle queues a result for writing. A full queue drops the result.
func (w *Writer) ObserveCycle(result engine.CycleResult) {
	if w == nil {
		return
	}
	select {
	case w.results <- result:
	default:
		if w.dropped.Add(1) == 1 {
			w.log.Warn("timescale cycle queue full")
		}
	}
}

// Dropped reports how many results were discarded on a full queue.
func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case result := <-w.results:
			w.writeResult(ctx, result)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		cycle_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		PRIMARY KEY (ts, cycle_id, seq)
	)`, w.table("cycle_logs"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		cycle_id TEXT NOT NULL,
		asset TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		score DOUBLE PRECISION NOT NULL
	)`, w.table("dip_signals"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		cycle_id TEXT NOT NULL,
		asset TEXT NOT NULL,
		total_quantity DOUBLE PRECISION NOT NULL,
		available_quantity DOUBLE PRECISION NOT NULL,
		aborted BOOLEAN NOT NULL
	)`, w.table("holdings_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"cycle_logs", "dip_signals", "holdings_snapshots"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeResult(ctx context.Context, result engine.CycleResult) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.log.Warn("timescale begin failed", zap.Error(err))
		return
	}
	if err := w.insertResult(ctx, tx, result); err != nil {
		_ = tx.Rollback()
		w.log.Warn("timescale cycle insert failed", zap.String("cycle_id", result.ID), zap.Error(err))
		return
	}
	if err := tx.Commit(); err != nil {
		w.log.Warn("timescale commit failed", zap.String("cycle_id", result.ID), zap.Error(err))
	}
}

func (w *Writer) insertResult(ctx context.Context, tx *sql.Tx, result engine.CycleResult) error {
	logQuery := fmt.Sprintf(`INSERT INTO %s (ts, cycle_id, seq, kind, message)
		VALUES ($1,$2,$3,$4,$5) ON CONFLICT DO NOTHING`, w.table("cycle_logs"))
	for i, entry := range result.Logs {
		if _, err := tx.ExecContext(ctx, logQuery, entry.Timestamp, result.ID, i, string(entry.Kind), entry.Message); err != nil {
			return err
		}
	}
	signalQuery := fmt.Sprintf(`INSERT INTO %s (ts, cycle_id, asset, price, score)
		VALUES ($1,$2,$3,$4,$5)`, w.table("dip_signals"))
	for _, sig := range result.DipSignals {
		ts := sig.Timestamp
		if ts.IsZero() {
			ts = result.FinishedAt
		}
		if _, err := tx.ExecContext(ctx, signalQuery, ts, result.ID, sig.Asset.Symbol(), sig.PriceAtDip.InexactFloat64(), sig.Score); err != nil {
			return err
		}
	}
	holdingQuery := fmt.Sprintf(`INSERT INTO %s (ts, cycle_id, asset, total_quantity, available_quantity, aborted)
		VALUES ($1,$2,$3,$4,$5,$6)`, w.table("holdings_snapshots"))
	for _, h := range result.FinalHoldings {
		if _, err := tx.ExecContext(ctx, holdingQuery, result.FinishedAt, result.ID, h.Asset.Symbol(),
			h.TotalQuantity.InexactFloat64(), h.AvailableQuantity.InexactFloat64(), result.Aborted); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
