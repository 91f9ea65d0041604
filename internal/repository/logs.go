// Package repository is the persistence adapter over the connection pool:
// batched idempotent inserts, per-record quarantine fallback, device queries
// and counts, and the dead-letter table.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/siftlog/siftlog/internal/database"
	"github.com/siftlog/siftlog/internal/metrics"
	"github.com/siftlog/siftlog/internal/model"
)

const insertSQL = `
	INSERT INTO logs (ingest_id, device_id, log_level, message, log_data, ts)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (ingest_id) DO NOTHING`

// RecordFailure pairs a record with the permanent error the store returned
// for it.
type RecordFailure struct {
	Record model.QueuedRecord
	Err    error
}

// LogRepository persists and reads log records.
type LogRepository struct {
	pool *database.Pool
}

// NewLogRepository returns a LogRepository using the given pool.
func NewLogRepository(pool *database.Pool) *LogRepository {
	return &LogRepository{pool: pool}
}

// InsertBatch writes all records in one transaction, preserving slice order.
// Records whose ingest_id already exists are skipped by the conflict clause;
// the returned count is rows actually inserted.
func (r *LogRepository) InsertBatch(ctx context.Context, recs []model.QueuedRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	start := time.Now()
	defer func() {
		metrics.DBOpDuration.WithLabelValues("batch_insert").Observe(time.Since(start).Seconds())
	}()

	var inserted int64
	err := r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, qr := range recs {
			b.Queue(insertSQL, insertArgs(qr)...)
		}
		br := tx.SendBatch(ctx, b)
		for range recs {
			ct, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return err
			}
			inserted += ct.RowsAffected()
		}
		return br.Close()
	})
	if err != nil {
		return 0, fmt.Errorf("insert batch: %w", err)
	}
	return inserted, nil
}

// InsertEach writes records one transaction at a time, quarantining the ones
// the store permanently rejects. A transient error aborts the walk and is
// returned so the caller can retry the remainder; records already written
// stay written (the conflict clause makes the retry a no-op for them).
func (r *LogRepository) InsertEach(ctx context.Context, recs []model.QueuedRecord) (ok []model.QueuedRecord, failed []RecordFailure, err error) {
	for _, qr := range recs {
		insErr := r.pool.WithTx(ctx, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, insertSQL, insertArgs(qr)...)
			return err
		})
		switch {
		case insErr == nil:
			ok = append(ok, qr)
		case IsPermanent(insErr):
			failed = append(failed, RecordFailure{Record: qr, Err: insErr})
		default:
			return ok, failed, fmt.Errorf("insert record %s: %w", qr.IngestID, insErr)
		}
	}
	return ok, failed, nil
}

func insertArgs(qr model.QueuedRecord) []any {
	var logData any
	if len(qr.Record.LogData) > 0 {
		logData = qr.Record.LogData
	}
	return []any{
		qr.IngestID,
		qr.Record.DeviceID,
		string(qr.Record.Level),
		qr.Record.Message,
		logData,
		qr.Record.Timestamp,
	}
}

// IsPermanent reports whether the store rejected the data itself (constraint
// or encoding violations) rather than failing transiently. Permanent
// failures go to the dead-letter table; everything else is retried.
func IsPermanent(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if len(pgErr.Code) < 2 {
		return false
	}
	switch pgErr.Code[:2] {
	case "22", "23": // data exception, integrity constraint violation
		return true
	}
	return false
}

// QueryRecent returns up to limit records for the device, newest first.
func (r *LogRepository) QueryRecent(ctx context.Context, deviceID string, limit int) ([]model.LogRecord, error) {
	if limit <= 0 {
		return []model.LogRecord{}, nil
	}
	start := time.Now()
	defer func() {
		metrics.DBOpDuration.WithLabelValues("query_recent").Observe(time.Since(start).Seconds())
	}()

	sess, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Release()

	rows, err := sess.Conn().Query(ctx, `
		SELECT ingest_id, device_id, log_level, message, log_data, ts
		FROM logs
		WHERE device_id = $1
		ORDER BY ts DESC
		LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	out := []model.LogRecord{}
	for rows.Next() {
		var rec model.LogRecord
		var level string
		if err := rows.Scan(&rec.IngestID, &rec.DeviceID, &level, &rec.Message, &rec.LogData, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Level = model.Level(level)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Stats is the aggregate the stats endpoint serves.
type Stats struct {
	Total   int64            `json:"total"`
	ByLevel map[string]int64 `json:"by_level"`
}

// Count returns the total number of persisted records.
func (r *LogRepository) Count(ctx context.Context) (int64, error) {
	start := time.Now()
	defer func() {
		metrics.DBOpDuration.WithLabelValues("count").Observe(time.Since(start).Seconds())
	}()

	sess, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer sess.Release()

	var n int64
	if err := sess.Conn().QueryRow(ctx, `SELECT count(*) FROM logs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// CollectStats returns total and per-level counts in one session.
func (r *LogRepository) CollectStats(ctx context.Context) (*Stats, error) {
	start := time.Now()
	defer func() {
		metrics.DBOpDuration.WithLabelValues("count").Observe(time.Since(start).Seconds())
	}()

	sess, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Release()

	rows, err := sess.Conn().Query(ctx, `SELECT log_level, count(*) FROM logs GROUP BY log_level`)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{ByLevel: make(map[string]int64)}
	for rows.Next() {
		var level string
		var n int64
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats.ByLevel[level] = n
		stats.Total += n
	}
	return stats, rows.Err()
}

// Ping verifies store reachability.
func (r *LogRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
