package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/siftlog/siftlog/internal/database"
	"github.com/siftlog/siftlog/internal/model"
)

// DeadLetterRepository stores records the pipeline quarantined.
type DeadLetterRepository struct {
	pool *database.Pool
}

func NewDeadLetterRepository(pool *database.Pool) *DeadLetterRepository {
	return &DeadLetterRepository{pool: pool}
}

// Insert writes one dead letter. A missing id or failure time is filled in.
func (r *DeadLetterRepository) Insert(ctx context.Context, dl model.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}
	sess, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer sess.Release()

	_, err = sess.Conn().Exec(ctx, `
		INSERT INTO dead_letters (id, ingest_id, device_id, payload, reason, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		dl.ID, dl.IngestID, dl.DeviceID, dl.Payload, dl.Reason, dl.FailedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// ListRecent returns up to limit dead letters, newest first.
func (r *DeadLetterRepository) ListRecent(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	if limit <= 0 {
		return []model.DeadLetter{}, nil
	}
	sess, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Release()

	rows, err := sess.Conn().Query(ctx, `
		SELECT id, ingest_id, device_id, payload, reason, failed_at
		FROM dead_letters
		ORDER BY failed_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	out := []model.DeadLetter{}
	for rows.Next() {
		var dl model.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.IngestID, &dl.DeviceID, &dl.Payload, &dl.Reason, &dl.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}
