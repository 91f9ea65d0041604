// Package worker drains the queue into the store: each worker is one
// consumer in the shared group, reading batches, persisting them in a single
// transaction, and acking only after commit. Failure handling follows the
// at-least-once contract: transient store errors retry with backoff and
// leave entries pending; permanently rejected records are quarantined to the
// dead-letter table and acked so the queue can drain.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/siftlog/siftlog/internal/archive"
	"github.com/siftlog/siftlog/internal/config"
	"github.com/siftlog/siftlog/internal/metrics"
	"github.com/siftlog/siftlog/internal/model"
	"github.com/siftlog/siftlog/internal/queue"
	"github.com/siftlog/siftlog/internal/repository"
)

// Store is the persistence surface a worker needs.
type Store interface {
	InsertBatch(ctx context.Context, recs []model.QueuedRecord) (int64, error)
	InsertEach(ctx context.Context, recs []model.QueuedRecord) (ok []model.QueuedRecord, failed []repository.RecordFailure, err error)
}

// DeadLetterStore quarantines permanently rejected records.
type DeadLetterStore interface {
	Insert(ctx context.Context, dl model.DeadLetter) error
}

// Worker is one consumer. ID must be unique among live consumers; reusing
// the ID of a crashed instance is how its pending entries get replayed.
type Worker struct {
	id          string
	queue       *queue.Queue
	store       Store
	deadLetters DeadLetterStore
	archive     *archive.Client
	cfg         config.WorkerConfig
	log         zerolog.Logger

	claimCursor string
}

func New(id string, q *queue.Queue, store Store, dls DeadLetterStore, arch *archive.Client, cfg config.WorkerConfig, log zerolog.Logger) *Worker {
	return &Worker{
		id:          id,
		queue:       q,
		store:       store,
		deadLetters: dls,
		archive:     arch,
		cfg:         cfg,
		log:         log.With().Str("component", "worker").Str("consumer_id", id).Logger(),
		claimCursor: "0-0",
	}
}

// Run is the consumer loop. It ensures the group, replays this consumer's
// own pending backlog, then alternates blocking reads with periodic claim
// sweeps until ctx is cancelled. Shutdown is cooperative: the batch in
// flight finishes and acks before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensure group: %w", err)
	}
	w.recoverOwn(ctx)

	claimTicker := time.NewTicker(w.cfg.ClaimIntervalDuration())
	defer claimTicker.Stop()

	w.log.Info().Msg("worker started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("worker stopping")
			return nil
		case <-claimTicker.C:
			w.claimSweep(ctx)
		default:
		}

		deliveries, err := w.queue.ReadGroup(ctx, w.id, w.cfg.BatchSize, w.cfg.ReadBlock())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error().Err(err).Msg("read group failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.cfg.RetryBackoff()):
			}
			continue
		}
		if len(deliveries) == 0 {
			continue
		}
		w.processBatch(ctx, deliveries)
	}
}

// recoverOwn replays deliveries still pending for this consumer id from a
// previous run. It stops as soon as a batch fails to fully ack, so a down
// store cannot spin the startup path.
func (w *Worker) recoverOwn(ctx context.Context) {
	for {
		deliveries, err := w.queue.ReadOwnPending(ctx, w.id, w.cfg.BatchSize)
		if err != nil {
			w.log.Error().Err(err).Msg("read own pending failed")
			return
		}
		if len(deliveries) == 0 {
			return
		}
		w.log.Info().Int("count", len(deliveries)).Msg("replaying own pending entries")
		if !w.processBatch(ctx, deliveries) {
			return
		}
	}
}

// claimSweep rescues entries idle past the claim threshold from any
// consumer (dead ones included, this one's own crashed-in-flight batches
// too) and processes them. One page per sweep; the cursor persists across
// sweeps so long pending lists drain over consecutive intervals.
func (w *Worker) claimSweep(ctx context.Context) {
	claimed, next, err := w.queue.AutoClaim(ctx, w.id, w.cfg.ClaimIdleDuration(), w.claimCursor, w.cfg.BatchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("claim sweep failed")
		return
	}
	w.claimCursor = next
	if len(claimed) == 0 {
		return
	}
	w.log.Info().Int("count", len(claimed)).Msg("claimed idle entries")
	w.processBatch(ctx, claimed)
}

// processBatch persists one delivered batch and acks what committed. The
// return reports whether every delivery was acked.
func (w *Worker) processBatch(ctx context.Context, deliveries []queue.Delivery) bool {
	// A delivered batch runs to its ack even if shutdown begins meanwhile.
	ctx = context.WithoutCancel(ctx)
	metrics.WorkerBatchSize.Observe(float64(len(deliveries)))

	var batch []model.QueuedRecord
	var ackIDs []string
	allAcked := true

	for _, d := range deliveries {
		if d.DecodeErr != nil {
			if w.quarantine(ctx, d.ID, "", d.RawPayload, d.DecodeErr.Error()) {
				ackIDs = append(ackIDs, d.ID)
			} else {
				allAcked = false
			}
			continue
		}
		batch = append(batch, model.QueuedRecord{IngestID: d.ID, Record: d.Record})
	}

	if len(batch) > 0 {
		acked, ok := w.persist(ctx, batch)
		ackIDs = append(ackIDs, acked...)
		allAcked = allAcked && ok
	}

	if len(ackIDs) > 0 {
		if _, err := w.queue.Ack(ctx, ackIDs...); err != nil {
			// Commit stood; the replayed delivery will no-op against the
			// unique ingest_id index.
			w.log.Error().Err(err).Msg("ack failed, batch will be re-delivered")
			return false
		}
	}
	return allAcked
}

// persist writes the batch and returns the ids safe to ack. The whole batch
// goes in one transaction first; on a permanent rejection it degrades to
// per-record inserts so the offending records can be quarantined without
// holding the rest hostage.
func (w *Worker) persist(ctx context.Context, batch []model.QueuedRecord) (ackIDs []string, allAcked bool) {
	var permanent bool
	var inserted int64
	attempt := func() error {
		var err error
		inserted, err = w.store.InsertBatch(ctx, batch)
		if err == nil {
			return nil
		}
		if repository.IsPermanent(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		metrics.WorkerBatchRetries.Inc()
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.RetryBackoff()
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(w.cfg.RetryBudget)), ctx))

	switch {
	case err == nil:
		metrics.WorkerRecords.WithLabelValues("inserted").Add(float64(inserted))
		if dup := int64(len(batch)) - inserted; dup > 0 {
			metrics.WorkerRecords.WithLabelValues("duplicate").Add(float64(dup))
		}
		w.archiveBatch(ctx, batch)
		return ackBatchIDs(batch), true

	case permanent:
		return w.persistEach(ctx, batch)

	default:
		// Transient failure past the retry budget. Nothing is acked; the
		// entries stay pending and come back via the claim sweep.
		w.log.Error().Err(err).Int("batch", len(batch)).Msg("batch insert failed, leaving pending")
		return nil, false
	}
}

// persistEach is the quarantine path: one transaction per record, dead-
// lettering the permanently rejected ones and acking them alongside the
// successes so the queue drains.
func (w *Worker) persistEach(ctx context.Context, batch []model.QueuedRecord) (ackIDs []string, allAcked bool) {
	ok, failed, err := w.store.InsertEach(ctx, batch)
	for _, qr := range ok {
		ackIDs = append(ackIDs, qr.IngestID)
	}
	metrics.WorkerRecords.WithLabelValues("inserted").Add(float64(len(ok)))

	allAcked = err == nil
	if err != nil {
		w.log.Error().Err(err).Msg("per-record insert aborted, remainder left pending")
	}
	for _, f := range failed {
		payload, _ := f.Record.Record.EncodePayload()
		if w.quarantine(ctx, f.Record.IngestID, f.Record.Record.DeviceID, payload, f.Err.Error()) {
			ackIDs = append(ackIDs, f.Record.IngestID)
		} else {
			allAcked = false
		}
	}
	return ackIDs, allAcked
}

// quarantine writes one dead letter; the entry may only be acked if the
// dead letter is durably stored.
func (w *Worker) quarantine(ctx context.Context, ingestID, deviceID string, payload []byte, reason string) bool {
	dl := model.DeadLetter{
		IngestID: ingestID,
		DeviceID: deviceID,
		Payload:  payload,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	}
	if err := w.deadLetters.Insert(ctx, dl); err != nil {
		w.log.Error().Err(err).Str("ingest_id", ingestID).Msg("dead letter insert failed")
		return false
	}
	metrics.WorkerRecords.WithLabelValues("deadletter").Inc()
	w.log.Warn().Str("ingest_id", ingestID).Str("reason", reason).Msg("record quarantined")
	return true
}

// archiveBatch uploads the committed batch to the cold archive when one is
// configured. Fail-open: archive errors are logged, never propagated.
func (w *Worker) archiveBatch(ctx context.Context, batch []model.QueuedRecord) {
	if w.archive == nil {
		return
	}
	key, err := w.archive.UploadBatch(ctx, uuid.NewString(), batch)
	if err != nil {
		w.log.Warn().Err(err).Msg("archive upload failed")
		return
	}
	w.log.Debug().Str("key", key).Int("count", len(batch)).Msg("batch archived")
}

func ackBatchIDs(batch []model.QueuedRecord) []string {
	ids := make([]string, len(batch))
	for i, qr := range batch {
		ids[i] = qr.IngestID
	}
	return ids
}
