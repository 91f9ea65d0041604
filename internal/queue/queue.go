// Package queue adapts a Redis stream into the pipeline's durable message
// queue: append-only entries, one consumer group, explicit acks, and
// idle-based claims for crash recovery.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"

	"github.com/siftlog/siftlog/internal/config"
	"github.com/siftlog/siftlog/internal/metrics"
	"github.com/siftlog/siftlog/internal/model"
)

// ErrUnavailable wraps queue failures that exhausted the retry budget. The
// record was not enqueued; callers may retry the whole submission.
var ErrUnavailable = errors.New("queue unavailable")

const payloadField = "payload"
const deviceField = "device_id"

// Queue is the stream adapter. All methods are safe for concurrent use; the
// underlying redigo pool hands each call its own connection.
type Queue struct {
	pool *redis.Pool
	cfg  config.QueueConfig
	log  zerolog.Logger
}

func New(pool *redis.Pool, cfg config.QueueConfig, log zerolog.Logger) *Queue {
	return &Queue{pool: pool, cfg: cfg, log: log.With().Str("component", "queue").Logger()}
}

// Stream returns the stream key this queue appends to.
func (q *Queue) Stream() string { return q.cfg.Stream }

// Group returns the consumer group name.
func (q *Queue) Group() string { return q.cfg.Group }

// Delivery is one stream entry handed to a consumer. DecodeErr is set when
// the payload did not parse; such entries go straight to the dead-letter
// path so they cannot wedge the queue.
type Delivery struct {
	ID         string
	Record     model.LogRecord
	RawPayload []byte
	DecodeErr  error
}

// AppendResult is the per-record outcome of a batched append.
type AppendResult struct {
	IngestID string
	Err      error
}

// Append durably enqueues one record and returns its ingest id. A missing
// timestamp is assigned here, at enqueue. Failures are retried within the
// configured budget with exponential backoff before being surfaced as
// ErrUnavailable.
func (q *Queue) Append(ctx context.Context, rec *model.LogRecord) (string, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	payload, err := rec.EncodePayload()
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}

	var id string
	attempt := func() error {
		var err error
		id, err = q.xadd(ctx, rec.DeviceID, payload)
		return err
	}
	bo := backoff.WithContext(q.appendBackOff(), ctx)
	if err := backoff.Retry(attempt, bo); err != nil {
		metrics.QueueAppends.WithLabelValues("error").Inc()
		q.log.Error().Err(err).Str("device_id", rec.DeviceID).Msg("append failed after retries")
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	metrics.QueueAppends.WithLabelValues("ok").Inc()
	return id, nil
}

// AppendBatch enqueues all records in one pipelined round trip and reports a
// per-record outcome. A connection-level failure before the pipeline flushes
// fails every record; per-command failures fail only their record.
func (q *Queue) AppendBatch(ctx context.Context, recs []*model.LogRecord) []AppendResult {
	results := make([]AppendResult, len(recs))

	now := time.Now().UTC()
	payloads := make([][]byte, len(recs))
	for i, rec := range recs {
		if rec.Timestamp.IsZero() {
			rec.Timestamp = now
		}
		p, err := rec.EncodePayload()
		if err != nil {
			results[i] = AppendResult{Err: fmt.Errorf("encode record: %w", err)}
			continue
		}
		payloads[i] = p
	}

	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		q.failAll(results, err)
		return results
	}
	defer conn.Close()

	sent := make([]int, 0, len(recs))
	for i := range recs {
		if payloads[i] == nil {
			continue
		}
		args := q.xaddArgs(recs[i].DeviceID, payloads[i])
		if err := conn.Send(args[0].(string), args[1:]...); err != nil {
			results[i] = AppendResult{Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
			continue
		}
		sent = append(sent, i)
	}
	if err := conn.Flush(); err != nil {
		q.failAll(results, err)
		return results
	}
	for _, i := range sent {
		id, err := redis.String(conn.Receive())
		if err != nil {
			results[i] = AppendResult{Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
			metrics.QueueAppends.WithLabelValues("error").Inc()
			continue
		}
		results[i] = AppendResult{IngestID: id}
		metrics.QueueAppends.WithLabelValues("ok").Inc()
	}
	return results
}

func (q *Queue) failAll(results []AppendResult, err error) {
	for i := range results {
		if results[i].IngestID == "" && results[i].Err == nil {
			results[i] = AppendResult{Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
			metrics.QueueAppends.WithLabelValues("error").Inc()
		}
	}
}

func (q *Queue) appendBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.cfg.AppendBackoff()
	return backoff.WithMaxRetries(bo, uint64(q.cfg.AppendRetries))
}

func (q *Queue) xaddArgs(deviceID string, payload []byte) []interface{} {
	args := []interface{}{"XADD", q.cfg.Stream}
	if q.cfg.MaxLen > 0 {
		args = append(args, "MAXLEN", "~", q.cfg.MaxLen)
	}
	args = append(args, "*", deviceField, deviceID, payloadField, payload)
	return args
}

func (q *Queue) xadd(ctx context.Context, deviceID string, payload []byte) (string, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	args := q.xaddArgs(deviceID, payload)
	return redis.String(redis.DoContext(conn, ctx, args[0].(string), args[1:]...))
}

// EnsureGroup idempotently creates the consumer group at the beginning of
// the stream, creating the stream too if absent.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()
	_, err = redis.DoContext(conn, ctx, "XGROUP", "CREATE", q.cfg.Stream, q.cfg.Group, "0", "MKSTREAM")
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	var re redis.Error
	return errors.As(err, &re) && len(re) >= 9 && re[:9] == "BUSYGROUP"
}

// ReadGroup atomically assigns up to count undelivered entries to consumer,
// marking them pending. With block > 0 the call parks up to that long when
// the stream is drained; with block == 0 it returns immediately.
func (q *Queue) ReadGroup(ctx context.Context, consumer string, count int, block time.Duration) ([]Delivery, error) {
	return q.readGroup(ctx, consumer, count, block, ">")
}

// ReadOwnPending re-reads entries already pending for consumer, i.e. its own
// delivered-not-acked backlog from a previous run.
func (q *Queue) ReadOwnPending(ctx context.Context, consumer string, count int) ([]Delivery, error) {
	return q.readGroup(ctx, consumer, count, 0, "0")
}

func (q *Queue) readGroup(ctx context.Context, consumer string, count int, block time.Duration, from string) ([]Delivery, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	args := []interface{}{"GROUP", q.cfg.Group, consumer, "COUNT", count}
	if block > 0 {
		args = append(args, "BLOCK", int64(block/time.Millisecond))
	}
	args = append(args, "STREAMS", q.cfg.Stream, from)

	reply, err := redis.DoContext(conn, ctx, "XREADGROUP", args...)
	if err != nil {
		return nil, fmt.Errorf("read group: %w", err)
	}
	if reply == nil {
		return nil, nil
	}
	streams, err := redis.Values(reply, nil)
	if err != nil || len(streams) == 0 {
		return nil, err
	}
	stream, err := redis.Values(streams[0], nil)
	if err != nil || len(stream) < 2 {
		return nil, fmt.Errorf("read group: malformed reply")
	}
	return q.parseEntries(stream[1])
}

// Ack removes the given ids from the group's pending list. Acks for ids that
// are not pending are no-ops; the returned count is the number actually
// acknowledged.
func (q *Queue) Ack(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	args := []interface{}{q.cfg.Stream, q.cfg.Group}
	for _, id := range ids {
		args = append(args, id)
	}
	n, err := redis.Int64(redis.DoContext(conn, ctx, "XACK", args...))
	if err != nil {
		return 0, fmt.Errorf("ack: %w", err)
	}
	return n, nil
}

// AutoClaim transfers entries pending longer than minIdle to consumer,
// scanning from start. It returns the claimed deliveries and the cursor for
// the next scan ("0-0" when the scan wrapped).
func (q *Queue) AutoClaim(ctx context.Context, consumer string, minIdle time.Duration, start string, count int) ([]Delivery, string, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return nil, start, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	reply, err := redis.Values(redis.DoContext(conn, ctx, "XAUTOCLAIM",
		q.cfg.Stream, q.cfg.Group, consumer, int64(minIdle/time.Millisecond), start, "COUNT", count))
	if err != nil {
		return nil, start, fmt.Errorf("autoclaim: %w", err)
	}
	if len(reply) < 2 {
		return nil, start, fmt.Errorf("autoclaim: malformed reply")
	}
	next, err := redis.String(reply[0], nil)
	if err != nil {
		return nil, start, fmt.Errorf("autoclaim cursor: %w", err)
	}
	deliveries, err := q.parseEntries(reply[1])
	if err != nil {
		return nil, next, err
	}
	return deliveries, next, nil
}

// ConsumerPending is one consumer's share of the pending-entry list.
type ConsumerPending struct {
	Consumer string `json:"consumer"`
	Count    int64  `json:"count"`
}

// PendingSummary aggregates the group's pending-entry list.
type PendingSummary struct {
	Total     int64             `json:"total"`
	MinID     string            `json:"min_id,omitempty"`
	MaxID     string            `json:"max_id,omitempty"`
	Consumers []ConsumerPending `json:"consumers,omitempty"`
}

// Pending returns the per-consumer pending counts for the group.
func (q *Queue) Pending(ctx context.Context) (*PendingSummary, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	reply, err := redis.Values(redis.DoContext(conn, ctx, "XPENDING", q.cfg.Stream, q.cfg.Group))
	if err != nil {
		return nil, fmt.Errorf("pending: %w", err)
	}
	sum := &PendingSummary{}
	if len(reply) < 1 {
		return sum, nil
	}
	sum.Total, _ = redis.Int64(reply[0], nil)
	if len(reply) >= 3 {
		sum.MinID, _ = redis.String(reply[1], nil)
		sum.MaxID, _ = redis.String(reply[2], nil)
	}
	if len(reply) >= 4 && reply[3] != nil {
		consumers, err := redis.Values(reply[3], nil)
		if err == nil {
			for _, c := range consumers {
				pair, err := redis.Values(c, nil)
				if err != nil || len(pair) < 2 {
					continue
				}
				name, _ := redis.String(pair[0], nil)
				count, _ := redis.Int64(pair[1], nil)
				sum.Consumers = append(sum.Consumers, ConsumerPending{Consumer: name, Count: count})
			}
		}
	}
	return sum, nil
}

// PendingEntry is one delivered-not-acked entry with its delivery bookkeeping.
type PendingEntry struct {
	ID            string        `json:"id"`
	Consumer      string        `json:"consumer"`
	Idle          time.Duration `json:"idle_ms"`
	DeliveryCount int64         `json:"delivery_count"`
}

// PendingEntries lists up to count pending entries with idle times, oldest
// first.
func (q *Queue) PendingEntries(ctx context.Context, count int) ([]PendingEntry, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	reply, err := redis.Values(redis.DoContext(conn, ctx, "XPENDING", q.cfg.Stream, q.cfg.Group, "-", "+", count))
	if err != nil {
		return nil, fmt.Errorf("pending entries: %w", err)
	}
	entries := make([]PendingEntry, 0, len(reply))
	for _, e := range reply {
		fields, err := redis.Values(e, nil)
		if err != nil || len(fields) < 4 {
			continue
		}
		var pe PendingEntry
		pe.ID, _ = redis.String(fields[0], nil)
		pe.Consumer, _ = redis.String(fields[1], nil)
		idleMS, _ := redis.Int64(fields[2], nil)
		pe.Idle = time.Duration(idleMS) * time.Millisecond
		pe.DeliveryCount, _ = redis.Int64(fields[3], nil)
		entries = append(entries, pe)
	}
	return entries, nil
}

// Length returns the stream length and refreshes the length gauge.
func (q *Queue) Length(ctx context.Context) (int64, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	n, err := redis.Int64(redis.DoContext(conn, ctx, "XLEN", q.cfg.Stream))
	if err != nil {
		return 0, fmt.Errorf("length: %w", err)
	}
	metrics.QueueLength.Set(float64(n))
	return n, nil
}

// Trim drops stream entries beyond maxLen, approximately. Returns the number
// of entries removed.
func (q *Queue) Trim(ctx context.Context, maxLen int64) (int64, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	n, err := redis.Int64(redis.DoContext(conn, ctx, "XTRIM", q.cfg.Stream, "MAXLEN", "~", maxLen))
	if err != nil {
		return 0, fmt.Errorf("trim: %w", err)
	}
	return n, nil
}

// Ping verifies queue reachability with a trivial round trip.
func (q *Queue) Ping(ctx context.Context) error {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()
	if _, err := redis.DoContext(conn, ctx, "PING"); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// parseEntries converts an XREADGROUP/XAUTOCLAIM entry list into deliveries.
// Entries that fail to decode are returned with DecodeErr set rather than
// dropped, so the caller can quarantine and ack them.
func (q *Queue) parseEntries(raw interface{}) ([]Delivery, error) {
	entries, err := redis.Values(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("parse entries: %w", err)
	}
	out := make([]Delivery, 0, len(entries))
	for _, e := range entries {
		if e == nil {
			// XAUTOCLAIM reports entries deleted from the stream as nils.
			continue
		}
		entry, err := redis.Values(e, nil)
		if err != nil || len(entry) < 2 {
			continue
		}
		id, err := redis.String(entry[0], nil)
		if err != nil {
			continue
		}
		d := Delivery{ID: id}
		fields, err := redis.ByteSlices(entry[1], nil)
		if err != nil {
			d.DecodeErr = fmt.Errorf("entry %s: malformed fields", id)
			out = append(out, d)
			continue
		}
		for i := 0; i+1 < len(fields); i += 2 {
			if string(fields[i]) == payloadField {
				d.RawPayload = fields[i+1]
			}
		}
		if d.RawPayload == nil {
			d.DecodeErr = fmt.Errorf("entry %s: missing payload field", id)
			out = append(out, d)
			continue
		}
		rec, err := model.DecodePayload(d.RawPayload)
		if err != nil {
			d.DecodeErr = err
			out = append(out, d)
			continue
		}
		rec.IngestID = id
		d.Record = rec
		out = append(out, d)
	}
	return out, nil
}
