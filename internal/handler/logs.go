// Package handler implements the ingest and query API. Writes go to the
// queue and return as soon as the append is durable; reads go through the
// cache and fall back to the store.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/siftlog/siftlog/internal/archive"
	"github.com/siftlog/siftlog/internal/cache"
	"github.com/siftlog/siftlog/internal/metrics"
	"github.com/siftlog/siftlog/internal/model"
	"github.com/siftlog/siftlog/internal/queue"
	"github.com/siftlog/siftlog/internal/repository"
	"github.com/siftlog/siftlog/internal/response"
)

// DefaultQueryLimit applies when a query omits limit; MaxQueryLimit bounds
// what a client may ask for.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Queue is the ingest-side surface of the message queue.
type Queue interface {
	Append(ctx context.Context, rec *model.LogRecord) (string, error)
	AppendBatch(ctx context.Context, recs []*model.LogRecord) []queue.AppendResult
	Length(ctx context.Context) (int64, error)
	Pending(ctx context.Context) (*queue.PendingSummary, error)
	PendingEntries(ctx context.Context, count int) ([]queue.PendingEntry, error)
	Ping(ctx context.Context) error
}

// Store is the read-side surface of the log store.
type Store interface {
	QueryRecent(ctx context.Context, deviceID string, limit int) ([]model.LogRecord, error)
	CollectStats(ctx context.Context) (*repository.Stats, error)
	Ping(ctx context.Context) error
}

// DeadLetters lists quarantined records for operators.
type DeadLetters interface {
	ListRecent(ctx context.Context, limit int) ([]model.DeadLetter, error)
}

// LogHandler handles the /api routes and /health.
type LogHandler struct {
	Queue       Queue
	Store       Store
	DeadLetters DeadLetters
	Cache       *cache.Cache
	Archive     *archive.Client
	QueryTTL    time.Duration
	StatsTTL    time.Duration
	Log         zerolog.Logger
}

type submitResponse struct {
	Status   string `json:"status"`
	IngestID string `json:"ingest_id"`
}

// Submit accepts one record (POST /api/log). The record is validated,
// appended to the queue, and acknowledged without waiting for a worker.
func (h *LogHandler) Submit(c echo.Context) error {
	var rec model.LogRecord
	if err := c.Bind(&rec); err != nil {
		return response.BadRequest(c, "invalid JSON body", err.Error())
	}
	rec.IngestID = ""
	if err := rec.Validate(); err != nil {
		return response.BadRequest(c, "invalid log record", err.Error())
	}

	id, err := h.Queue.Append(c.Request().Context(), &rec)
	if err != nil {
		if errors.Is(err, queue.ErrUnavailable) {
			return response.Unavailable(c, "queue unavailable", err.Error())
		}
		return response.InternalError(c, "enqueue failed", err.Error())
	}
	metrics.IngestRecords.WithLabelValues(string(rec.Level)).Inc()
	return response.Accepted(c, submitResponse{Status: "queued", IngestID: id}, "")
}

type batchRequest struct {
	Logs []model.LogRecord `json:"logs"`
}

type batchOutcome struct {
	Index    int    `json:"index"`
	Status   string `json:"status"` // queued | rejected | failed
	IngestID string `json:"ingest_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

type batchResponse struct {
	Outcomes []batchOutcome `json:"outcomes"`
	Queued   int            `json:"queued"`
	Rejected int            `json:"rejected"`
	Failed   int            `json:"failed"`
}

// SubmitBatch accepts up to MaxBatchSize records in one call
// (POST /api/logs/batch). Valid records are enqueued in one pipelined round
// trip; the response reports a per-record outcome.
func (h *LogHandler) SubmitBatch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid JSON body", err.Error())
	}
	if len(req.Logs) == 0 {
		return response.BadRequest(c, "empty batch", "logs must contain at least one record")
	}
	if len(req.Logs) > model.MaxBatchSize {
		return response.BadRequest(c, "batch too large",
			fmt.Sprintf("logs must contain at most %d records", model.MaxBatchSize))
	}

	out := batchResponse{Outcomes: make([]batchOutcome, len(req.Logs))}
	var valid []*model.LogRecord
	var validIdx []int
	for i := range req.Logs {
		req.Logs[i].IngestID = ""
		if err := req.Logs[i].Validate(); err != nil {
			out.Outcomes[i] = batchOutcome{Index: i, Status: "rejected", Error: err.Error()}
			out.Rejected++
			continue
		}
		valid = append(valid, &req.Logs[i])
		validIdx = append(validIdx, i)
	}

	if len(valid) > 0 {
		results := h.Queue.AppendBatch(c.Request().Context(), valid)
		for j, res := range results {
			i := validIdx[j]
			if res.Err != nil {
				out.Outcomes[i] = batchOutcome{Index: i, Status: "failed", Error: res.Err.Error()}
				out.Failed++
				continue
			}
			out.Outcomes[i] = batchOutcome{Index: i, Status: "queued", IngestID: res.IngestID}
			out.Queued++
			metrics.IngestRecords.WithLabelValues(string(valid[j].Level)).Inc()
		}
	}

	switch {
	case out.Queued > 0:
		return response.Accepted(c, out, "")
	case out.Failed > 0:
		return response.Unavailable(c, "queue unavailable", "no records were enqueued")
	default:
		return c.JSON(http.StatusBadRequest, response.APIError{
			Code:    response.CodeValidation,
			Message: "all records rejected",
			Error:   "see outcomes",
			Path:    c.Request().URL.Path,
			Status:  http.StatusBadRequest,
		})
	}
}

type queryResponse struct {
	Source  string            `json:"source"`
	Records []model.LogRecord `json:"records"`
}

// Query returns recent records for a device (GET /api/logs/:device_id).
// Results come from the cache when present; misses hit the store and prime
// the cache for the query TTL.
func (h *LogHandler) Query(c echo.Context) error {
	deviceID := c.Param("device_id")
	if deviceID == "" {
		return response.BadRequest(c, "missing device_id", "device_id path segment is required")
	}

	limit := DefaultQueryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return response.BadRequest(c, "invalid limit", "limit must be a non-negative integer")
		}
		if n > MaxQueryLimit {
			return response.BadRequest(c, "invalid limit",
				fmt.Sprintf("limit must be at most %d", MaxQueryLimit))
		}
		limit = n
	}
	if limit == 0 {
		return response.OK(c, queryResponse{Source: "db", Records: []model.LogRecord{}}, "")
	}

	ctx := c.Request().Context()
	key := cache.QueryKey(deviceID, limit)
	if raw, ok := h.Cache.Get(ctx, key); ok {
		var records []model.LogRecord
		if err := json.Unmarshal(raw, &records); err == nil {
			return response.OK(c, queryResponse{Source: "cache", Records: records}, "")
		}
		h.Log.Warn().Str("key", key).Msg("cache entry undecodable, falling through")
	}

	records, err := h.Store.QueryRecent(ctx, deviceID, limit)
	if err != nil {
		return response.Unavailable(c, "store unavailable", err.Error())
	}
	if raw, err := json.Marshal(records); err == nil {
		h.Cache.SetEx(ctx, key, h.QueryTTL, raw)
	}
	return response.OK(c, queryResponse{Source: "db", Records: records}, "")
}

type statsPayload struct {
	Total       int64            `json:"total"`
	ByLevel     map[string]int64 `json:"by_level"`
	QueueLength int64            `json:"queue_length"`
}

// Stats returns aggregate counts (GET /api/stats), cached for the stats TTL.
func (h *LogHandler) Stats(c echo.Context) error {
	ctx := c.Request().Context()
	if raw, ok := h.Cache.Get(ctx, cache.StatsKey); ok {
		var payload statsPayload
		if err := json.Unmarshal(raw, &payload); err == nil {
			return response.OK(c, payload, "cached")
		}
	}

	stats, err := h.Store.CollectStats(ctx)
	if err != nil {
		return response.Unavailable(c, "store unavailable", err.Error())
	}
	payload := statsPayload{Total: stats.Total, ByLevel: stats.ByLevel}
	if n, err := h.Queue.Length(ctx); err == nil {
		payload.QueueLength = n
	}
	if raw, err := json.Marshal(payload); err == nil {
		h.Cache.SetEx(ctx, cache.StatsKey, h.StatsTTL, raw)
	}
	return response.OK(c, payload, "")
}

type queueStatus struct {
	Length  int64                 `json:"length"`
	Pending *queue.PendingSummary `json:"pending"`
	Oldest  []queue.PendingEntry  `json:"oldest,omitempty"`
}

// QueueStatus reports stream length and the pending-entry summary
// (GET /api/queue).
func (h *LogHandler) QueueStatus(c echo.Context) error {
	ctx := c.Request().Context()
	n, err := h.Queue.Length(ctx)
	if err != nil {
		return response.Unavailable(c, "queue unavailable", err.Error())
	}
	pending, err := h.Queue.Pending(ctx)
	if err != nil {
		return response.Unavailable(c, "queue unavailable", err.Error())
	}
	oldest, err := h.Queue.PendingEntries(ctx, 10)
	if err != nil {
		h.Log.Warn().Err(err).Msg("pending entries lookup failed")
	}
	return response.OK(c, queueStatus{Length: n, Pending: pending, Oldest: oldest}, "")
}

// ListDeadLetters returns recent quarantined records (GET /api/deadletters).
func (h *LogHandler) ListDeadLetters(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > MaxQueryLimit {
			return response.BadRequest(c, "invalid limit", "limit must be between 0 and 1000")
		}
		limit = n
	}
	letters, err := h.DeadLetters.ListRecent(c.Request().Context(), limit)
	if err != nil {
		return response.Unavailable(c, "store unavailable", err.Error())
	}
	return response.OK(c, map[string]any{"dead_letters": letters}, "")
}

// ListArchive lists archived batch objects (GET /api/archive).
func (h *LogHandler) ListArchive(c echo.Context) error {
	if h.Archive == nil {
		return response.OK(c, map[string]any{"objects": []archive.ObjectInfo{}}, "archive not configured")
	}
	prefix := c.QueryParam("prefix")
	if prefix == "" {
		prefix = "logs/"
	}
	objects, err := h.Archive.ListObjects(c.Request().Context(), prefix)
	if err != nil {
		return response.InternalError(c, "list archive failed", err.Error())
	}
	return response.OK(c, map[string]any{"objects": objects}, "")
}

type dependencyStatus struct {
	Queue string `json:"dmq"`
	Store string `json:"pls"`
}

// Health probes both backends (GET /health). 200 only when both answer.
func (h *LogHandler) Health(c echo.Context) error {
	ctx := c.Request().Context()
	status := dependencyStatus{Queue: "ok", Store: "ok"}
	healthy := true

	if err := h.Queue.Ping(ctx); err != nil {
		status.Queue = err.Error()
		healthy = false
	}
	if err := h.Store.Ping(ctx); err != nil {
		status.Store = err.Error()
		healthy = false
	}
	if !healthy {
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	return c.JSON(http.StatusOK, status)
}
