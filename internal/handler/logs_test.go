package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/siftlog/siftlog/internal/cache"
	"github.com/siftlog/siftlog/internal/config"
	"github.com/siftlog/siftlog/internal/model"
	"github.com/siftlog/siftlog/internal/queue"
	"github.com/siftlog/siftlog/internal/repository"
)

type fakeStore struct {
	records map[string][]model.LogRecord
	stats   *repository.Stats
	err     error
	queries int
}

func (s *fakeStore) QueryRecent(ctx context.Context, deviceID string, limit int) ([]model.LogRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.queries++
	recs := s.records[deviceID]
	if len(recs) > limit {
		recs = recs[:limit]
	}
	out := []model.LogRecord{}
	out = append(out, recs...)
	return out, nil
}

func (s *fakeStore) CollectStats(ctx context.Context) (*repository.Stats, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.stats == nil {
		return &repository.Stats{ByLevel: map[string]int64{}}, nil
	}
	return s.stats, nil
}

func (s *fakeStore) Ping(ctx context.Context) error { return s.err }

type fakeDeadLetters struct {
	letters []model.DeadLetter
	err     error
}

func (d *fakeDeadLetters) ListRecent(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	if d.err != nil {
		return nil, d.err
	}
	if len(d.letters) > limit {
		return d.letters[:limit], nil
	}
	return d.letters, nil
}

type fixture struct {
	h     *LogHandler
	e     *echo.Echo
	q     *queue.Queue
	store *fakeStore
	mini  *miniredis.Miniredis
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	addr := s.Addr()
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) { return redis.Dial("tcp", addr) },
	}
	t.Cleanup(func() { pool.Close() })

	q := queue.New(pool, config.QueueConfig{
		Stream: "logs:stream", Group: "log_workers",
		AppendRetries: 1, AppendBackoffMS: 1,
	}, zerolog.Nop())

	store := &fakeStore{records: map[string][]model.LogRecord{}}
	h := &LogHandler{
		Queue:       q,
		Store:       store,
		DeadLetters: &fakeDeadLetters{},
		Cache:       cache.New(pool, zerolog.Nop()),
		QueryTTL:    5 * time.Minute,
		StatsTTL:    time.Minute,
		Log:         zerolog.Nop(),
	}
	return &fixture{h: h, e: echo.New(), q: q, store: store, mini: s}
}

func (f *fixture) request(method, target, body string) (*httptest.ResponseRecorder, echo.Context) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return rec, f.e.NewContext(req, rec)
}

func TestSubmitQueuesRecord(t *testing.T) {
	f := setup(t)
	rec, c := f.request(http.MethodPost, "/api/log",
		`{"device_id":"d1","log_level":"INFO","message":"hello"}`)

	if err := f.h.Submit(c); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data submitResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Status != "queued" || resp.Data.IngestID == "" {
		t.Fatalf("data = %+v", resp.Data)
	}

	n, err := f.q.Length(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("stream length = %d (%v), want 1", n, err)
	}
}

func TestSubmitValidationFailures(t *testing.T) {
	f := setup(t)
	bodies := []string{
		`{"device_id":"","log_level":"INFO","message":"x"}`,
		`{"device_id":"d1","log_level":"FOO","message":"x"}`,
		`{"device_id":"d1","log_level":"INFO","message":""}`,
		`{"device_id":"` + strings.Repeat("d", 51) + `","log_level":"INFO","message":"x"}`,
		`not json at all`,
	}
	for i, body := range bodies {
		rec, c := f.request(http.MethodPost, "/api/log", body)
		if err := f.h.Submit(c); err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("case %d: status = %d, want 400", i, rec.Code)
		}
	}
	if n, _ := f.q.Length(context.Background()); n != 0 {
		t.Fatalf("rejected records reached the stream: %d", n)
	}
}

func TestSubmitQueueDown(t *testing.T) {
	f := setup(t)
	f.mini.Close()

	rec, c := f.request(http.MethodPost, "/api/log",
		`{"device_id":"d1","log_level":"INFO","message":"hello"}`)
	if err := f.h.Submit(c); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestSubmitBatchMixedOutcomes(t *testing.T) {
	f := setup(t)
	body := `{"logs":[
		{"device_id":"d1","log_level":"INFO","message":"ok one"},
		{"device_id":"","log_level":"INFO","message":"bad"},
		{"device_id":"d2","log_level":"ERROR","message":"ok two"}
	]}`
	rec, c := f.request(http.MethodPost, "/api/logs/batch", body)
	if err := f.h.SubmitBatch(c); err != nil {
		t.Fatalf("batch: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data batchResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Queued != 2 || resp.Data.Rejected != 1 || resp.Data.Failed != 0 {
		t.Fatalf("counts = %+v", resp.Data)
	}
	if resp.Data.Outcomes[1].Status != "rejected" {
		t.Fatalf("outcome 1 = %+v", resp.Data.Outcomes[1])
	}
	for _, i := range []int{0, 2} {
		if resp.Data.Outcomes[i].Status != "queued" || resp.Data.Outcomes[i].IngestID == "" {
			t.Fatalf("outcome %d = %+v", i, resp.Data.Outcomes[i])
		}
	}
}

func TestSubmitBatchSizeBounds(t *testing.T) {
	f := setup(t)

	rec, c := f.request(http.MethodPost, "/api/logs/batch", `{"logs":[]}`)
	if err := f.h.SubmitBatch(c); err != nil {
		t.Fatalf("empty: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty batch status = %d, want 400", rec.Code)
	}

	var sb strings.Builder
	sb.WriteString(`{"logs":[`)
	for i := 0; i <= model.MaxBatchSize; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, `{"device_id":"d%d","log_level":"INFO","message":"m"}`, i)
	}
	sb.WriteString(`]}`)
	rec, c = f.request(http.MethodPost, "/api/logs/batch", sb.String())
	if err := f.h.SubmitBatch(c); err != nil {
		t.Fatalf("oversize: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("oversize batch status = %d, want 400", rec.Code)
	}
}

func TestSubmitBatchAllRejected(t *testing.T) {
	f := setup(t)
	body := `{"logs":[{"device_id":"","log_level":"INFO","message":"x"}]}`
	rec, c := f.request(http.MethodPost, "/api/logs/batch", body)
	if err := f.h.SubmitBatch(c); err != nil {
		t.Fatalf("batch: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func queryCtx(f *fixture, device, limit string) (*httptest.ResponseRecorder, echo.Context) {
	target := "/api/logs/" + device
	if limit != "" {
		target += "?limit=" + limit
	}
	rec, c := f.request(http.MethodGet, target, "")
	c.SetPath("/api/logs/:device_id")
	c.SetParamNames("device_id")
	c.SetParamValues(device)
	return rec, c
}

func TestQueryCacheThrough(t *testing.T) {
	f := setup(t)
	f.store.records["d1"] = []model.LogRecord{
		{DeviceID: "d1", Level: model.LevelInfo, Message: "hello", Timestamp: time.Now().UTC()},
	}

	rec, c := queryCtx(f, "d1", "10")
	if err := f.h.Query(c); err != nil {
		t.Fatalf("query: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Data queryResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Source != "db" || len(resp.Data.Records) != 1 {
		t.Fatalf("first query = %+v", resp.Data)
	}

	rec, c = queryCtx(f, "d1", "10")
	if err := f.h.Query(c); err != nil {
		t.Fatalf("query 2: %v", err)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode 2: %v", err)
	}
	if resp.Data.Source != "cache" {
		t.Fatalf("second query source = %q, want cache", resp.Data.Source)
	}
	if f.store.queries != 1 {
		t.Fatalf("store queried %d times, want 1", f.store.queries)
	}
}

func TestQueryStaleUntilTTL(t *testing.T) {
	f := setup(t)
	f.store.records["d1"] = []model.LogRecord{
		{DeviceID: "d1", Level: model.LevelInfo, Message: "old"},
	}

	rec, c := queryCtx(f, "d1", "10")
	if err := f.h.Query(c); err != nil {
		t.Fatalf("query: %v", err)
	}
	_ = rec

	// New data arrives; the cached result stays visible until the TTL.
	f.store.records["d1"] = append([]model.LogRecord{
		{DeviceID: "d1", Level: model.LevelInfo, Message: "new"},
	}, f.store.records["d1"]...)

	rec, c = queryCtx(f, "d1", "10")
	if err := f.h.Query(c); err != nil {
		t.Fatalf("query 2: %v", err)
	}
	var resp struct {
		Data queryResponse `json:"data"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Data.Source != "cache" || len(resp.Data.Records) != 1 || resp.Data.Records[0].Message != "old" {
		t.Fatalf("expected stale cached result, got %+v", resp.Data)
	}

	f.mini.FastForward(10 * time.Minute)

	rec, c = queryCtx(f, "d1", "10")
	if err := f.h.Query(c); err != nil {
		t.Fatalf("query 3: %v", err)
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Data.Source != "db" || len(resp.Data.Records) != 2 {
		t.Fatalf("expected fresh result after ttl, got %+v", resp.Data)
	}
}

func TestQueryLimitValidation(t *testing.T) {
	f := setup(t)

	rec, c := queryCtx(f, "d1", "0")
	if err := f.h.Query(c); err != nil {
		t.Fatalf("limit 0: %v", err)
	}
	var resp struct {
		Data queryResponse `json:"data"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || len(resp.Data.Records) != 0 {
		t.Fatalf("limit 0: status %d, records %d", rec.Code, len(resp.Data.Records))
	}

	for _, bad := range []string{"-1", "abc", "1001"} {
		rec, c := queryCtx(f, "d1", bad)
		if err := f.h.Query(c); err != nil {
			t.Fatalf("limit %s: %v", bad, err)
		}
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("limit %s: status = %d, want 400", bad, rec.Code)
		}
	}
}

func TestQueryUnknownDeviceEmpty(t *testing.T) {
	f := setup(t)
	rec, c := queryCtx(f, "never-seen", "10")
	if err := f.h.Query(c); err != nil {
		t.Fatalf("query: %v", err)
	}
	var resp struct {
		Data queryResponse `json:"data"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || len(resp.Data.Records) != 0 {
		t.Fatalf("status %d, records %d", rec.Code, len(resp.Data.Records))
	}
}

func TestQueryStoreDownSurfaces(t *testing.T) {
	f := setup(t)
	f.store.err = errors.New("connection refused")

	rec, c := queryCtx(f, "d1", "10")
	if err := f.h.Query(c); err != nil {
		t.Fatalf("query: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestQueryCacheDownFallsBack(t *testing.T) {
	f := setup(t)
	f.store.records["d1"] = []model.LogRecord{
		{DeviceID: "d1", Level: model.LevelInfo, Message: "hello"},
	}
	f.mini.Close() // cache unreachable; query path must still work

	rec, c := queryCtx(f, "d1", "10")
	if err := f.h.Query(c); err != nil {
		t.Fatalf("query: %v", err)
	}
	var resp struct {
		Data queryResponse `json:"data"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || resp.Data.Source != "db" || len(resp.Data.Records) != 1 {
		t.Fatalf("status %d, data %+v", rec.Code, resp.Data)
	}
}

func TestStatsCached(t *testing.T) {
	f := setup(t)
	f.store.stats = &repository.Stats{Total: 7, ByLevel: map[string]int64{"INFO": 5, "ERROR": 2}}

	rec, c := f.request(http.MethodGet, "/api/stats", "")
	if err := f.h.Stats(c); err != nil {
		t.Fatalf("stats: %v", err)
	}
	var resp struct {
		Data    statsPayload `json:"data"`
		Message string       `json:"message"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Data.Total != 7 || resp.Message == "cached" {
		t.Fatalf("first stats = %+v / %q", resp.Data, resp.Message)
	}

	f.store.stats.Total = 100 // changes must stay invisible until the TTL

	rec, c = f.request(http.MethodGet, "/api/stats", "")
	if err := f.h.Stats(c); err != nil {
		t.Fatalf("stats 2: %v", err)
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Data.Total != 7 || resp.Message != "cached" {
		t.Fatalf("second stats = %+v / %q", resp.Data, resp.Message)
	}
}

func TestHealth(t *testing.T) {
	f := setup(t)

	rec, c := f.request(http.MethodGet, "/health", "")
	if err := f.h.Health(c); err != nil {
		t.Fatalf("health: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	f.store.err = errors.New("dial tcp: connection refused")
	rec, c = f.request(http.MethodGet, "/health", "")
	if err := f.h.Health(c); err != nil {
		t.Fatalf("health 2: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var status dependencyStatus
	_ = json.Unmarshal(rec.Body.Bytes(), &status)
	if status.Queue != "ok" || status.Store == "ok" {
		t.Fatalf("status = %+v", status)
	}
}

func TestQueueStatus(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	if err := f.q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := f.q.Append(ctx, &model.LogRecord{DeviceID: "d1", Level: model.LevelInfo, Message: "x"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rec, c := f.request(http.MethodGet, "/api/queue", "")
	if err := f.h.QueueStatus(c); err != nil {
		t.Fatalf("queue status: %v", err)
	}
	var resp struct {
		Data queueStatus `json:"data"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Data.Length != 3 {
		t.Fatalf("length = %d, want 3", resp.Data.Length)
	}
}

func TestListDeadLetters(t *testing.T) {
	f := setup(t)
	f.h.DeadLetters = &fakeDeadLetters{letters: []model.DeadLetter{
		{ID: "1", IngestID: "1-0", Reason: "check constraint violated"},
	}}

	rec, c := f.request(http.MethodGet, "/api/deadletters", "")
	if err := f.h.ListDeadLetters(c); err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "check constraint violated") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestListArchiveUnconfigured(t *testing.T) {
	f := setup(t)
	rec, c := f.request(http.MethodGet, "/api/archive", "")
	if err := f.h.ListArchive(c); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "archive not configured") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
