package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"commerce-sync/internal/cleanup"
	"commerce-sync/internal/config"
	"commerce-sync/internal/models"
	"commerce-sync/internal/queue"
	"commerce-sync/internal/ratelimit"
	"commerce-sync/internal/store"
	"commerce-sync/internal/syncer"
)

var errDeliberate = errors.New("deliberate failure")

// staticRecords serves the sweeper's read paths from fixed data; purge reports
// fixed counts without touching anything.
type staticRecords struct {
	old []store.OldOrder
}

func (s *staticRecords) OrdersOlderThan(ctx context.Context, cutoff time.Time) ([]store.OldOrder, error) {
	return s.old, nil
}

func (s *staticRecords) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	return int64(len(s.old)), 1, nil
}

func (s *staticRecords) CountOrders(ctx context.Context) (int64, error) { return 10, nil }

func (s *staticRecords) CountOrdersOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return int64(len(s.old)), nil
}

func (s *staticRecords) CountProducts(ctx context.Context) (int64, error) { return 4, nil }

type testServer struct {
	srv      *Server
	registry *queue.Registry
	handler  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg := queue.NewRegistryWithClient(client, 30*time.Second, models.QueueOrders, models.QueueProducts)
	log := zap.NewNop()
	records := &staticRecords{old: []store.OldOrder{
		{ExternalID: "9001", Number: "100", DateCreated: time.Now().AddDate(0, -6, 0), LineItems: []string{"prod-a"}},
	}}
	srv := New(config.Config{}, reg, syncer.NewCoordinator(reg, log), cleanup.NewSweeper(records, 90*24*time.Hour, log), nil, log)
	return &testServer{srv: srv, registry: reg, handler: srv.Router()}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestQueueStats(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.registry.Enqueue(context.Background(), models.QueueOrders, models.TypeSyncOrders, nil, queue.Options{})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/queues/stats/orders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "orders", body["queue"])
	stats := body["stats"].(map[string]any)
	require.EqualValues(t, 1, stats["waiting"])

	rec = ts.do(t, http.MethodGet, "/queues/stats/bogus", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAllQueueStats(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/queues/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	stats := body["stats"].(map[string]any)
	require.Contains(t, stats, "orders")
	require.Contains(t, stats, "products")
}

func TestEnqueueJob(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/queues/jobs", `{"jobType":"sync_orders"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	job := body["job"].(map[string]any)
	require.Equal(t, "sync_orders", job["type"])

	stats, err := ts.registry.Stats(context.Background(), models.QueueOrders)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Waiting)
}

func TestEnqueueJobWithOptions(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/queues/jobs",
		`{"jobType":"update_order_status","data":{"order_key":"wc_123","status":"completed"},
		  "options":{"priority":1,"delaySeconds":30,"maxAttempts":5,"backoff":"fixed"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	jobID := body["job"].(map[string]any)["id"].(string)
	job, err := ts.registry.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, models.PriorityHigh, job.Priority)
	require.Equal(t, models.StateDelayed, job.State)
	require.Equal(t, 5, job.Retry.MaxAttempts)
	require.Equal(t, models.BackoffFixed, job.Retry.Kind)
}

func TestEnqueueJobRejectsUnknownType(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/queues/jobs", `{"jobType":"drop_tables"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/queues/jobs", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueJobRateLimited(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ts := newTestServer(t)
	ts.srv.limiter = ratelimit.NewTokenBucket(client, 1, 0, time.Minute)
	ts.handler = ts.srv.Router()

	rec := ts.do(t, http.MethodPost, "/queues/jobs", `{"jobType":"sync_orders"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = ts.do(t, http.MethodPost, "/queues/jobs", `{"jobType":"sync_orders"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestPauseAndResumeQueue(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/queues/pause/orders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	paused, err := ts.registry.IsPaused(ctx, models.QueueOrders)
	require.NoError(t, err)
	require.True(t, paused)

	rec = ts.do(t, http.MethodPost, "/queues/resume/orders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	paused, err = ts.registry.IsPaused(ctx, models.QueueOrders)
	require.NoError(t, err)
	require.False(t, paused)
}

func TestPauseAndResumeWorker(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/queues/workers/pause/products", "")
	require.Equal(t, http.StatusOK, rec.Code)
	paused, err := ts.registry.WorkerPaused(ctx, models.QueueProducts)
	require.NoError(t, err)
	require.True(t, paused)

	rec = ts.do(t, http.MethodPost, "/queues/workers/resume/products", "")
	require.Equal(t, http.StatusOK, rec.Code)
	paused, err = ts.registry.WorkerPaused(ctx, models.QueueProducts)
	require.NoError(t, err)
	require.False(t, paused)
}

func TestFailedJobListingAndRetry(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)

	job, err := ts.registry.Enqueue(ctx, models.QueueOrders, models.TypeProcessOrder, nil, queue.Options{})
	require.NoError(t, err)
	_, err = ts.registry.DequeueWithLease(ctx, models.QueueOrders)
	require.NoError(t, err)
	job, err = ts.registry.MarkActive(ctx, job)
	require.NoError(t, err)
	require.NoError(t, ts.registry.MarkFailed(ctx, job, errDeliberate))

	rec := ts.do(t, http.MethodGet, "/queues/failed/orders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	jobs := body["jobs"].([]any)
	require.Len(t, jobs, 1)

	rec = ts.do(t, http.MethodPost, "/queues/failed/orders/"+job.ID+"/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/queues/failed/orders/"+job.ID+"/retry", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthSnapshot(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	require.NoError(t, ts.registry.WorkerHeartbeat(ctx, models.QueueOrders, time.Minute))
	require.NoError(t, ts.registry.PauseWorker(ctx, models.QueueOrders))

	rec := ts.do(t, http.MethodGet, "/queues/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "healthy", body["status"])

	workers := body["workers"].(map[string]any)
	orders := workers["orders"].(map[string]any)
	require.Equal(t, true, orders["exists"])
	require.Equal(t, false, orders["isRunning"])

	products := workers["products"].(map[string]any)
	require.Equal(t, false, products["exists"])
}

func TestTriggerSync(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/sync/orders", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	stats, err := ts.registry.Stats(context.Background(), models.QueueOrders)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Waiting)
}

func TestRunCleanupInline(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/sync/cleanup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	data := body["data"].(map[string]any)
	require.EqualValues(t, 1, data["deletedOrders"])
	require.EqualValues(t, 1, data["deletedProducts"])
}

func TestCleanupPreviewAndStats(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/sync/cleanup/preview", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	data := body["data"].(map[string]any)
	summary := data["summary"].(map[string]any)
	require.EqualValues(t, 1, summary["ordersCount"])
	require.EqualValues(t, 1, summary["productsToCheckCount"])

	rec = ts.do(t, http.MethodGet, "/sync/cleanup/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	data = body["data"].(map[string]any)
	require.EqualValues(t, 10, data["totalOrders"])
	require.EqualValues(t, 4, data["totalProducts"])
}
