package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/evidence-ledger/cmd/evidence/container"
	"github.com/chittyos/evidence-ledger/cmd/evidence/service"
	"github.com/chittyos/evidence-ledger/common/bootstrap"
	"github.com/chittyos/evidence-ledger/common/config"
	"github.com/chittyos/evidence-ledger/common/ledger"
	"github.com/chittyos/evidence-ledger/common/logger"
	"github.com/chittyos/evidence-ledger/common/models"
)

func setupRouter(t *testing.T, rateLimit float64) (*echo.Echo, *ledger.Ledger) {
	t.Helper()
	c := setupContainer(t, rateLimit)
	return NewRouter(c), c.Components.Ledger
}

func setupContainer(t *testing.T, rateLimit float64) *container.Container {
	t.Helper()
	ctx := context.Background()

	cfg, err := config.Load("evidence-test", "")
	require.NoError(t, err)
	cfg.Ledger.Backend = config.BackendFile
	cfg.Ledger.Dir = t.TempDir()
	cfg.Redis.Enabled = false
	cfg.Queue.Type = "memory"
	cfg.Service.RateLimit = rateLimit
	cfg.Service.RateBurst = 1

	comps, err := bootstrap.Setup(ctx, "evidence-test",
		bootstrap.WithCustomConfig(cfg),
		bootstrap.WithCustomLogger(logger.Discard()),
		bootstrap.WithoutTelemetry(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = comps.Shutdown(ctx) })

	c, err := container.NewContainer(comps)
	require.NoError(t, err)
	return c
}

func seed(t *testing.T, l *ledger.Ledger) *models.IngestionRun {
	t.Helper()
	ctx := context.Background()

	run, err := l.StartRun(ctx, models.RunKindIngest, []string{"/evidence"}, "test")
	require.NoError(t, err)

	_, _, err = l.Upsert(ctx, ledger.Observation{Digest: "sha256:aa", Path: "/evidence/a.txt", Size: 1, RunID: run.RunID})
	require.NoError(t, err)
	_, _, err = l.Upsert(ctx, ledger.Observation{Digest: "sha256:aa", Path: "/evidence/b.txt", Size: 1, RunID: run.RunID})
	require.NoError(t, err)
	_, _, err = l.Upsert(ctx, ledger.Observation{Digest: "sha256:cc", Path: "/evidence/c.txt", Size: 1, RunID: run.RunID})
	require.NoError(t, err)
	_, err = l.MarkMinted(ctx, "sha256:aa", "CT-0001", run.RunID)
	require.NoError(t, err)

	run.FilesScanned, run.FilesNew, run.FilesDuplicate = 3, 1, 1
	require.NoError(t, l.FinalizeRun(ctx, run, models.RunCompleted))
	return run
}

func get(t *testing.T, e *echo.Echo, target string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestHealth(t *testing.T) {
	e, _ := setupRouter(t, 0)

	var body map[string]string
	rec := get(t, e, "/health", &body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, config.BackendFile, body["backend"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRecordRoutes(t *testing.T) {
	e, l := setupRouter(t, 0)
	seed(t, l)

	var list struct {
		Records    []models.FileRecord `json:"records"`
		Count      int                 `json:"count"`
		NextCursor string              `json:"next_cursor"`
	}
	rec := get(t, e, "/api/v1/records", &list)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, list.Count)
	assert.Empty(t, list.NextCursor)

	rec = get(t, e, "/api/v1/records?status=minted", &list)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, list.Records, 1)
	assert.Equal(t, "CT-0001", list.Records[0].ID())
	assert.Equal(t, []string{"/evidence/b.txt"}, list.Records[0].AliasPaths)

	rec = get(t, e, "/api/v1/records?limit=1", &list)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, list.NextCursor)
	first := list.Records[0].ContentDigest
	rec = get(t, e, "/api/v1/records?limit=1&after="+list.NextCursor, &list)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, list.Records, 1)
	assert.NotEqual(t, first, list.Records[0].ContentDigest)

	var one models.FileRecord
	rec = get(t, e, "/api/v1/records/sha256:cc", &one)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusPendingID, one.Status)

	var history struct {
		Events []models.FileEvent `json:"events"`
	}
	rec = get(t, e, "/api/v1/records/sha256:aa/history", &history)
	require.Equal(t, http.StatusOK, rec.Code)
	kinds := make([]models.EventKind, 0, len(history.Events))
	for _, ev := range history.Events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []models.EventKind{models.EventObserved, models.EventAliasAdded, models.EventMinted}, kinds)

	assert.Equal(t, http.StatusNotFound, get(t, e, "/api/v1/records/sha256:zz", nil).Code)
	assert.Equal(t, http.StatusNotFound, get(t, e, "/api/v1/records/sha256:zz/history", nil).Code)
	assert.Equal(t, http.StatusBadRequest, get(t, e, "/api/v1/records?status=LOST", nil).Code)
	assert.Equal(t, http.StatusBadRequest, get(t, e, "/api/v1/records?limit=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, get(t, e, "/api/v1/records?after=%21%21", nil).Code)
}

func TestDiffAndStatusRoutes(t *testing.T) {
	e, l := setupRouter(t, 0)
	run := seed(t, l)

	var diff struct {
		Changes []ledger.Change `json:"changes"`
		Count   int             `json:"count"`
	}
	rec := get(t, e, "/api/v1/diff?since="+run.RunID.String(), &diff)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, diff.Count)
	for _, c := range diff.Changes {
		assert.Equal(t, ledger.ChangeCreated, c.Kind)
	}

	rec = get(t, e, "/api/v1/diff?since="+url.QueryEscape("2999-01-01T00:00:00Z"), &diff)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, diff.Count)

	assert.Equal(t, http.StatusBadRequest, get(t, e, "/api/v1/diff", nil).Code)
	assert.Equal(t, http.StatusBadRequest, get(t, e, "/api/v1/diff?since=yesterday", nil).Code)
	assert.Equal(t, http.StatusBadRequest, get(t, e, "/api/v1/diff?since=2024-01-01&cursor=%21%21", nil).Code)
	assert.Equal(t, http.StatusNotFound, get(t, e, "/api/v1/diff?since="+uuid.NewString(), nil).Code)

	var status struct {
		Total    int                   `json:"total"`
		Statuses map[models.Status]int `json:"statuses"`
	}
	rec = get(t, e, "/api/v1/status", &status)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 1, status.Statuses[models.StatusMinted])
	assert.Equal(t, 1, status.Statuses[models.StatusPendingID])
	assert.Equal(t, 0, status.Statuses[models.StatusArchived])
}

func TestRunRoutes(t *testing.T) {
	e, l := setupRouter(t, 0)
	run := seed(t, l)

	var list struct {
		Runs []models.IngestionRun `json:"runs"`
	}
	rec := get(t, e, "/api/v1/runs", &list)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, list.Runs, 1)
	assert.Equal(t, run.RunID, list.Runs[0].RunID)

	var one models.IngestionRun
	rec = get(t, e, "/api/v1/runs/"+run.RunID.String(), &one)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.RunCompleted, one.Status)
	assert.Equal(t, 3, one.FilesScanned)

	assert.Equal(t, http.StatusBadRequest, get(t, e, "/api/v1/runs/not-a-uuid", nil).Code)
	assert.Equal(t, http.StatusNotFound, get(t, e, "/api/v1/runs/"+uuid.NewString(), nil).Code)
}

func TestAPIRateLimit(t *testing.T) {
	e, _ := setupRouter(t, 0.001)

	assert.Equal(t, http.StatusOK, get(t, e, "/api/v1/status", nil).Code)
	rec := get(t, e, "/api/v1/status", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Health stays outside the limit
	assert.Equal(t, http.StatusOK, get(t, e, "/health", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	e, _ := setupRouter(t, 0)

	rec := get(t, e, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestEventStream(t *testing.T) {
	c := setupContainer(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.StartEvents(ctx))

	srv := httptest.NewServer(NewRouter(c))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"

	resp, err := http.Get(srv.URL + "/api/v1/events?run_id=nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return c.Events.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	pub := service.NewEventPublisher(c.Components.Queue, c.Components.Config.Queue.Channel, logger.Discard())
	pub.Minted(ctx, service.MintedEvent{Digest: "sha256:aa", ExternalID: "CT-0001", RunID: uuid.NewString()})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev service.MintedEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "CT-0001", ev.ExternalID)
	assert.Equal(t, "sha256:aa", ev.Digest)
}
