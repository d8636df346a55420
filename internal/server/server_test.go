package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/nimbus/internal/app"
	"github.com/bobmcallan/nimbus/internal/common"
	"github.com/bobmcallan/nimbus/internal/interfaces"
	"github.com/bobmcallan/nimbus/internal/metrics"
	"github.com/bobmcallan/nimbus/internal/models"
	"github.com/bobmcallan/nimbus/internal/services/events"
	"github.com/bobmcallan/nimbus/internal/services/fetcher"
	"github.com/bobmcallan/nimbus/internal/storage/sqlite"
)

// newTestServer wires a Server against a real SQLite store. The fetch
// service is deliberately never started, so submitted jobs stay queued
// and the API semantics can be asserted without live downloads.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := common.NewSilentLogger()
	config := common.NewDefaultConfig()
	config.Storage.Path = filepath.Join(t.TempDir(), "jobs.db")
	config.Storage.DataDir = t.TempDir()

	store, err := sqlite.NewStore(config.Storage.Path, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hub := events.NewHub(logger)
	m := metrics.New()
	providers := map[string]interfaces.Provider{}

	a := &app.App{
		Config:    config,
		Logger:    logger,
		Store:     store,
		Providers: providers,
		Fetch:     fetcher.NewService(config, store, providers, hub, m, logger),
		Hub:       hub,
		Streamer:  events.NewStreamer(store, logger),
		Metrics:   m,
	}
	return NewServer(a)
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewBuffer(data)
}

func searchBody() map[string]interface{} {
	return map[string]interface{}{
		"job_type":   "search_download",
		"provider":   "copernicus",
		"collection": "SENTINEL-2",
		"start_date": "2025-06-01",
		"end_date":   "2025-06-30",
		"aoi":        map[string]string{"wkt": "POLYGON((10 50, 11 50, 11 51, 10 51, 10 50))"},
	}
}

func downloadBody() map[string]interface{} {
	return map[string]interface{}{
		"job_type":    "download_products",
		"provider":    "usgs",
		"collection":  "landsat_ot_c2_l2",
		"product_ids": []string{"LC09_L2SP_090084"},
	}
}

func doRequest(srv *Server, method, path string, body *bytes.Buffer) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, body)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), "body: %s", rec.Body.String())
	return out
}

// submitJob posts one job and returns its id.
func submitJob(t *testing.T, srv *Server, body map[string]interface{}) string {
	t.Helper()
	rec := doRequest(srv, http.MethodPost, "/v1/jobs", jsonBody(t, body))
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	id, ok := decodeMap(t, rec)["job_id"].(string)
	require.True(t, ok, "job_id missing from response")
	return id
}

// --- System endpoints ---

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeMap(t, rec)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "sqlite", resp["backend"])
}

func TestVersion(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeMap(t, rec)
	assert.Contains(t, resp, "version")
	assert.Contains(t, resp, "build")
}

func TestShutdownEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ch := make(chan struct{}, 1)
	srv.SetShutdownChannel(ch)

	rec := doRequest(srv, http.MethodPost, "/api/shutdown", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown channel never signaled")
	}

	// Wrong method is rejected before any side effect.
	rec = doRequest(srv, http.MethodGet, "/api/shutdown", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestShutdownEndpoint_DisabledInProduction(t *testing.T) {
	srv := newTestServer(t)
	srv.app.Config.Environment = "production"

	rec := doRequest(srv, http.MethodPost, "/api/shutdown", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// --- Job submission ---

func TestJobSubmit(t *testing.T) {
	srv := newTestServer(t)

	jobID := submitJob(t, srv, searchBody())
	assert.Len(t, jobID, 32, "job id should be 32 hex chars")

	rec := doRequest(srv, http.MethodGet, "/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	status := decodeMap(t, rec)
	assert.Equal(t, jobID, status["job_id"])
	assert.Equal(t, models.JobStateQueued, status["state"])
	assert.Equal(t, "copernicus", status["provider"])
	assert.Equal(t, "SENTINEL-2", status["collection"])
	assert.Equal(t, float64(0), status["progress"])
	assert.Nil(t, status["started_at"])
}

func TestJobSubmit_NormalizesProvider(t *testing.T) {
	srv := newTestServer(t)

	body := searchBody()
	body["provider"] = "  Copernicus "
	jobID := submitJob(t, srv, body)

	rec := doRequest(srv, http.MethodGet, "/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "copernicus", decodeMap(t, rec)["provider"])
}

func TestJobSubmit_ValidationError(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"missing provider", func(b map[string]interface{}) { delete(b, "provider") }},
		{"bad collection", func(b map[string]interface{}) { b["collection"] = "SENTINEL 2" }},
		{"bad date", func(b map[string]interface{}) { b["start_date"] = "June 2025" }},
		{"missing aoi", func(b map[string]interface{}) { delete(b, "aoi") }},
		{"unknown job type", func(b map[string]interface{}) { b["job_type"] = "reprocess" }},
		{"degenerate aoi", func(b map[string]interface{}) {
			b["aoi"] = map[string]string{"wkt": "POLYGON((0 0, 1 1, 2 2, 0 0))"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := searchBody()
			tt.mutate(body)

			rec := doRequest(srv, http.MethodPost, "/v1/jobs", jsonBody(t, body))
			require.Equal(t, http.StatusBadRequest, rec.Code, "body: %s", rec.Body.String())
			assert.Equal(t, "validation", decodeMap(t, rec)["code"])
		})
	}

	// Nothing should have been persisted.
	rec := doRequest(srv, http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeMap(t, rec)["total"])
}

func TestJobSubmit_MalformedJSON(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/v1/jobs", bytes.NewBufferString("{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobsBatch(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/v1/jobs/batch", jsonBody(t, map[string]interface{}{
		"jobs": []map[string]interface{}{searchBody(), downloadBody()},
	}))
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	ids, ok := decodeMap(t, rec)["job_ids"].([]interface{})
	require.True(t, ok)
	assert.Len(t, ids, 2)
}

func TestJobsBatch_EmptyAndInvalid(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/v1/jobs/batch", jsonBody(t, map[string]interface{}{
		"jobs": []map[string]interface{}{},
	}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Submission stops at the first invalid request.
	bad := searchBody()
	delete(bad, "aoi")
	rec = doRequest(srv, http.MethodPost, "/v1/jobs/batch", jsonBody(t, map[string]interface{}{
		"jobs": []map[string]interface{}{bad, searchBody()},
	}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decodeMap(t, rec)["code"])
}

// --- Listing ---

func TestJobList(t *testing.T) {
	srv := newTestServer(t)

	submitJob(t, srv, searchBody())
	submitJob(t, srv, searchBody())
	usgsID := submitJob(t, srv, downloadBody())

	rec := doRequest(srv, http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeMap(t, rec)
	assert.Equal(t, float64(3), list["total"])
	assert.Len(t, list["items"], 3)

	rec = doRequest(srv, http.MethodGet, "/v1/jobs?provider=usgs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list = decodeMap(t, rec)
	require.Equal(t, float64(1), list["total"])
	first := list["items"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, usgsID, first["job_id"])

	rec = doRequest(srv, http.MethodGet, "/v1/jobs?page=2&page_size=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list = decodeMap(t, rec)
	assert.Equal(t, float64(3), list["total"])
	assert.Len(t, list["items"], 1)
	assert.Equal(t, float64(2), list["page"])

	rec = doRequest(srv, http.MethodGet, "/v1/jobs?state=succeeded", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeMap(t, rec)["total"])
}

func TestJobList_BadDateFilter(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/v1/jobs?date_from=junk", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- Status and cancel ---

func TestJobStatus_NotFound(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/v1/jobs/deadbeefdeadbeefdeadbeefdeadbeef", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobCancel_Queued(t *testing.T) {
	srv := newTestServer(t)
	jobID := submitJob(t, srv, searchBody())

	rec := doRequest(srv, http.MethodDelete, "/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeMap(t, rec)
	assert.Equal(t, jobID, resp["job_id"])
	assert.Equal(t, true, resp["cancel_requested"])

	rec = doRequest(srv, http.MethodGet, "/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.JobStateCancelled, decodeMap(t, rec)["state"])

	// A second cancel of a terminal job is acknowledged but refused.
	rec = doRequest(srv, http.MethodDelete, "/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeMap(t, rec)["cancel_requested"])
}

func TestJobCancel_NotFound(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodDelete, "/v1/jobs/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- Results ---

func TestJobResult(t *testing.T) {
	srv := newTestServer(t)
	jobID := submitJob(t, srv, searchBody())

	// No result while the job is still queued.
	rec := doRequest(srv, http.MethodGet, "/v1/jobs/"+jobID+"/result", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, srv.app.Store.SetResult(context.Background(), &models.JobResult{
		JobID:     jobID,
		Paths:     []string{"/data/" + jobID + "/scene.zip"},
		Checksums: map[string]string{"/data/" + jobID + "/scene.zip": "deadbeef"},
		Metadata:  map[string]interface{}{"products_found": float64(1)},
	}))

	rec = doRequest(srv, http.MethodGet, "/v1/jobs/"+jobID+"/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeMap(t, rec)
	assert.Equal(t, jobID, result["job_id"])
	assert.Len(t, result["paths"], 1)
}

func TestJobResult_UnknownJob(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/v1/jobs/ghost/result", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- Event log ---

func TestJobEvents_JSON(t *testing.T) {
	srv := newTestServer(t)
	jobID := submitJob(t, srv, searchBody())

	rec := doRequest(srv, http.MethodGet, "/v1/jobs/"+jobID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	eventsList, ok := decodeMap(t, rec)["events"].([]interface{})
	require.True(t, ok)
	require.Len(t, eventsList, 1)
	first := eventsList[0].(map[string]interface{})
	assert.Equal(t, models.EventJobQueued, first["type"])
	assert.Equal(t, jobID, first["job_id"])

	// The since_id cursor is exclusive.
	id := int64(first["id"].(float64))
	rec = doRequest(srv, http.MethodGet, "/v1/jobs/"+jobID+"/events?since_id="+strconv.FormatInt(id, 10), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeMap(t, rec)["events"])
}

func TestJobEvents_UnknownJob(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/v1/jobs/ghost/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobSubroute_Unknown(t *testing.T) {
	srv := newTestServer(t)
	jobID := submitJob(t, srv, searchBody())

	rec := doRequest(srv, http.MethodGet, "/v1/jobs/"+jobID+"/logs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- SSE streaming ---

func sseFrames(t *testing.T, body *bufio.Reader, want int) []map[string]interface{} {
	t.Helper()
	var frames []map[string]interface{}
	for len(frames) < want {
		line, err := body.ReadString('\n')
		require.NoError(t, err, "stream ended early")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &event))
		frames = append(frames, event)
	}
	return frames
}

func TestJobEvents_SSE(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	jobID := submitJob(t, srv, searchBody())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/jobs/"+jobID+"/events?stream=1", nil)
	require.NoError(t, err)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := sseFrames(t, bufio.NewReader(resp.Body), 1)
	assert.Equal(t, models.EventJobQueued, frames[0]["type"])
	assert.Equal(t, jobID, frames[0]["job_id"])
}

func TestJobEvents_SSE_AcceptHeader(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	jobID := submitJob(t, srv, searchBody())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/jobs/"+jobID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
}

func TestJobEvents_SSE_ResumeFromLastEventID(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	jobID := submitJob(t, srv, searchBody())

	// A second durable event past the job.queued the client already saw.
	_, err := srv.app.Store.AppendEvent(context.Background(), &models.JobEvent{
		JobID:     jobID,
		Type:      models.EventJobProgress,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]interface{}{"bytes": float64(512)},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/jobs/"+jobID+"/events?stream=1", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	frames := sseFrames(t, bufio.NewReader(resp.Body), 1)
	assert.Equal(t, models.EventJobProgress, frames[0]["type"], "replay must start after the cursor")
}

func TestGlobalEvents_SSE(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	first := submitJob(t, srv, searchBody())
	second := submitJob(t, srv, downloadBody())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events?stream=1", nil)
	require.NoError(t, err)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	frames := sseFrames(t, bufio.NewReader(resp.Body), 2)
	assert.Equal(t, first, frames[0]["job_id"])
	assert.Equal(t, second, frames[1]["job_id"])
}

// --- WebSocket feed ---

func TestJobsWS(t *testing.T) {
	srv := newTestServer(t)
	go srv.app.Hub.Run()
	t.Cleanup(srv.app.Hub.Stop)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/ws/jobs", nil)
	require.NoError(t, err)
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for srv.app.Hub.ClientCount() != 1 {
		require.True(t, time.Now().Before(deadline), "client never registered")
		time.Sleep(5 * time.Millisecond)
	}

	jobID := submitJob(t, srv, searchBody())

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event models.JobEvent
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, jobID, event.JobID)
	assert.Equal(t, models.EventJobQueued, event.Type)
}

// --- Middleware ---

func TestAPIKeyEnforcement(t *testing.T) {
	srv := newTestServer(t)
	srv.app.Config.Server.APIKey = "sekret"

	rec := doRequest(srv, http.MethodGet, "/v1/jobs", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("X-API-Key", "sekret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays reachable for probes.
	rec = doRequest(srv, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodOptions, "/v1/jobs", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Last-Event-ID")
}

func TestCorrelationIDPropagation(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Correlation-ID"))

	// Generated when the client sends none.
	rec = doRequest(srv, http.MethodGet, "/api/health", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodPut, "/v1/jobs", jsonBody(t, searchBody()))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Header().Get("Allow"), http.MethodPost)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	submitJob(t, srv, searchBody())

	rec := doRequest(srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "nimbus_jobs_submitted_total 1")
}
