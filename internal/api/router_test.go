package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/framequeue/internal/api"
	"github.com/kiranshivaraju/framequeue/internal/api/handler"
	mw "github.com/kiranshivaraju/framequeue/internal/api/middleware"
	cachemock "github.com/kiranshivaraju/framequeue/internal/cache/mock"
	detectormock "github.com/kiranshivaraju/framequeue/internal/detector/mock"
	"github.com/kiranshivaraju/framequeue/internal/queue"
	"github.com/kiranshivaraju/framequeue/internal/store"
	storemock "github.com/kiranshivaraju/framequeue/internal/store/mock"
	"github.com/kiranshivaraju/framequeue/internal/worker"
	"github.com/kiranshivaraju/framequeue/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testRawKey = "fqk_test_router_key_1234567890"

type stubWorker struct{ state worker.State }

func (w stubWorker) State() worker.State { return w.state }
func (w stubWorker) Heartbeat() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

type server struct {
	store *storemock.Store
	cache *cachemock.Cache
	h     http.Handler
}

func newServer(t *testing.T, hashes ...string) *server {
	t.Helper()
	s := &server{store: storemock.NewStore(), cache: cachemock.NewCache()}
	q := queue.New(s.store, s.cache, nil, queue.DefaultOptions())
	res := queue.NewResolver(s.store, s.cache, q, 20)
	ws := stubWorker{state: worker.StateRunning}

	s.h = api.NewRouter(api.Dependencies{
		Auth:                mw.NewAuth(hashes),
		RateLimit:           mw.NewRateLimit(s.cache, 60),
		HealthHandler:       handler.NewHealthHandler(s.store, s.cache, ws, detectormock.NewMockDetector()),
		SubmitClipHandler:   handler.NewSubmitHandler(res, models.WorkKindClip),
		SubmitStreamHandler: handler.NewSubmitHandler(res, models.WorkKindStream),
		JobStatusHandler:    handler.NewJobStatusHandler(q),
		ResultHandler:       handler.NewResultHandler(res),
		MatchResultHandler:  handler.NewMatchResultHandler(res),
		QueueHandler:        handler.NewQueueHandler(q, ws),
	})
	return s
}

func (s *server) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.h.ServeHTTP(w, req)

	var env map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func data(t *testing.T, env map[string]any) map[string]any {
	t.Helper()
	d, ok := env["data"].(map[string]any)
	require.True(t, ok, "no data in %v", env)
	return d
}

// finish completes the single pending job for key with an image-bearing result.
func (s *server) finish(t *testing.T, requestID string, key string, matchID *string) {
	t.Helper()
	ctx := context.Background()
	id := uuid.MustParse(requestID)
	require.NoError(t, s.store.Transition(ctx, id, models.JobStatusProcessing))
	rid, err := s.store.SaveResult(ctx, &models.CachedResult{
		ClipID:  key,
		MatchID: matchID,
		Results: detectormock.SampleResult(models.DetectionRequest{
			RequestID: requestID,
			Params:    models.Parameters{IncludeImage: true},
		}),
		ProcessingTimeSeconds: 4,
	})
	require.NoError(t, err)
	require.NoError(t, s.store.Transition(ctx, id, models.JobStatusCompleted, store.WithResultID(rid)))
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	s := newServer(t, hashKey(t))

	w, env := s.do(t, "GET", "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	services := data(t, env)["services"].(map[string]any)
	assert.Equal(t, "ok", services["database"])
	assert.Equal(t, "running", services["worker"])
}

func TestRouter_HealthDegraded(t *testing.T) {
	s := newServer(t)
	s.store.SetErr(store.ErrStoreUnavailable)

	w, env := s.do(t, "GET", "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	errObj := env["error"].(map[string]any)
	assert.Equal(t, "DEGRADED", errObj["code"])
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	s := newServer(t, hashKey(t))

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/clips"},
		{"POST", "/api/v1/streams"},
		{"GET", "/api/v1/jobs/" + uuid.NewString()},
		{"GET", "/api/v1/results/clip-1"},
		{"GET", "/api/v1/matches/m-1/result"},
		{"GET", "/api/v1/queue"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			w, env := s.do(t, ep.method, ep.path, nil)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			errObj := env["error"].(map[string]any)
			assert.Equal(t, "INVALID_TOKEN", errObj["code"])
		})
	}
}

func TestRouter_ValidKeyAccepted(t *testing.T) {
	s := newServer(t, hashKey(t))

	req := httptest.NewRequest("GET", "/api/v1/queue", nil)
	req.Header.Set("Authorization", "Bearer "+testRawKey)
	w := httptest.NewRecorder()
	s.h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
}

func TestRouter_NotFound(t *testing.T) {
	s := newServer(t)

	w, env := s.do(t, "GET", "/api/v1/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "ROUTE_NOT_FOUND", env["error"].(map[string]any)["code"])
}

func TestRouter_ClipLifecycle(t *testing.T) {
	s := newServer(t)
	body := map[string]any{"clip_id": "clip-9", "clip_url": "https://clips.example/9.mp4", "num_frames": 8}

	w, env := s.do(t, "POST", "/api/v1/clips", body)
	require.Equal(t, http.StatusAccepted, w.Code)
	admitted := data(t, env)
	assert.Equal(t, "admitted", admitted["outcome"])
	assert.Equal(t, "pending", admitted["status"])
	assert.Equal(t, float64(1), admitted["position"])
	requestID := admitted["request_id"].(string)

	w, env = s.do(t, "POST", "/api/v1/clips", body)
	require.Equal(t, http.StatusAccepted, w.Code)
	joined := data(t, env)
	assert.Equal(t, "in_flight", joined["outcome"])
	assert.Equal(t, requestID, joined["request_id"])

	w, env = s.do(t, "GET", "/api/v1/jobs/"+requestID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", data(t, env)["status"])

	s.finish(t, requestID, "clip-9", nil)

	w, env = s.do(t, "POST", "/api/v1/clips", body)
	require.Equal(t, http.StatusOK, w.Code)
	cached := data(t, env)
	assert.Equal(t, "cached", cached["outcome"])
	assert.Equal(t, "completed", cached["status"])
	results := cached["result"].(map[string]any)["results"].(map[string]any)
	_, hasImage := results["image_ref"]
	assert.False(t, hasImage, "image reference must be stripped")

	w, env = s.do(t, "GET", "/api/v1/jobs/"+requestID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := data(t, env)
	assert.Equal(t, "completed", status["status"])
	assert.Equal(t, "clip-9", status["result"].(map[string]any)["clip_id"])

	w, env = s.do(t, "GET", "/api/v1/results/clip-9?include_image=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	withImage := data(t, env)["results"].(map[string]any)
	assert.NotEmpty(t, withImage["image_ref"])
}

func TestRouter_StreamSubmission(t *testing.T) {
	s := newServer(t)

	w, env := s.do(t, "POST", "/api/v1/streams", map[string]any{"username": "shroud"})
	require.Equal(t, http.StatusAccepted, w.Code)
	job := data(t, env)
	assert.Equal(t, "stream", job["request_type"])
	assert.Equal(t, float64(25), job["estimated_wait_seconds"])

	w, _ = s.do(t, "GET", "/api/v1/results/shroud?type=stream", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = s.do(t, "GET", "/api/v1/results/shroud?type=vod", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_MatchResult(t *testing.T) {
	s := newServer(t)
	match := "match-77"

	w, env := s.do(t, "POST", "/api/v1/clips", map[string]any{"clip_id": "c-1", "match_id": match})
	require.Equal(t, http.StatusAccepted, w.Code)
	s.finish(t, data(t, env)["request_id"].(string), "c-1", &match)

	w, env = s.do(t, "GET", "/api/v1/matches/"+match+"/result", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "c-1", data(t, env)["clip_id"])

	// A different clip in the same match is answered from the match.
	w, env = s.do(t, "POST", "/api/v1/clips", map[string]any{"clip_id": "c-2", "match_id": match})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cached", data(t, env)["outcome"])

	w, _ = s.do(t, "GET", "/api/v1/matches/unknown/result", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_JobResponsesMirrorQueueColumns(t *testing.T) {
	s := newServer(t)

	_, env := s.do(t, "POST", "/api/v1/streams", map[string]any{
		"username": "tenz", "match_id": "m-5", "num_frames": 12, "debug": true, "include_image": true,
	})
	admitted := data(t, env)
	assert.Equal(t, "tenz", admitted["stream_username"])
	assert.Nil(t, admitted["clip_id"])

	w, env := s.do(t, "GET", "/api/v1/jobs/"+admitted["request_id"].(string), nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := data(t, env)

	for _, column := range []string{
		"request_id", "request_type", "clip_id", "stream_username", "clip_url", "match_id",
		"num_frames", "debug", "force", "include_image", "status", "created_at", "started_at",
		"completed_at", "position", "estimated_wait_seconds", "estimated_completion_time",
		"result_id", "error_message",
	} {
		assert.Contains(t, status, column)
	}
	assert.NotContains(t, status, "work_key")
	assert.NotContains(t, status, "parameters")

	assert.Equal(t, "stream", status["request_type"])
	assert.Equal(t, "tenz", status["stream_username"])
	assert.Equal(t, "m-5", status["match_id"])
	assert.Equal(t, float64(12), status["num_frames"])
	assert.Equal(t, true, status["debug"])
	assert.Equal(t, false, status["force"])
	assert.Equal(t, true, status["include_image"])

	_, env = s.do(t, "POST", "/api/v1/clips", map[string]any{"clip_id": "col-1"})
	clip := data(t, env)
	assert.Equal(t, "col-1", clip["clip_id"])
	assert.Nil(t, clip["stream_username"])
}

func TestRouter_SubmitValidation(t *testing.T) {
	s := newServer(t)

	tests := []struct {
		name string
		path string
		body any
	}{
		{"missing clip id", "/api/v1/clips", map[string]any{"clip_url": "x"}},
		{"blank username", "/api/v1/streams", map[string]any{"username": "   "}},
		{"too many frames", "/api/v1/clips", map[string]any{"clip_id": "a", "num_frames": 500}},
		{"negative frames", "/api/v1/clips", map[string]any{"clip_id": "a", "num_frames": -1}},
		{"not json", "/api/v1/clips", "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := s.do(t, "POST", tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "INVALID_REQUEST", env["error"].(map[string]any)["code"])
		})
	}
}

func TestRouter_StoreUnavailableAtAdmission(t *testing.T) {
	s := newServer(t)
	s.store.SetErr(store.ErrStoreUnavailable)

	w, env := s.do(t, "POST", "/api/v1/clips", map[string]any{"clip_id": "x"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "STORE_UNAVAILABLE", env["error"].(map[string]any)["code"])
}

func TestRouter_JobStatus(t *testing.T) {
	s := newServer(t)

	w, _ := s.do(t, "GET", "/api/v1/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env := s.do(t, "GET", "/api/v1/jobs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "JOB_NOT_FOUND", env["error"].(map[string]any)["code"])
}

func TestRouter_JobStatusDegraded(t *testing.T) {
	s := newServer(t)

	_, env := s.do(t, "POST", "/api/v1/clips", map[string]any{"clip_id": "d-1"})
	requestID := data(t, env)["request_id"].(string)

	s.store.SetErr(store.ErrStoreUnavailable)
	w, env := s.do(t, "GET", "/api/v1/jobs/"+requestID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := data(t, env)
	assert.Equal(t, true, status["degraded"])
	assert.Equal(t, "pending", status["status"])

	w, _ = s.do(t, "GET", "/api/v1/jobs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRouter_QueueStats(t *testing.T) {
	s := newServer(t)
	s.do(t, "POST", "/api/v1/clips", map[string]any{"clip_id": "q-1"})
	s.do(t, "POST", "/api/v1/clips", map[string]any{"clip_id": "q-2"})

	w, env := s.do(t, "GET", "/api/v1/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := data(t, env)
	assert.Equal(t, float64(2), stats["pending"])
	assert.Equal(t, "running", stats["worker"].(map[string]any)["state"])
	assert.NotEmpty(t, stats["worker"].(map[string]any)["heartbeat"])
}

func hashKey(t *testing.T) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(testRawKey), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}
