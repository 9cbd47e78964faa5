package api_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chuckstables/fishtest/pkg/api"
	"github.com/chuckstables/fishtest/pkg/auth"
	"github.com/chuckstables/fishtest/pkg/models"
	"github.com/chuckstables/fishtest/pkg/ratelimit"
	"github.com/chuckstables/fishtest/pkg/scheduler"
	"github.com/chuckstables/fishtest/pkg/sprt"
)

type recorder struct {
	counts map[string]int
}

func (r *recorder) RecordExchange(endpoint, status string) {
	r.counts[endpoint+"/"+status]++
}

func setupTestServer(t *testing.T, opts ...api.Option) (*mux.Router, *scheduler.Scheduler) {
	t.Helper()
	s := scheduler.New(scheduler.Config{
		LeaseTimeout: 10 * time.Minute,
		GamesPerSlot: 50,
		MaxTaskGames: 200,
	})
	router := mux.NewRouter()
	api.NewHandler(s, opts...).RegisterRoutes(router)
	return router, s
}

func do(t *testing.T, router http.Handler, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func newTestRequest(games int) models.TestRequest {
	return models.TestRequest{
		Info:      "tune king safety",
		Baseline:  models.EngineRef{Ref: "master"},
		Candidate: models.EngineRef{Ref: "ks-tune"},
		Params:    models.GameParams{TimeControl: "10+0.1", Threads: 1},
		SPRT:      sprt.DefaultParams(),
		NumGames:  games,
	}
}

func createTest(t *testing.T, router http.Handler, games int) models.Test {
	t.Helper()
	rr := do(t, router, "POST", "/tests", newTestRequest(games))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var test models.Test
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&test))
	return test
}

func requestTask(t *testing.T, router http.Handler, workerID string) models.TaskResponse {
	t.Helper()
	rr := do(t, router, "POST", "/task/request", models.TaskRequest{
		WorkerID:   workerID,
		WorkerName: workerID + "-host",
		Capability: models.Capability{Concurrency: 2},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp models.TaskResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp
}

func TestHealthCheck(t *testing.T) {
	router, _ := setupTestServer(t)
	rr := do(t, router, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "healthy")

	router, _ = setupTestServer(t, api.WithHealthCheck(func() error { return errors.New("database is locked") }))
	rr = do(t, router, "GET", "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "database is locked")
}

func TestRequestTaskNoWork(t *testing.T) {
	rec := &recorder{counts: map[string]int{}}
	router, _ := setupTestServer(t, api.WithNoWorkRetry(45*time.Second), api.WithExchangeRecorder(rec))

	resp := requestTask(t, router, "w1")
	assert.Equal(t, models.StatusNoWork, resp.Status)
	assert.Equal(t, 45, resp.RetryAfter)
	assert.Nil(t, resp.Assignment)
	assert.Equal(t, 1, rec.counts["request/no_work"])
}

func TestRequestTaskValidation(t *testing.T) {
	router, _ := setupTestServer(t)

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing worker id", models.TaskRequest{Capability: models.Capability{Concurrency: 1}}},
		{"zero concurrency", models.TaskRequest{WorkerID: "w1"}},
		{"not json", "garbage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, router, "POST", "/task/request", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestWorkerExchangeLifecycle(t *testing.T) {
	rec := &recorder{counts: map[string]int{}}
	router, s := setupTestServer(t, api.WithExchangeRecorder(rec))
	test := createTest(t, router, 1000)

	resp := requestTask(t, router, "w1")
	require.Equal(t, models.StatusOK, resp.Status)
	require.NotNil(t, resp.Assignment)
	task := resp.Assignment.Task
	assert.Equal(t, test.ID, task.TestID)
	assert.Equal(t, 100, task.NumGames)
	assert.Equal(t, "master", resp.Assignment.Baseline.Ref)
	assert.InDelta(t, 600, resp.Assignment.LeaseTTL, 1e-9)

	rr := do(t, router, "POST", "/task/update", models.TaskUpdate{
		WorkerID:      "w1",
		TaskID:        task.ID,
		PartialResult: models.ResultCounters{Wins: 5, Losses: 3, Draws: 12},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var upd models.UpdateResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&upd))
	assert.Equal(t, models.StatusOK, upd.Status)

	rr = do(t, router, "POST", "/task/complete", models.TaskCompletion{
		WorkerID:    "w1",
		TaskID:      task.ID,
		FinalResult: models.ResultCounters{Wins: 25, Losses: 20, Draws: 55},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	view, err := s.GetTest(t.Context(), test.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, view.Counters.Games())
	assert.Equal(t, 1, view.Tasks.Completed)
	assert.Equal(t, models.TestStatusActive, view.Status)

	workers := s.ListWorkers()
	require.Len(t, workers, 1)
	assert.Equal(t, "w1-host", workers[0].Name)

	assert.Equal(t, 1, rec.counts["request/ok"])
	assert.Equal(t, 1, rec.counts["update/ok"])
	assert.Equal(t, 1, rec.counts["complete/ok"])
}

func TestAbortTaskStopsTest(t *testing.T) {
	router, s := setupTestServer(t)
	test := createTest(t, router, 1000)
	task := requestTask(t, router, "w1").Assignment.Task

	rr := do(t, router, "POST", "/task/abort", models.TaskAbort{WorkerID: "w1", TaskID: task.ID})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "a reason is required")

	abort := models.TaskAbort{WorkerID: "w1", TaskID: task.ID, Reason: "patch searched 1 nodes, expected 2"}
	rr = do(t, router, "POST", "/task/abort", abort)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp models.UpdateResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, models.StatusOK, resp.Status)

	view, err := s.GetTest(t.Context(), test.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TestStatusStopped, view.Status)
	assert.Equal(t, 1, view.Tasks.Flagged)

	rr = do(t, router, "POST", "/task/abort", abort)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, models.StatusUnknownTask, resp.Status)
}

func TestUpdateUnknownAndMalformed(t *testing.T) {
	router, _ := setupTestServer(t)
	createTest(t, router, 1000)
	task := requestTask(t, router, "w1").Assignment.Task

	rr := do(t, router, "POST", "/task/update", models.TaskUpdate{
		WorkerID: "w2", TaskID: task.ID, PartialResult: models.ResultCounters{Wins: 1, Losses: 1},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var upd models.UpdateResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&upd))
	assert.Equal(t, models.StatusUnknownTask, upd.Status)

	rr = do(t, router, "POST", "/task/update", models.TaskUpdate{
		WorkerID: "w1", TaskID: "no-such-task", PartialResult: models.ResultCounters{Wins: 1, Losses: 1},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&upd))
	assert.Equal(t, models.StatusUnknownTask, upd.Status)

	rr = do(t, router, "POST", "/task/update", models.TaskUpdate{
		WorkerID: "w1", TaskID: task.ID, PartialResult: models.ResultCounters{Wins: 500},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&upd))
	assert.Equal(t, models.StatusMalformed, upd.Status)
	assert.NotEmpty(t, upd.Error)

	rr = do(t, router, "POST", "/task/complete", models.TaskCompletion{
		WorkerID: "w1", TaskID: "no-such-task",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&upd))
	assert.Equal(t, models.StatusUnknownTask, upd.Status)
}

func TestUpdateAfterStopAnswersStop(t *testing.T) {
	router, _ := setupTestServer(t)
	test := createTest(t, router, 1000)
	task := requestTask(t, router, "w1").Assignment.Task

	rr := do(t, router, "POST", "/tests/"+test.ID+"/stop", map[string]string{"reason": "bad patch"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var view models.TestView
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&view))
	assert.Equal(t, models.TestStatusStopped, view.Status)

	rr = do(t, router, "POST", "/task/update", models.TaskUpdate{
		WorkerID: "w1", TaskID: task.ID, PartialResult: models.ResultCounters{Wins: 2},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var upd models.UpdateResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&upd))
	assert.Equal(t, models.StatusStop, upd.Status)

	rr = do(t, router, "POST", "/tests/"+test.ID+"/stop", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestCreateTestValidation(t *testing.T) {
	router, _ := setupTestServer(t)

	noRef := newTestRequest(100)
	noRef.Candidate.Ref = ""
	badBounds := newTestRequest(100)
	badBounds.SPRT.Elo1 = badBounds.SPRT.Elo0
	oneGame := newTestRequest(1)
	noThreads := newTestRequest(100)
	noThreads.Params.Threads = 0

	for name, req := range map[string]models.TestRequest{
		"missing candidate ref": noRef,
		"equal elo bounds":      badBounds,
		"single game":           oneGame,
		"zero threads":          noThreads,
	} {
		t.Run(name, func(t *testing.T) {
			rr := do(t, router, "POST", "/tests", req)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}
}

func TestOperatorEndpoints(t *testing.T) {
	router, _ := setupTestServer(t)
	first := createTest(t, router, 1000)
	second := createTest(t, router, 400)

	rr := do(t, router, "GET", "/tests", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Tests []models.TestView `json:"tests"`
		Count int               `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&list))
	assert.Equal(t, 2, list.Count)
	assert.Equal(t, first.ID, list.Tests[0].ID)

	// Sequence numbers resolve like ids.
	rr = do(t, router, "GET", "/tests/2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var view models.TestView
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&view))
	assert.Equal(t, second.ID, view.ID)
	assert.InDelta(t, 2.944439, view.Bounds.Upper, 1e-6)

	rr = do(t, router, "POST", "/tests/"+second.ID+"/priority", map[string]int{"priority": 3})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := requestTask(t, router, "w1")
	assert.Equal(t, second.ID, resp.Assignment.Task.TestID)

	rr = do(t, router, "POST", "/tests/"+second.ID+"/priority", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, router, "GET", "/tests/"+second.ID+"/tasks", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"count":1`)

	rr = do(t, router, "DELETE", "/tests/"+first.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = do(t, router, "GET", "/tests?status=deleted", nil)
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&list))
	assert.Equal(t, 1, list.Count)

	rr = do(t, router, "GET", "/tests/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = do(t, router, "GET", "/tests/99", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, router, "GET", "/workers", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"count":1`)
}

func TestOperatorRoutesRequireKey(t *testing.T) {
	keys, err := auth.NewKeyChecker("s3cret", "")
	require.NoError(t, err)
	router, _ := setupTestServer(t, api.WithOperatorMiddleware(keys.Middleware))

	rr := do(t, router, "GET", "/tests", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, router, "GET", "/tests", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, rr.Code)

	// Worker routes and health stay open.
	rr = do(t, router, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	resp := requestTask(t, router, "w1")
	assert.Equal(t, models.StatusNoWork, resp.Status)
}

func TestWorkerRoutesRateLimited(t *testing.T) {
	limiter := ratelimit.NewLimiter(0.001, 2)
	router, _ := setupTestServer(t, api.WithWorkerMiddleware(limiter.Middleware(ratelimit.WorkerKeyFunc)))

	body := models.TaskRequest{WorkerID: "w1", Capability: models.Capability{Concurrency: 1}}
	for i := 0; i < 2; i++ {
		rr := do(t, router, "POST", "/task/request", body, ratelimit.WorkerIDHeader, "w1")
		assert.Equal(t, http.StatusOK, rr.Code)
	}
	rr := do(t, router, "POST", "/task/request", body, ratelimit.WorkerIDHeader, "w1")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	rr = do(t, router, "POST", "/task/request", body, ratelimit.WorkerIDHeader, "w2")
	assert.Equal(t, http.StatusOK, rr.Code)
}
