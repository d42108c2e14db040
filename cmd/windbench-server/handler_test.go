package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"windbench/pkg/bench"
	"windbench/pkg/histogram"
	"windbench/pkg/results"
	"windbench/pkg/scenario"
)

func testRouter(t *testing.T) (*gin.Engine, *bench.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := results.NewFileStore[bench.StoredRun](t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	run := func(ctx context.Context, suite string, params scenario.SuiteParams, outDir string) (*scenario.RunResult, error) {
		hist := histogram.FromBins([]histogram.Bin{{Value: 10, Count: 1}, {Value: 30, Count: 2}})
		return &scenario.RunResult{Latency: hist.Summarize(), Hist: hist}, nil
	}
	service := bench.NewService(store, t.TempDir(), run, zerolog.Nop())

	router := gin.New()
	handler := &APIHandler{service: service, logger: zerolog.Nop()}
	handler.RegisterRoutes(router)
	return router, service
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	router, _ := testRouter(t)
	w := doJSON(t, router, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestStartRun_Validation(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(t, router, http.MethodPost, "/runs", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing suite: status = %d, want 400", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/runs", StartRunRequest{Suite: "z9"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown suite: status = %d, want 400", w.Code)
	}
}

func TestRunLifecycle(t *testing.T) {
	router, service := testRouter(t)

	req := StartRunRequest{
		RunID:       "lifecycle-1",
		Suite:       scenario.SuiteBaseline,
		Repetitions: 2,
		Params:      scenario.SuiteParams{Service: "T/SVC", Hz: 100, DurationSecs: 1, Seed: 7},
	}
	w := doJSON(t, router, http.MethodPost, "/runs", req)
	if w.Code != http.StatusOK {
		t.Fatalf("start: status = %d, body = %s", w.Code, w.Body.String())
	}

	// A second start while the first may still be running is either a
	// conflict or, if the first already finished, a reused-id conflict.
	w = doJSON(t, router, http.MethodPost, "/runs", req)
	if w.Code != http.StatusConflict {
		t.Fatalf("restart: status = %d, want 409", w.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := service.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	w = doJSON(t, router, http.MethodGet, "/runs/current", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("current: status = %d", w.Code)
	}
	var info bench.RunInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode current: %v", err)
	}
	if info.Status != bench.StatusCompleted {
		t.Fatalf("status = %q, want completed", info.Status)
	}

	w = doJSON(t, router, http.MethodGet, "/runs/lifecycle-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status = %d", w.Code)
	}
	var stored bench.StoredRun
	if err := json.Unmarshal(w.Body.Bytes(), &stored); err != nil {
		t.Fatalf("decode stored: %v", err)
	}
	if stored.Latency.Count != 6 {
		t.Fatalf("aggregated count = %d, want 6", stored.Latency.Count)
	}
	if len(stored.PerRun) != 2 {
		t.Fatalf("per-run entries = %d, want 2", len(stored.PerRun))
	}

	w = doJSON(t, router, http.MethodGet, "/runs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: status = %d", w.Code)
	}
	var list struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 1 {
		t.Fatalf("total = %d, want 1", list.Total)
	}
}

func TestCurrentAndStop_NoRun(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(t, router, http.MethodGet, "/runs/current", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("current: status = %d, want 404", w.Code)
	}
	w = doJSON(t, router, http.MethodDelete, "/runs/current", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("stop: status = %d, want 409", w.Code)
	}
	w = doJSON(t, router, http.MethodGet, "/runs/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get: status = %d, want 404", w.Code)
	}
}

func TestStreamRun(t *testing.T) {
	router, service := testRouter(t)

	if err := service.Start("stream-1", scenario.SuiteBaseline, scenario.SuiteParams{DurationSecs: 1, Seed: 1}, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}

	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/runs/current/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var last bench.RunInfo
	for {
		var info bench.RunInfo
		if err := conn.ReadJSON(&info); err != nil {
			break
		}
		last = info
		if info.Status != bench.StatusRunning {
			break
		}
	}
	if last.ID != "stream-1" {
		t.Fatalf("streamed run id = %q, want stream-1", last.ID)
	}
	if last.Status != bench.StatusCompleted {
		t.Fatalf("final streamed status = %q, want completed", last.Status)
	}
}
