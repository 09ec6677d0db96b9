package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/ocrfleet/internal/config"
	"github.com/emergent-company/ocrfleet/internal/coordinator"
	"github.com/emergent-company/ocrfleet/pkg/syshealth"
)

type fakeStatus struct {
	status coordinator.Status
}

func (f *fakeStatus) Status() coordinator.Status { return f.status }

type fakeMemory struct{}

func (fakeMemory) Read(context.Context) syshealth.Reading {
	return syshealth.Reading{HeapBytes: 50, MaxBytes: 100, Ratio: 0.5}
}

func newTestServer(t *testing.T, st *fakeStatus) *echo.Echo {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEcho(&config.Config{}, log)
	RegisterRoutes(e, newHandler(st, fakeMemory{}))
	return e
}

func do(e *echo.Echo, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	e := newTestServer(t, &fakeStatus{status: coordinator.Status{State: "draining"}})

	rec := do(e, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "draining", body.State)
}

func TestReady(t *testing.T) {
	tests := []struct {
		state string
		want  int
	}{
		{"running", http.StatusOK},
		{"draining", http.StatusServiceUnavailable},
		{"terminated", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			e := newTestServer(t, &fakeStatus{status: coordinator.Status{State: tt.state}})
			assert.Equal(t, tt.want, do(e, "/ready").Code)
		})
	}
}

func TestStatus(t *testing.T) {
	st := &fakeStatus{status: coordinator.Status{
		State: "running",
		Jobs:  []coordinator.JobStatus{{ID: "job-1", Total: 4, Outstanding: 1}},
	}}
	e := newTestServer(t, st)

	rec := do(e, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "running", body["state"])
	assert.Len(t, body["jobs"], 1)
	memory := body["memory"].(map[string]any)
	assert.InDelta(t, 0.5, memory["ratio"], 1e-9)
}

func TestJob(t *testing.T) {
	st := &fakeStatus{status: coordinator.Status{
		State: "running",
		Jobs:  []coordinator.JobStatus{{ID: "job-1", Total: 4, Outstanding: 1}},
	}}
	e := newTestServer(t, st)

	rec := do(e, "/status/jobs/job-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var job coordinator.JobStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, 1, job.Outstanding)

	rec = do(e, "/status/jobs/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var errBody map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	assert.Equal(t, "not_found", errBody["error"]["code"])
}

func TestMetrics(t *testing.T) {
	e := newTestServer(t, &fakeStatus{})
	rec := do(e, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
