package server

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/emergent-company/ocrfleet/internal/coordinator"
	"github.com/emergent-company/ocrfleet/pkg/apperror"
	"github.com/emergent-company/ocrfleet/pkg/syshealth"
)

// StatusSource reports coordinator state.
type StatusSource interface {
	Status() coordinator.Status
}

// MemoryReader reports current heap use against the admission ceiling.
type MemoryReader interface {
	Read(ctx context.Context) syshealth.Reading
}

// Handler serves the admin endpoints.
type Handler struct {
	status  StatusSource
	memory  MemoryReader
	startAt time.Time
}

// NewHandler creates a new admin handler
func NewHandler(coord *coordinator.Coordinator, gate *syshealth.MemoryGate) *Handler {
	return newHandler(coord, gate)
}

func newHandler(status StatusSource, memory MemoryReader) *Handler {
	return &Handler{
		status:  status,
		memory:  memory,
		startAt: time.Now(),
	}
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    string `json:"status"`
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
	Uptime    string `json:"uptime"`
}

// MemoryResponse is the admission gate's current reading.
type MemoryResponse struct {
	HeapBytes  uint64  `json:"heap_bytes"`
	MaxBytes   uint64  `json:"max_bytes"`
	Ratio      float64 `json:"ratio"`
	Goroutines int     `json:"goroutines"`
}

// StatusResponse is the full coordinator view.
type StatusResponse struct {
	coordinator.Status
	Memory MemoryResponse `json:"memory"`
}

// Health reports liveness. It succeeds in every lifecycle state.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		State:     h.status.Status().State,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startAt).String(),
	})
}

// Ready reports whether new jobs are being admitted.
func (h *Handler) Ready(c echo.Context) error {
	state := h.status.Status().State
	if state != coordinator.StateRunning.String() {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"state":  state,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ready",
		"state":  state,
	})
}

// Status returns registered jobs, fleet sizing and memory use.
func (h *Handler) Status(c echo.Context) error {
	r := h.memory.Read(c.Request().Context())
	return c.JSON(http.StatusOK, StatusResponse{
		Status: h.status.Status(),
		Memory: MemoryResponse{
			HeapBytes:  r.HeapBytes,
			MaxBytes:   r.MaxBytes,
			Ratio:      r.Ratio,
			Goroutines: runtime.NumGoroutine(),
		},
	})
}

// Job returns one registered job.
func (h *Handler) Job(c echo.Context) error {
	id := c.Param("id")
	for _, j := range h.status.Status().Jobs {
		if j.ID == id {
			return c.JSON(http.StatusOK, j)
		}
	}
	return apperror.ErrNotFound.WithMessage("job " + id + " is not registered")
}
