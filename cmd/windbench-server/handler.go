package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"windbench/pkg/bench"
	"windbench/pkg/results"
	"windbench/pkg/scenario"
)

// APIHandler exposes the benchmark service over HTTP.
type APIHandler struct {
	service *bench.Service
	logger  zerolog.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ErrorResponse is the common error payload.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StartRunRequest starts a suite with the given parameters.
type StartRunRequest struct {
	RunID       string               `json:"runId"`
	Suite       string               `json:"suite" binding:"required"`
	Repetitions int                  `json:"repetitions"`
	Params      scenario.SuiteParams `json:"params"`
}

// StartRunResponse echoes the accepted run.
type StartRunResponse struct {
	RunID     string    `json:"runId"`
	Suite     string    `json:"suite"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *APIHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.HealthCheck)
	router.POST("/runs", h.StartRun)
	router.GET("/runs", h.ListRuns)
	router.GET("/runs/current", h.CurrentRun)
	router.GET("/runs/current/stream", h.StreamRun)
	router.DELETE("/runs/current", h.StopRun)
	router.GET("/runs/:id", h.GetRun)
}

// HealthCheck implements the health check endpoint
func (h *APIHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// StartRun launches a benchmark run in the background.
func (h *APIHandler) StartRun(c *gin.Context) {
	var request StartRunRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "invalid_request",
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}

	if !scenario.ValidSuite(request.Suite) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "invalid_request",
			Message:   "unknown suite " + request.Suite,
			Timestamp: time.Now(),
		})
		return
	}
	if request.RunID == "" {
		request.RunID = results.RunID(request.Suite, time.Now().UTC())
	}

	err := h.service.Start(request.RunID, request.Suite, request.Params, request.Repetitions)
	if err != nil {
		statusCode := http.StatusInternalServerError
		errorCode := "internal_error"

		if strings.Contains(err.Error(), "already") {
			statusCode = http.StatusConflict
			errorCode = "run_exists"
		}

		c.JSON(statusCode, ErrorResponse{
			Error:     errorCode,
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}

	c.JSON(http.StatusOK, StartRunResponse{
		RunID:     request.RunID,
		Suite:     request.Suite,
		Status:    string(bench.StatusRunning),
		Timestamp: time.Now(),
	})
}

// ListRuns returns metadata for all persisted runs.
func (h *APIHandler) ListRuns(c *gin.Context) {
	entries, err := h.service.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "internal_error",
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":  entries,
		"total": len(entries),
	})
}

// CurrentRun returns the live status of the most recent run.
func (h *APIHandler) CurrentRun(c *gin.Context) {
	info, ok := h.service.Current()
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     "run_not_found",
			Message:   "no run has been started",
			Timestamp: time.Now(),
		})
		return
	}
	c.JSON(http.StatusOK, info)
}

// StopRun cancels the in-flight run.
func (h *APIHandler) StopRun(c *gin.Context) {
	if err := h.service.Stop(); err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:     "no_run_in_progress",
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}
	info, _ := h.service.Current()
	c.JSON(http.StatusOK, info)
}

// GetRun loads a persisted run with its aggregated latency summary.
func (h *APIHandler) GetRun(c *gin.Context) {
	id := c.Param("id")
	stored, err := h.service.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     "run_not_found",
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}
	c.JSON(http.StatusOK, stored)
}

// StreamRun upgrades to a websocket and pushes the live run status once per
// second until the run leaves the running state or the client goes away.
func (h *APIHandler) StreamRun(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		info, ok := h.service.Current()
		if !ok {
			conn.WriteJSON(ErrorResponse{
				Error:     "run_not_found",
				Message:   "no run has been started",
				Timestamp: time.Now(),
			})
			return
		}
		if err := conn.WriteJSON(info); err != nil {
			return
		}
		if info.Status != bench.StatusRunning {
			return
		}
		select {
		case <-ticker.C:
		case <-c.Request.Context().Done():
			return
		}
	}
}
