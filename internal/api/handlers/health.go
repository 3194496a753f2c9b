package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	IntersectionID string
	Version        string
	LaneCount      int
}

func NewHealthHandler(intersectionID, version string, laneCount int) *HealthHandler {
	return &HealthHandler{IntersectionID: intersectionID, Version: version, LaneCount: laneCount}
}

type HealthResponse struct {
	Status         string `json:"status" example:"healthy"`
	IntersectionID string `json:"intersection_id" example:"intersection-1"`
}

type WorkerInfoResponse struct {
	IntersectionID string   `json:"intersection_id" example:"intersection-1"`
	Status         string   `json:"status" example:"running"`
	Version        string   `json:"version" example:"1.0.0"`
	Lanes          int      `json:"lanes" example:"4"`
	Capabilities   []string `json:"capabilities"`
}

// @Summary Health check
// @Description Check if the worker is healthy and responsive
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /health [get]
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:         "healthy",
		IntersectionID: h.IntersectionID,
	})
}

// @Summary Worker information
// @Description Get basic worker information and capabilities
// @Tags health
// @Produce json
// @Success 200 {object} WorkerInfoResponse
// @Router / [get]
func (h *HealthHandler) WorkerInfo(c *gin.Context) {
	c.JSON(http.StatusOK, WorkerInfoResponse{
		IntersectionID: h.IntersectionID,
		Status:         "running",
		Version:        h.Version,
		Lanes:          h.LaneCount,
		Capabilities: []string{
			"vehicle_detection",
			"adaptive_signals",
			"mjpeg_streaming",
		},
	})
}
