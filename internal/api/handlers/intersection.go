package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"intersection-worker-go/internal/logging"
	"intersection-worker-go/internal/models"
	"intersection-worker-go/internal/services/publisher"
	"intersection-worker-go/internal/timeutil"
)

// ReportReader reads the persisted lane reports
type ReportReader interface {
	LatestLanes(ctx context.Context, intersectionID string) ([]models.ReportedLane, error)
}

type IntersectionHandler struct {
	intersectionID string
	publisher      *publisher.Service
	reports        ReportReader
	clock          timeutil.Clock
}

// NewIntersectionHandler serves the JSON views of the intersection. reports
// may be nil when persistence is disabled.
func NewIntersectionHandler(intersectionID string, pub *publisher.Service, reports ReportReader, clock timeutil.Clock) *IntersectionHandler {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &IntersectionHandler{
		intersectionID: intersectionID,
		publisher:      pub,
		reports:        reports,
		clock:          clock,
	}
}

// @Summary Signal data
// @Description Current vehicle count and signal colour of every lane, numbered from 1
// @Tags intersection
// @Produce json
// @Success 200 {array} models.SignalInfo
// @Router /signal_data [get]
func (h *IntersectionHandler) SignalData(c *gin.Context) {
	c.JSON(http.StatusOK, h.publisher.SignalSnapshot())
}

// @Summary Vehicle log
// @Description Latest detected vehicles of every lane, in lane order
// @Tags intersection
// @Produce json
// @Success 200 {object} models.VehicleLogResponse
// @Router /vehicle_logs [get]
func (h *IntersectionHandler) VehicleLogs(c *gin.Context) {
	c.JSON(http.StatusOK, models.VehicleLogResponse{DetectedVehicles: h.publisher.VehicleLog()})
}

// @Summary Lanes
// @Description Full per-lane snapshot and the current phase
// @Tags intersection
// @Produce json
// @Success 200 {object} models.IntersectionResponse
// @Router /lanes [get]
func (h *IntersectionHandler) Lanes(c *gin.Context) {
	resp := h.publisher.Lanes(h.clock.Now())
	resp.IntersectionID = h.intersectionID
	c.JSON(http.StatusOK, resp)
}

// @Summary Reported lanes
// @Description Latest persisted report of every lane
// @Tags intersection
// @Produce json
// @Success 200 {array} models.ReportedLane
// @Failure 503 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /lanes/reported [get]
func (h *IntersectionHandler) ReportedLanes(c *gin.Context) {
	if h.reports == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Lane report persistence is disabled"})
		return
	}
	lanes, err := h.reports.LatestLanes(c.Request.Context(), h.intersectionID)
	if err != nil {
		logging.Error(c).Err(err).Msg("Failed to read lane reports")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read lane reports"})
		return
	}
	c.JSON(http.StatusOK, lanes)
}
