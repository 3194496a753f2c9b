package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"intersection-worker-go/internal/logging"
	"intersection-worker-go/internal/services/publisher"
	"intersection-worker-go/internal/services/publisher/mjpeg"
)

type VideoHandler struct {
	publisher *publisher.Service
	fps       int
}

func NewVideoHandler(pub *publisher.Service, fps int) *VideoHandler {
	return &VideoHandler{publisher: pub, fps: fps}
}

// VideoFeed godoc
// @Summary Annotated lane video
// @Description MJPEG stream of a lane with vehicle boxes, speeds and the lane's signal colour
// @Tags video
// @Produce multipart/x-mixed-replace
// @Param lane_idx path int true "Lane index, starting at 0"
// @Success 200 {file} binary
// @Failure 404 {object} map[string]string
// @Router /video_feed/{lane_idx} [get]
func (h *VideoHandler) VideoFeed(c *gin.Context) {
	laneIdx, err := strconv.Atoi(c.Param("lane_idx"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Lane not found"})
		return
	}
	logging.MarkLane(c, laneIdx)

	frames, err := h.publisher.StreamFrames(c.Request.Context(), laneIdx)
	if errors.Is(err, publisher.ErrLaneNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Lane not found"})
		return
	}
	if err != nil {
		logging.Error(c).Err(err).Msg("Failed to open lane stream")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to open lane stream"})
		return
	}

	mjpeg.SetHeaders(c.Writer)
	c.Status(http.StatusOK)

	logging.Info(c).Msg("Video client connected")
	written, err := mjpeg.Stream(c.Request.Context(), c.Writer, frames, h.fps)
	if err != nil {
		logging.Debug(c).Err(err).Int("frames", written).Msg("Video client disconnected")
		return
	}
	logging.Info(c).Int("frames", written).Msg("Video stream ended")
}
