package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"intersection-worker-go/internal/services"
)

// StatsProvider exposes the counters of the running services
type StatsProvider interface {
	Stats() services.Stats
}

// SystemHandler handles system-related endpoints
type SystemHandler struct {
	IntersectionID string
	startedAt      time.Time
	stats          StatsProvider
}

// NewSystemHandler creates a new system handler
func NewSystemHandler(intersectionID string, stats StatsProvider) *SystemHandler {
	return &SystemHandler{
		IntersectionID: intersectionID,
		startedAt:      time.Now(),
		stats:          stats,
	}
}

// @Summary Get system stats
// @Description Runtime metrics plus per-lane pipeline, detector, messaging and reporter counters
// @Tags system
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /system/stats [get]
func (h *SystemHandler) GetStats(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stats": gin.H{
			"intersection_id": h.IntersectionID,
			"uptime_seconds":  int64(time.Since(h.startedAt).Seconds()),
			"memory_mb":       m.Alloc / 1024 / 1024,
			"cpu_cores":       runtime.NumCPU(),
			"goroutines":      runtime.NumGoroutine(),
			"go_version":      runtime.Version(),
		},
		"services":  h.stats.Stats(),
		"timestamp": time.Now().Unix(),
	})
}
