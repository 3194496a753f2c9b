package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"intersection-worker-go/internal/logging"
	"intersection-worker-go/internal/services/publisher"
)

// LiveHandler pushes the signal snapshot to dashboard websockets
type LiveHandler struct {
	publisher *publisher.Service
	interval  time.Duration
	upgrader  websocket.Upgrader
}

func NewLiveHandler(pub *publisher.Service, interval time.Duration) *LiveHandler {
	if interval <= 0 {
		interval = time.Second
	}
	return &LiveHandler{
		publisher: pub,
		interval:  interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the dashboard is served from another origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Signals godoc
// @Summary Live signal data
// @Description Websocket that sends the signal snapshot immediately and then at a fixed interval
// @Tags intersection
// @Router /ws/signals [get]
func (h *LiveHandler) Signals(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c).Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	// the reader only notices the close frame; clients send nothing else
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logging.Info(c).Msg("Live client connected")
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(h.publisher.SignalSnapshot()); err != nil {
			logging.Debug(c).Err(err).Msg("Live client write failed")
			return
		}
		select {
		case <-closed:
			logging.Info(c).Msg("Live client disconnected")
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
