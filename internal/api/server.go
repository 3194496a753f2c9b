package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"intersection-worker-go/internal/api/handlers"
	"intersection-worker-go/internal/api/middleware"
	"intersection-worker-go/internal/config"
	"intersection-worker-go/internal/services"
)

type Server struct {
	config *config.Config
	router *gin.Engine
	server *http.Server

	healthHandler       *handlers.HealthHandler
	intersectionHandler *handlers.IntersectionHandler
	videoHandler        *handlers.VideoHandler
	liveHandler         *handlers.LiveHandler
	systemHandler       *handlers.SystemHandler
}

func NewServer(cfg *config.Config, sc *services.ServiceContainer) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	var reports handlers.ReportReader
	if sc.Store != nil {
		reports = sc.Store
	}

	return &Server{
		config:              cfg,
		router:              router,
		healthHandler:       handlers.NewHealthHandler(cfg.IntersectionID, cfg.Version, sc.State.LaneCount()),
		intersectionHandler: handlers.NewIntersectionHandler(cfg.IntersectionID, sc.Publisher, reports, sc.Clock),
		videoHandler:        handlers.NewVideoHandler(sc.Publisher, cfg.PublishingFPS),
		liveHandler:         handlers.NewLiveHandler(sc.Publisher, cfg.LivePushInterval),
		systemHandler:       handlers.NewSystemHandler(cfg.IntersectionID, sc),
	}
}

// Setup builds the router. Request contexts derive from baseCtx so
// long-lived streams end when it is cancelled.
func (s *Server) Setup(baseCtx context.Context) {
	s.setupMiddleware()

	s.setupRoutes()

	s.setupSwagger()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", s.config.Port),
		Handler:     s.router,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger())
	s.router.Use(middleware.CORS())
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	log.Info().Int("port", s.config.Port).Msg("Starting intersection worker API")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for open ones until ctx ends
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Stopping intersection worker API")
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() http.Handler {
	return s.router
}
