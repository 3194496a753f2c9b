package api

func (s *Server) setupRoutes() {
	s.router.GET("/", s.healthHandler.WorkerInfo)
	s.router.GET("/health", s.healthHandler.HealthCheck)

	s.router.GET("/video_feed/:lane_idx", s.videoHandler.VideoFeed)
	s.router.GET("/signal_data", s.intersectionHandler.SignalData)
	s.router.GET("/vehicle_logs", s.intersectionHandler.VehicleLogs)

	lanes := s.router.Group("/lanes")
	{
		lanes.GET("", s.intersectionHandler.Lanes)
		lanes.GET("/reported", s.intersectionHandler.ReportedLanes)
	}

	s.router.GET("/ws/signals", s.liveHandler.Signals)

	system := s.router.Group("/system")
	{
		system.GET("/stats", s.systemHandler.GetStats)
	}
}
