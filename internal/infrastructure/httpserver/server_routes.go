package httpserver

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	s.echo.GET("/metrics", s.metricsEndpoint)

	// Provider callbacks carry their own idempotency via the event store, so
	// they only get the general api limiter, no auth.
	s.echo.POST("/webhooks/billing", s.receiveBillingWebhook, s.middleware.APILimit.Handler())

	api := s.echo.Group("/api/v1")
	api.Use(s.middleware.APILimit.Handler())
	api.Use(s.middleware.JWT.RequireJWT())

	api.POST("/quota/consume", s.consumeQuota, s.middleware.ChatLimit.Handler())
	api.GET("/usage/:resource", s.getUsage)

	// The strict auth limiter guards the admin surface.
	admin := api.Group("/admin")
	admin.Use(s.middleware.AuthLimit.Handler())
	admin.Use(s.middleware.JWT.RequireAdmin())

	admin.GET("/webhooks", s.listWebhookEvents)
	admin.GET("/webhooks/stats", s.webhookStats)
	admin.POST("/webhooks/:id/retry", s.retryWebhookEvent)
}
