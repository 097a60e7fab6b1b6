package server

import (
	"github.com/casapps/labops/src/internal/api/handlers"
	apimiddleware "github.com/casapps/labops/src/internal/api/middleware"
)

// setupRoutes configures all application routes
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.handleHealth)

	api := s.echo.Group("/api/v1")
	if s.config.GetBool("api.rate_limit.enabled") {
		api.Use(apimiddleware.NewRateLimiter(s.config).Middleware())
	}

	jobHandler := handlers.NewBackupJobHandler(s.jobs, s.config)
	jobHandler.RegisterRoutes(api)
}
