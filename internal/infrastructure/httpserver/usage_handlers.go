package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/meterline/usage-plane/internal/infrastructure/httpserver/helpers"
)

// Usage handlers
func (s *Server) consumeQuota(c echo.Context) error {
	userID, err := helpers.GetUserIDFromContext(c)
	if err != nil {
		return err
	}

	var req struct {
		Resource string `json:"resource"`
		Quantity int64  `json:"quantity"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Resource == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "resource is required")
	}

	result, err := s.quotaSvc.CheckAndConsume(c.Request().Context(), userID, req.Resource, req.Quantity)
	if err != nil {
		// Ledger unreachable: deny rather than hand out unmetered consumption.
		quotaDecisions.WithLabelValues(req.Resource, "error").Inc()
		return echo.NewHTTPError(http.StatusServiceUnavailable, "usage ledger unavailable")
	}

	if !result.Allowed {
		quotaDecisions.WithLabelValues(req.Resource, "denied").Inc()
		return c.JSON(http.StatusTooManyRequests, result)
	}

	quotaDecisions.WithLabelValues(req.Resource, "allowed").Inc()
	return c.JSON(http.StatusOK, result)
}

func (s *Server) getUsage(c echo.Context) error {
	userID, err := helpers.GetUserIDFromContext(c)
	if err != nil {
		return err
	}

	resource := c.Param("resource")
	if resource == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "resource is required")
	}

	result, err := s.quotaSvc.GetUsage(c.Request().Context(), userID, resource)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load usage")
	}
	return c.JSON(http.StatusOK, result)
}
