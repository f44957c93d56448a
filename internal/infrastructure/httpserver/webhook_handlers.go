package httpserver

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/meterline/usage-plane/internal/core/domain/webhook"
)

// Webhook handlers
func (s *Server) receiveBillingWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Type == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid webhook payload")
	}

	// Unknown event types are recorded for audit but not processed; the
	// provider still gets an ack so it stops redelivering.
	if _, ok := s.webhookSvc.Handler(envelope.Type); !ok {
		id, err := s.webhookSvc.Record(c.Request().Context(), "billing", envelope.Type, body)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to record webhook event")
		}
		webhookEvents.WithLabelValues(envelope.Type, "unhandled").Inc()
		return c.JSON(http.StatusOK, map[string]interface{}{
			"event_id":  id,
			"processed": false,
		})
	}

	id, result, err := s.webhookSvc.ProcessNow(c.Request().Context(), "billing", envelope.Type, body, nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to process webhook event")
	}

	outcome := "failure"
	if result.Success {
		outcome = "success"
	}
	webhookEvents.WithLabelValues(envelope.Type, outcome).Inc()

	resp := map[string]interface{}{
		"event_id":  id,
		"processed": result.Success,
	}
	if result.Error != "" {
		resp["error"] = result.Error
	}
	return c.JSON(http.StatusOK, resp)
}

// Admin webhook handlers
func (s *Server) listWebhookEvents(c echo.Context) error {
	status := webhook.Status(c.QueryParam("status"))
	if status == "" {
		status = webhook.StatusFailed
	}
	if !status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		if err := echo.QueryParamsBinder(c).Int("limit", &limit).BindError(); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
	}

	events, err := s.webhookSvc.EventsByStatus(c.Request().Context(), status, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list webhook events")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": status,
		"events": events,
	})
}

func (s *Server) webhookStats(c echo.Context) error {
	stats, err := s.webhookSvc.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load webhook stats")
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) retryWebhookEvent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event ID")
	}

	result, err := s.webhookSvc.Retry(c.Request().Context(), id, nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to retry webhook event")
	}
	if result.Error == "Event not found" {
		return echo.NewHTTPError(http.StatusNotFound, "webhook event not found")
	}

	return c.JSON(http.StatusOK, result)
}
