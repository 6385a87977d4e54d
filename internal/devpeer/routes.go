package devpeer

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/satriahrh/arunika/client/domain/repositories"
	"github.com/satriahrh/arunika/client/internal/metrics"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// NewServer creates the echo instance serving the dev peer
func NewServer(hub *Hub, gatherer prometheus.Gatherer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	InitRoutes(e, hub, gatherer)
	return e
}

// InitRoutes registers the health, websocket, transcript and metrics routes
func InitRoutes(e *echo.Echo, hub *Hub, gatherer prometheus.Gatherer) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":      "ok",
			"service":     "devpeer",
			"connections": hub.Count(),
		})
	})

	e.GET("/ws", hub.HandleWebSocket)

	e.GET("/conversations/:id", func(c echo.Context) error {
		conversation, err := hub.transcripts.GetByID(c.Request().Context(), c.Param("id"))
		if errors.Is(err, repositories.ErrConversationNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
		}
		if err != nil {
			return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal", Message: err.Error()})
		}
		return c.JSON(http.StatusOK, conversation)
	})

	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler(gatherer)))
	}
}
