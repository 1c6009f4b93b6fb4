package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sultanranait/Claraly/pkg/pagination"
)

// MaxBodyBytes bounds a delivery; consolidated bundles can be large.
const MaxBodyBytes = 32 << 20

type Handler struct {
	recv *Receiver
}

func NewHandler(recv *Receiver) *Handler {
	return &Handler{recv: recv}
}

// RegisterRoutes mounts the public receiver on root and the event log on api.
func (h *Handler) RegisterRoutes(root *echo.Echo, api *echo.Group) {
	root.POST("/webhook", h.Receive)
	api.GET("/webhook/events", h.ListEvents)
}

func (h *Handler) Receive(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, MaxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}
	if len(body) > MaxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}

	if err := h.recv.Verify(body, c.Request().Header.Get(SignatureHeader)); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	res, err := h.recv.Receive(c.Request().Context(), body)
	if errors.Is(err, ErrBadPayload) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	if res.Pong != "" {
		return c.JSON(http.StatusOK, map[string]string{"pong": res.Pong})
	}
	return c.NoContent(http.StatusOK)
}

func (h *Handler) ListEvents(c echo.Context) error {
	p := pagination.FromContext(c)
	f := ListFilter{Type: c.QueryParam("type"), Status: EventStatus(c.QueryParam("status"))}

	events, total, err := h.recv.Store().List(c.Request().Context(), f, p)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list webhook events")
	}
	return c.JSON(http.StatusOK, pagination.NewPage(events, total, p))
}
