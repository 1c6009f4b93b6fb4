package docquery

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/sultanranait/Claraly/internal/platform/medapi"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients/:id/document-query", h.StartQuery)
	api.GET("/patients/:id/document-query", h.GetQuery)
	api.DELETE("/patients/:id/document-query", h.CancelQuery)
	api.GET("/patients/:id/documents", h.ListDocuments)
}

func (h *Handler) StartQuery(c echo.Context) error {
	facilityID := c.QueryParam("facilityId")
	if facilityID == "" {
		var body struct {
			FacilityID string `json:"facilityId"`
		}
		_ = c.Bind(&body)
		facilityID = body.FacilityID
	}

	p, err := h.svc.Start(c.Request().Context(), c.Param("id"), facilityID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, p)
}

func (h *Handler) GetQuery(c echo.Context) error {
	p, err := h.svc.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) CancelQuery(c echo.Context) error {
	p, err := h.svc.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListDocuments(c echo.Context) error {
	queryIfEmpty, _ := strconv.ParseBool(c.QueryParam("queryIfEmpty"))
	list, err := h.svc.Documents(c.Request().Context(), c.Param("id"), DocumentQueryParams{
		DateFrom:     c.QueryParam("dateFrom"),
		DateTo:       c.QueryParam("dateTo"),
		Content:      c.QueryParam("content"),
		QueryIfEmpty: queryIfEmpty,
		FacilityID:   c.QueryParam("facilityId"),
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, list)
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoQuery), medapi.IsNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case medapi.IsNetworkError(err):
		return echo.NewHTTPError(http.StatusBadGateway, "medical API unreachable")
	case medapi.StatusCode(err) >= 400:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
