package medical

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/sultanranait/Claraly/internal/platform/archive"
	"github.com/sultanranait/Claraly/internal/platform/medapi"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/dash", h.Dashboard)

	api.POST("/organization", h.CreateOrganization)
	api.PUT("/organization/:id", h.UpdateOrganization)

	api.GET("/facilities", h.ListFacilities)
	api.POST("/facilities", h.CreateFacility)
	api.PUT("/facilities/:id", h.UpdateFacility)

	api.GET("/facilities/:facilityId/patients", h.ListPatients)
	api.POST("/facilities/:facilityId/patients", h.CreatePatient)
	api.PUT("/facilities/:facilityId/patients/:id", h.UpdatePatient)
	api.DELETE("/facilities/:facilityId/patients/:id", h.DeletePatient)

	api.GET("/documents/url", h.DocumentURL)

	api.GET("/patients/:id/consolidated/count", h.CountConsolidated)
	api.POST("/patients/:id/consolidated/query", h.StartConsolidated)
	api.GET("/patients/:id/consolidated/query", h.ConsolidatedStatus)
	api.GET("/patients/:id/consolidated/latest", h.LatestConsolidated)
}

func (h *Handler) Dashboard(c echo.Context) error {
	dash, err := h.svc.Dashboard(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, dash)
}

func (h *Handler) CreateOrganization(c echo.Context) error {
	var org medapi.Organization
	if err := c.Bind(&org); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := h.svc.CreateOrganization(c.Request().Context(), org)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) UpdateOrganization(c echo.Context) error {
	var org medapi.Organization
	if err := c.Bind(&org); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := h.svc.UpdateOrganization(c.Request().Context(), c.Param("id"), org)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ListFacilities(c echo.Context) error {
	list, err := h.svc.ListFacilities(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	if list == nil {
		list = []medapi.Facility{}
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) CreateFacility(c echo.Context) error {
	var f medapi.Facility
	if err := c.Bind(&f); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := h.svc.CreateFacility(c.Request().Context(), f)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) UpdateFacility(c echo.Context) error {
	var f medapi.Facility
	if err := c.Bind(&f); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := h.svc.UpdateFacility(c.Request().Context(), c.Param("id"), f)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ListPatients(c echo.Context) error {
	list, err := h.svc.ListPatients(c.Request().Context(), c.Param("facilityId"))
	if err != nil {
		return toHTTPError(err)
	}
	if list == nil {
		list = []medapi.Patient{}
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var p medapi.Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := h.svc.CreatePatient(c.Request().Context(), c.Param("facilityId"), p)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	var p medapi.Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := h.svc.UpdatePatient(c.Request().Context(), c.Param("facilityId"), c.Param("id"), p)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	if err := h.svc.DeletePatient(c.Request().Context(), c.Param("facilityId"), c.Param("id")); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DocumentURL(c echo.Context) error {
	out, err := h.svc.DocumentURL(c.Request().Context(), c.QueryParam("fileName"), c.QueryParam("conversionType"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) CountConsolidated(c echo.Context) error {
	out, err := h.svc.CountConsolidated(c.Request().Context(), c.Param("id"), resourceList(c.QueryParam("resources")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) StartConsolidated(c echo.Context) error {
	var req ConsolidatedRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	out, err := h.svc.StartConsolidated(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, out)
}

func (h *Handler) ConsolidatedStatus(c echo.Context) error {
	out, err := h.svc.ConsolidatedStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) LatestConsolidated(c echo.Context) error {
	rec, err := h.svc.LatestConsolidated(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// resourceList splits a comma-separated resources query value.
func resourceList(s string) []string {
	var out []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// toHTTPError passes upstream client errors through and turns upstream
// server failures into 502.
func toHTTPError(err error) error {
	code := medapi.StatusCode(err)
	switch {
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, archive.ErrNotFound), medapi.IsNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case medapi.IsNetworkError(err):
		return echo.NewHTTPError(http.StatusBadGateway, "medical API unreachable")
	case code >= 400 && code < 500:
		return echo.NewHTTPError(code, err.Error())
	case code >= 500:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
