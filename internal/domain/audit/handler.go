package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinicflow/engine/internal/platform/auth"
	"github.com/clinicflow/engine/pkg/pagination"
)

type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleDirector))
	read.GET("/audit", h.ListEntries)
	read.GET("/audit/:id", h.GetEntry)
}

func (h *Handler) ListEntries(c echo.Context) error {
	f := Filter{
		Table:    c.QueryParam("table"),
		RecordID: c.QueryParam("record_id"),
		Field:    c.QueryParam("field"),
	}
	var err error
	if f.Since, err = parseTimeParam(c, "since"); err != nil {
		return err
	}
	if f.Until, err = parseTimeParam(c, "until"); err != nil {
		return err
	}

	pg := pagination.FromContext(c)
	items, total, err := h.repo.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Entry{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithNext(c.Request().URL))
}

func (h *Handler) GetEntry(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.repo.GetByID(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

func parseTimeParam(c echo.Context, name string) (*time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": expected RFC 3339 timestamp")
	}
	return &t, nil
}
