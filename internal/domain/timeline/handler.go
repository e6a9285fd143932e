package timeline

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicflow/engine/internal/platform/auth"
)

type Handler struct {
	agg *Aggregator
}

func NewHandler(agg *Aggregator) *Handler {
	return &Handler{agg: agg}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleLabTech, auth.RoleDirector))
	read.GET("/treatments/:id/timeline", h.GetTimeline)
}

func (h *Handler) GetTimeline(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.agg.BuildTimeline(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if items == nil {
		items = []Item{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"treatment_id": id,
		"items":        items,
	})
}
