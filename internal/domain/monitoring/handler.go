package monitoring

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicflow/engine/internal/domain/transition"
	"github.com/clinicflow/engine/internal/platform/auth"
)

type Handler struct {
	svc *Scheduler
}

func NewHandler(svc *Scheduler) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleDirector))
	read.GET("/treatments/:id/monitoring-plans", h.ListPlans)
	read.GET("/monitoring-plans/:id", h.GetPlan)

	write := api.Group("", auth.RequireRole(auth.RoleDoctor))
	write.POST("/treatments/:id/monitoring-plans", h.PlanMonitorings)
	write.POST("/monitoring-plans/:id/reserve", h.Reserve)
	write.POST("/monitoring-plans/:id/complete", h.Complete)
	write.POST("/monitoring-plans/:id/cancel", h.Cancel)
}

type planSpecRequest struct {
	PlannedDay *int   `json:"planned_day"`
	MinDate    string `json:"min_date"`
	MaxDate    string `json:"max_date"`
}

type planRequest struct {
	Plans []planSpecRequest `json:"plans"`
}

type reserveRequest struct {
	AppointmentID string `json:"appointment_id"`
}

func (r planSpecRequest) toSpec(i int) (PlanSpec, error) {
	minDate, err := time.Parse(time.DateOnly, r.MinDate)
	if err != nil {
		return PlanSpec{}, fmt.Errorf("%w: plan %d: min_date must be YYYY-MM-DD", transition.ErrInvalidInput, i)
	}
	maxDate, err := time.Parse(time.DateOnly, r.MaxDate)
	if err != nil {
		return PlanSpec{}, fmt.Errorf("%w: plan %d: max_date must be YYYY-MM-DD", transition.ErrInvalidInput, i)
	}
	return PlanSpec{PlannedDay: r.PlannedDay, MinDate: minDate, MaxDate: maxDate}, nil
}

func (h *Handler) PlanMonitorings(c echo.Context) error {
	treatmentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid treatment id")
	}
	var req planRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	specs := make([]PlanSpec, 0, len(req.Plans))
	for i, r := range req.Plans {
		spec, err := r.toSpec(i)
		if err != nil {
			return err
		}
		specs = append(specs, spec)
	}

	ctx := c.Request().Context()
	plans, err := h.svc.PlanMonitorings(ctx, treatmentID, specs, auth.UserIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, plans)
}

func (h *Handler) ListPlans(c echo.Context) error {
	treatmentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid treatment id")
	}
	var opts []ListOption
	if v := c.QueryParam("include_cancelled"); v != "" {
		include, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "include_cancelled must be a boolean")
		}
		if include {
			opts = append(opts, IncludeCancelled())
		}
	}
	plans, err := h.svc.GetPlans(c.Request().Context(), treatmentID, opts...)
	if err != nil {
		return err
	}
	if plans == nil {
		plans = []*Plan{}
	}
	return c.JSON(http.StatusOK, plans)
}

func (h *Handler) GetPlan(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.GetPlan(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Reserve(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req reserveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	appointmentID, err := uuid.Parse(req.AppointmentID)
	if err != nil {
		return fmt.Errorf("%w: appointment_id must be a UUID", transition.ErrInvalidInput)
	}
	ctx := c.Request().Context()
	p, err := h.svc.Reserve(ctx, id, appointmentID, auth.UserIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	p, err := h.svc.Complete(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	p, err := h.svc.Cancel(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}
