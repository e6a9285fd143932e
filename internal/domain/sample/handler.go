package sample

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicflow/engine/internal/domain/transition"
	"github.com/clinicflow/engine/internal/platform/auth"
)

type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleLabTech, auth.RoleDirector))
	read.GET("/treatments/:id/samples", h.ListSamples)
	read.GET("/samples/:id", h.GetSample)
	read.GET("/samples/:id/history", h.GetHistory)

	write := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleLabTech))
	write.POST("/treatments/:id/samples", h.RegisterSample)
	write.POST("/samples/:id/transitions", h.AdvanceState)
	write.POST("/samples/:id/finish-cultivation", h.FinishCultivation)
}

type registerRequest struct {
	Kind         string  `json:"kind"`
	Label        *string `json:"label"`
	InitialState string  `json:"initial_state"`
}

type transitionRequest struct {
	TargetState   string  `json:"target_state"`
	ExpectedState string  `json:"expected_state"`
	Cause         *string `json:"cause"`
}

type finishRequest struct {
	Outcome string  `json:"outcome"`
	Cause   *string `json:"cause"`
}

func (h *Handler) RegisterSample(c echo.Context) error {
	treatmentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid treatment id")
	}
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in := NewSample{TreatmentID: treatmentID, Kind: Kind(req.Kind), Label: req.Label}
	if req.InitialState != "" {
		if in.InitialState, err = transition.ParseState(transition.KindSample, req.InitialState); err != nil {
			return err
		}
	}
	ctx := c.Request().Context()
	s, err := h.mgr.RegisterSample(ctx, in, auth.UserIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, s)
}

func (h *Handler) ListSamples(c echo.Context) error {
	treatmentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid treatment id")
	}
	items, err := h.mgr.ListByTreatment(c.Request().Context(), treatmentID)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Sample{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetSample(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	s, err := h.mgr.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.mgr.GetHistory(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) AdvanceState(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	target, err := transition.ParseState(transition.KindSample, req.TargetState)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	actorID := auth.UserIDFromContext(ctx)
	var entry *HistoryEntry
	if req.ExpectedState != "" {
		expected, err := transition.ParseState(transition.KindSample, req.ExpectedState)
		if err != nil {
			return err
		}
		entry, err = h.mgr.AdvanceStateFrom(ctx, id, expected, target, req.Cause, actorID)
		if err != nil {
			return err
		}
	} else {
		entry, err = h.mgr.AdvanceState(ctx, id, target, req.Cause, actorID)
		if err != nil {
			return err
		}
	}
	return c.JSON(http.StatusCreated, entry)
}

func (h *Handler) FinishCultivation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req finishRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	outcome, err := transition.ParseState(transition.KindSample, req.Outcome)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	entry, err := h.mgr.FinishCultivation(ctx, id, outcome, req.Cause, auth.UserIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, entry)
}
