// Package server exposes the gateway's HTTP surface: worklist projections,
// raw collection state, panel and view management, column editing, task
// actions, and save-state polling.
package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/careops/worklist/internal/cache"
	"github.com/careops/worklist/internal/panel"
	"github.com/careops/worklist/internal/sync"
	"github.com/careops/worklist/internal/worklist"
)

type Handler struct {
	coord *sync.Coordinator
	store *cache.Store
	proj  *worklist.Projections
	log   zerolog.Logger
}

func NewHandler(coord *sync.Coordinator, store *cache.Store, proj *worklist.Projections, log zerolog.Logger) *Handler {
	return &Handler{coord: coord, store: store, proj: proj, log: log}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/worklist/patients", h.WorklistPatients)
	api.GET("/worklist/tasks", h.WorklistTasks)
	api.GET("/worklist/appointments", h.WorklistAppointments)

	api.GET("/collections/:type", h.GetCollection)
	api.POST("/collections/:type/load-more", h.LoadMore)
	api.POST("/collections/:type/reload", h.ReloadCollection)

	api.GET("/panels", h.ListPanels)
	api.POST("/panels", h.CreatePanel)
	api.GET("/panels/:id", h.GetPanel)
	api.PUT("/panels/:id", h.UpdatePanel)
	api.DELETE("/panels/:id", h.DeletePanel)

	api.GET("/panels/:id/views", h.ListViews)
	api.POST("/views", h.CreateView)
	api.PUT("/views/:id", h.UpdateView)
	api.DELETE("/views/:id", h.DeleteView)

	api.POST("/panels/:id/columns", h.AddColumn)
	api.PUT("/panels/:id/columns/:columnId", h.UpdateColumn)
	api.DELETE("/panels/:id/columns/:columnId", h.DeleteColumn)
	api.POST("/panels/:id/columns/batch", h.ApplyColumnChanges)

	api.POST("/tasks/:id/status", h.UpdateTaskStatus)
	api.POST("/tasks/:id/notes", h.AddTaskNote)

	api.GET("/save-states/:key", h.GetSaveState)
}

// -- Worklist projections --

// collectionEnvelope pairs a projection with the loading and error state of
// the collections it is derived from, so the dashboard can render stale
// rows alongside a fetch error.
type collectionEnvelope struct {
	Data      any    `json:"data"`
	IsLoading bool   `json:"isLoading"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) envelope(data any, types ...cache.ResourceType) collectionEnvelope {
	env := collectionEnvelope{Data: data}
	var errs []string
	for _, rt := range types {
		col := h.coord.Collection(rt)
		if col.IsLoading {
			env.IsLoading = true
		}
		if col.Error != "" {
			errs = append(errs, col.Error)
		}
	}
	env.Error = strings.Join(errs, "; ")
	return env
}

func (h *Handler) WorklistPatients(c echo.Context) error {
	return c.JSON(http.StatusOK, h.envelope(h.proj.Patients(), cache.TypePatient, cache.TypeTask))
}

func (h *Handler) WorklistTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, h.envelope(h.proj.Tasks(), cache.TypeTask, cache.TypePatient))
}

func (h *Handler) WorklistAppointments(c echo.Context) error {
	return c.JSON(http.StatusOK, h.envelope(h.proj.Appointments(), cache.TypeAppointment, cache.TypePatient, cache.TypeLocation))
}

// -- Raw collections --

func resourceTypeParam(c echo.Context) (cache.ResourceType, error) {
	switch strings.ToLower(c.Param("type")) {
	case "patients":
		return cache.TypePatient, nil
	case "tasks":
		return cache.TypeTask, nil
	case "appointments":
		return cache.TypeAppointment, nil
	case "locations":
		return cache.TypeLocation, nil
	case "panels":
		return cache.TypePanel, nil
	case "views":
		return cache.TypeView, nil
	}
	return "", echo.NewHTTPError(http.StatusBadRequest, "unknown collection type")
}

type collectionResponse struct {
	sync.Collection
	HasMore bool `json:"hasMore"`
}

func (h *Handler) GetCollection(c echo.Context) error {
	rt, err := resourceTypeParam(c)
	if err != nil {
		return err
	}
	resp := collectionResponse{Collection: h.coord.Collection(rt)}
	if page, ok := h.store.Pagination(rt); ok {
		resp.HasMore = page.HasMore
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) LoadMore(c echo.Context) error {
	rt, err := resourceTypeParam(c)
	if err != nil {
		return err
	}
	if err := h.coord.LoadMore(c.Request().Context(), rt); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) ReloadCollection(c echo.Context) error {
	rt, err := resourceTypeParam(c)
	if err != nil {
		return err
	}
	if err := h.coord.Reload(c.Request().Context(), rt); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

// -- Panels --

func (h *Handler) ListPanels(c echo.Context) error {
	return c.JSON(http.StatusOK, h.coord.Panels())
}

func (h *Handler) GetPanel(c echo.Context) error {
	p, ok := h.coord.Panel(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "panel not found")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) CreatePanel(c echo.Context) error {
	var p panel.Panel
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if p.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "panel name is required")
	}
	created, err := h.coord.CreatePanel(c.Request().Context(), p)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) UpdatePanel(c echo.Context) error {
	var p panel.Panel
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.ID = c.Param("id")
	if err := h.coord.UpdatePanel(c.Request().Context(), p); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeletePanel(c echo.Context) error {
	if err := h.coord.DeletePanel(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Views --

func (h *Handler) ListViews(c echo.Context) error {
	return c.JSON(http.StatusOK, h.coord.Views(c.Param("id")))
}

func (h *Handler) CreateView(c echo.Context) error {
	var v panel.View
	if err := c.Bind(&v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if v.PanelID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "panelId is required")
	}
	created, err := h.coord.CreateView(c.Request().Context(), v)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) UpdateView(c echo.Context) error {
	var v panel.View
	if err := c.Bind(&v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v.ID = c.Param("id")
	if err := h.coord.UpdateView(c.Request().Context(), v); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) DeleteView(c echo.Context) error {
	if err := h.coord.DeleteView(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Columns --

func (h *Handler) AddColumn(c echo.Context) error {
	var col panel.ColumnDef
	if err := c.Bind(&col); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.coord.AddColumn(c.Request().Context(), c.Param("id"), col); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) UpdateColumn(c echo.Context) error {
	var col panel.ColumnDef
	if err := c.Bind(&col); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	col.ID = c.Param("columnId")
	if err := h.coord.UpdateColumn(c.Request().Context(), c.Param("id"), col); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) DeleteColumn(c echo.Context) error {
	if err := h.coord.DeleteColumn(c.Request().Context(), c.Param("id"), c.Param("columnId")); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) ApplyColumnChanges(c echo.Context) error {
	var changes []sync.ColumnChange
	if err := c.Bind(&changes); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(changes) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no column changes given")
	}
	if err := h.coord.ApplyColumnChanges(c.Request().Context(), c.Param("id"), changes); err != nil {
		// Partial failure: some operations may have committed. The error
		// names each failed operation; per-operation save states carry the
		// detail.
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

// -- Task actions --

type taskStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) UpdateTaskStatus(c echo.Context) error {
	var req taskStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Status == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "status is required")
	}
	if err := h.coord.UpdateTaskStatus(c.Request().Context(), c.Param("id"), req.Status, req.Reason); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

type taskNoteRequest struct {
	Text   string `json:"text"`
	Author string `json:"author,omitempty"`
}

func (h *Handler) AddTaskNote(c echo.Context) error {
	var req taskNoteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "note text is required")
	}
	if err := h.coord.AddTaskNote(c.Request().Context(), c.Param("id"), req.Author, req.Text); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

// -- Save states --

func (h *Handler) GetSaveState(c echo.Context) error {
	state, ok := h.store.GetSaveState(c.Param("key"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no save state for key")
	}
	return c.JSON(http.StatusOK, state)
}
