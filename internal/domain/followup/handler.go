package followup

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/caseflow/caseflow/internal/domain/deadline"
	"github.com/caseflow/caseflow/pkg/pagination"
)

type Handler struct {
	svc        *Service
	clock      func() time.Time
	windowDays int
}

// NewHandler builds the HTTP handler. windowDays is the default look-ahead
// for the upcoming calendar.
func NewHandler(svc *Service, windowDays int, clock func() time.Time) *Handler {
	if clock == nil {
		clock = time.Now
	}
	return &Handler{svc: svc, clock: clock, windowDays: windowDays}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/policies", h.ListPolicies)
	api.GET("/policies/:type", h.GetPolicy)
	api.GET("/deadlines", h.CalculateDeadlines)

	api.POST("/requests/:id/follow-ups", h.ScheduleRequest)
	api.GET("/requests/:id/follow-ups", h.ListByRequest)
	api.GET("/requests/:id/dispatches", h.ListDispatches)

	api.GET("/follow-ups/overdue", h.ListOverdue)
	api.POST("/follow-ups/:id/send", h.SendReminder)

	api.GET("/calendar/upcoming", h.Upcoming)
}

// now returns the "now" query parameter when present, else the clock.
func (h *Handler) now(c echo.Context) (time.Time, error) {
	if raw := c.QueryParam("now"); raw != "" {
		return deadline.ParseTimestamp(raw)
	}
	return h.clock().UTC(), nil
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, deadline.ErrInvalidInput), errors.Is(err, ErrNoContact):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyScheduled), errors.Is(err, ErrScheduleInProgress):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrDeliveryFailed):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

// -- Policies & deadlines --

type policyView struct {
	ProviderType string `json:"provider_type"`
	deadline.ProviderDeadlinePolicy
}

func (h *Handler) ListPolicies(c echo.Context) error {
	table := h.svc.Engine().Policies()
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]policyView, 0, len(names))
	for _, name := range names {
		out = append(out, policyView{ProviderType: name, ProviderDeadlinePolicy: table[name]})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) GetPolicy(c echo.Context) error {
	providerType := c.Param("type")
	return c.JSON(http.StatusOK, policyView{
		ProviderType:           providerType,
		ProviderDeadlinePolicy: h.svc.Engine().ResolvePolicy(providerType),
	})
}

func (h *Handler) CalculateDeadlines(c echo.Context) error {
	raw := c.QueryParam("request_date")
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request_date is required")
	}
	requestDate, err := deadline.ParseTimestamp(raw)
	if err != nil {
		return toHTTPError(err)
	}
	d, err := h.svc.Engine().CalculateDeadlines(c.QueryParam("provider_type"), requestDate)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// -- Follow-ups --

type scheduleRequest struct {
	ProviderType string    `json:"provider_type"`
	Contacts     []Contact `json:"contacts"`
	// RequestedAt defaults to the current time.
	RequestedAt string `json:"requested_at"`
}

func (h *Handler) ScheduleRequest(c echo.Context) error {
	var req scheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	now := h.clock().UTC()
	if req.RequestedAt != "" {
		t, err := deadline.ParseTimestamp(req.RequestedAt)
		if err != nil {
			return toHTTPError(err)
		}
		now = t
	}

	sched, err := h.svc.ScheduleRequest(c.Request().Context(), c.Param("id"), req.ProviderType, req.Contacts, now)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, sched)
}

func (h *Handler) ListByRequest(c echo.Context) error {
	now, err := h.now(c)
	if err != nil {
		return toHTTPError(err)
	}
	tasks, err := h.svc.ListByRequest(c.Request().Context(), c.Param("id"), now)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, tasks)
}

func (h *Handler) ListDispatches(c echo.Context) error {
	recs, err := h.svc.ListDispatches(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, recs)
}

func (h *Handler) ListOverdue(c echo.Context) error {
	now, err := h.now(c)
	if err != nil {
		return toHTTPError(err)
	}
	pg := pagination.FromContext(c)
	tasks, total, err := h.svc.ListOverdue(c.Request().Context(), now, pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err)
	}
	pg.SetLinkHeader(c, total)
	return c.JSON(http.StatusOK, pagination.NewResponse(tasks, total, pg.Limit, pg.Offset))
}

type sendRequest struct {
	Method    string `json:"method"`
	Recipient string `json:"recipient"`
}

func (h *Handler) SendReminder(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	method, err := deadline.ParseDeliveryMethod(req.Method)
	if err != nil {
		return toHTTPError(err)
	}
	res, err := h.svc.SendReminder(c.Request().Context(), c.Param("id"), method, req.Recipient, h.clock().UTC())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Calendar --

func (h *Handler) Upcoming(c echo.Context) error {
	now, err := h.now(c)
	if err != nil {
		return toHTTPError(err)
	}
	window := h.windowDays
	if raw := c.QueryParam("window_days"); raw != "" {
		window, err = strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "window_days must be an integer")
		}
	}
	events, err := h.svc.Upcoming(c.Request().Context(), now, window)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, events)
}
