package audit

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/deid/internal/platform/auth"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

type Handler struct {
	trail *Trail
}

func NewHandler(trail *Trail) *Handler {
	return &Handler{trail: trail}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("/audit", auth.RequireRole(auth.RoleAuditor))
	readGroup.GET("/records", h.Query)
	readGroup.GET("/verify", h.Verify)

	adminGroup := api.Group("/audit", auth.RequireRole(auth.RoleAdmin))
	adminGroup.POST("/purge", h.Purge)
	adminGroup.PUT("/records/:id/legal-hold", h.SetLegalHold)
}

func parseFilter(c echo.Context) (Filter, error) {
	f := Filter{
		ScopeID:    c.QueryParam("scope_id"),
		PolicyID:   c.QueryParam("policy_id"),
		OperatorID: c.QueryParam("operator_id"),
		Outcome:    Outcome(c.QueryParam("outcome")),
		Limit:      defaultQueryLimit,
	}
	if f.Outcome != "" && f.Outcome != OutcomeSuccess && f.Outcome != OutcomeFailed {
		return f, errors.New("outcome must be success or failed")
	}
	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		v := c.QueryParam(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New(name + " must be an RFC 3339 timestamp")
		}
		*dst = t
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, errors.New("invalid limit")
		}
		if n > maxQueryLimit {
			n = maxQueryLimit
		}
		f.Limit = n
	}
	return f, nil
}

func (h *Handler) Query(c echo.Context) error {
	f, err := parseFilter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	records := make([]Record, 0)
	err = h.trail.Query(c.Request().Context(), f, func(r Record) error {
		records = append(records, r)
		return nil
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, records)
}

func (h *Handler) Verify(c echo.Context) error {
	report, err := h.trail.Verify(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) Purge(c echo.Context) error {
	n, err := h.trail.PurgeExpired(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"purged": n})
}

type legalHoldRequest struct {
	Hold bool `json:"hold"`
}

func (h *Handler) SetLegalHold(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}
	var req legalHoldRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.trail.SetLegalHold(c.Request().Context(), id, req.Hold); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "audit record not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"id": id, "legal_hold": req.Hold})
}
