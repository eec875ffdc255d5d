package policy

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/deid/internal/platform/auth"
)

type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RolePolicyAuthor, auth.RolePolicyApprover, auth.RoleAuditor))
	readGroup.GET("/policies", h.List)
	readGroup.GET("/policies/:id", h.Get)
	readGroup.GET("/policies/:id/history", h.History)

	writeGroup := api.Group("", auth.RequireRole(auth.RolePolicyAuthor))
	writeGroup.POST("/policies", h.Create)
	writeGroup.PUT("/policies/:id", h.Revise)
	writeGroup.POST("/policies/:id/submit", h.Submit)
	writeGroup.POST("/policies/:id/backup", h.Backup)

	approveGroup := api.Group("", auth.RequireRole(auth.RolePolicyApprover))
	approveGroup.POST("/policies/:id/approve", h.Approve)
	approveGroup.POST("/policies/:id/reject", h.Reject)
}

// bindDocument accepts the policy document as JSON or, with a YAML content
// type, in the on-disk format.
func bindDocument(c echo.Context) (Document, error) {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	if strings.Contains(ct, "yaml") {
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
		if err != nil {
			return Document{}, err
		}
		return DecodeYAML(body)
	}
	var doc Document
	if err := c.Bind(&doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (h *Handler) Create(c echo.Context) error {
	doc, err := bindDocument(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.mgr.Create(c.Request().Context(), doc, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Revise(c echo.Context) error {
	doc, err := bindDocument(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.mgr.Revise(c.Request().Context(), c.Param("id"), doc, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Submit(c echo.Context) error {
	p, err := h.mgr.SubmitForApproval(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Approve(c echo.Context) error {
	p, err := h.mgr.Approve(c.Request().Context(), c.Param("id"), auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Reject(c echo.Context) error {
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.mgr.Reject(c.Request().Context(), c.Param("id"), auth.UserIDFromContext(c.Request().Context()), req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Backup(c echo.Context) error {
	loc, err := h.mgr.Backup(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"location": loc})
}

func (h *Handler) Get(c echo.Context) error {
	version := 0
	if v := c.QueryParam("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid version")
		}
		version = n
	}
	p, err := h.mgr.Get(c.Request().Context(), c.Param("id"), version)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) History(c echo.Context) error {
	versions, err := h.mgr.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, versions)
}

func (h *Handler) List(c echo.Context) error {
	items, err := h.mgr.List(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func httpError(err error) error {
	var invalid *InvalidPolicyError
	switch {
	case errors.As(err, &invalid), errors.Is(err, ErrReasonRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrPolicyNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "policy not found")
	case errors.Is(err, ErrNotCommitteeMember), errors.Is(err, ErrEmergencyBypassDisabled), errors.Is(err, ErrPolicyNotApproved):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrDuplicateApproval),
		errors.Is(err, ErrPolicyExists), errors.Is(err, ErrRevisionPending):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrStoreTimeout):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
