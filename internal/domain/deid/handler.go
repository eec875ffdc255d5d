package deid

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/deid/internal/domain/audit"
	"github.com/ehr/deid/internal/domain/policy"
	"github.com/ehr/deid/internal/domain/pseudonym"
	"github.com/ehr/deid/internal/platform/auth"
	"github.com/ehr/deid/internal/platform/middleware"
)

const (
	maxBatchItems  = 500
	maxDICOMHeader = 64 << 20
)

type Handler struct {
	engine      *Engine
	concurrency int
}

func NewHandler(engine *Engine, concurrency int) *Handler {
	return &Handler{engine: engine, concurrency: concurrency}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/deid", auth.RequireRole(auth.RoleOperator))
	g.POST("/anonymize", h.Anonymize)
	g.POST("/anonymize/batch", h.AnonymizeBatch)
	g.POST("/anonymize/dicom", h.AnonymizeDICOM)
}

type anonymizeRequest struct {
	Request
	Record Record `json:"record"`
}

type batchRequest struct {
	Items []anonymizeRequest `json:"items"`
}

type itemError struct {
	Status  int         `json:"status"`
	Message interface{} `json:"message"`
}

type batchItemResponse struct {
	Result *Result    `json:"result,omitempty"`
	Error  *itemError `json:"error,omitempty"`
}

// fillCaller sets the operator and bypass flag from the request context.
// They are never taken from the body.
func fillCaller(c echo.Context, req *Request) {
	ctx := c.Request().Context()
	req.OperatorID = auth.UserIDFromContext(ctx)
	req.EmergencyBypass = middleware.IsBreakGlass(ctx)
}

func (h *Handler) Anonymize(c echo.Context) error {
	var body anonymizeRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	fillCaller(c, &body.Request)

	res, err := h.engine.Anonymize(c.Request().Context(), body.Record, body.Request)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) AnonymizeBatch(c echo.Context) error {
	var body batchRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(body.Items) == 0 || len(body.Items) > maxBatchItems {
		return echo.NewHTTPError(http.StatusBadRequest, "batch must hold between 1 and "+strconv.Itoa(maxBatchItems)+" items")
	}

	items := make([]BatchItem, len(body.Items))
	for i, it := range body.Items {
		fillCaller(c, &it.Request)
		items[i] = BatchItem{Record: it.Record, Request: it.Request}
	}

	results := h.engine.AnonymizeBatch(c.Request().Context(), items, h.concurrency)
	out := make([]batchItemResponse, len(results))
	for i, r := range results {
		if r.Err != nil {
			he := httpError(r.Err)
			out[i].Error = &itemError{Status: he.Code, Message: he.Message}
			continue
		}
		out[i].Result = r.Result
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": out})
}

// AnonymizeDICOM accepts a raw Part-10 body; policy and scope come from the
// query string.
func (h *Handler) AnonymizeDICOM(c echo.Context) error {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxDICOMHeader+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	if len(data) > maxDICOMHeader {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "dicom file too large")
	}
	rec, err := RecordFromDICOM(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	req := Request{PolicyID: c.QueryParam("policy_id"), ScopeID: c.QueryParam("scope_id")}
	if v := c.QueryParam("policy_version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid policy_version")
		}
		req.PolicyVersion = n
	}
	fillCaller(c, &req)

	res, err := h.engine.Anonymize(c.Request().Context(), rec, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func httpError(err error) *echo.HTTPError {
	var (
		verr *ValidationError
		werr *audit.WriteError
		serr *pseudonym.StoreError
	)
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, verr)
	case errors.Is(err, policy.ErrPolicyNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "policy not found")
	case errors.Is(err, policy.ErrPolicyNotApproved), errors.Is(err, policy.ErrEmergencyBypassDisabled):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.As(err, &werr), errors.As(err, &serr), errors.Is(err, policy.ErrStoreTimeout):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
