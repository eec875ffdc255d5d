package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newTestHandler(t *testing.T) (*Handler, *Trail, *echo.Echo) {
	t.Helper()
	trail := NewTrail(NewMemoryStore(), Settings{}, nil, testLogger())
	return NewHandler(trail), trail, echo.New()
}

func TestHandler_Query(t *testing.T) {
	h, trail, e := newTestHandler(t)
	trail.Append(context.Background(), successRecord("a"))
	trail.Append(context.Background(), successRecord("b"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/records?scope_id=b", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Query(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var records []Record
	json.Unmarshal(rec.Body.Bytes(), &records)
	if len(records) != 1 || records[0].ScopeID != "b" {
		t.Errorf("unexpected records: %+v", records)
	}
}

func TestHandler_Query_BadParams(t *testing.T) {
	h, _, e := newTestHandler(t)
	for _, q := range []string{"outcome=maybe", "from=yesterday", "limit=0"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/records?"+q, nil)
		c := e.NewContext(req, httptest.NewRecorder())
		err := h.Query(c)
		httpErr, ok := err.(*echo.HTTPError)
		if !ok || httpErr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %v", q, err)
		}
	}
}

func TestHandler_SetLegalHold(t *testing.T) {
	h, trail, e := newTestHandler(t)
	id, _ := trail.Append(context.Background(), successRecord("a"))

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"hold":true}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id.String())

	if err := h.SetLegalHold(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	records := collect(t, trail, Filter{})
	if !records[0].LegalHold {
		t.Error("expected record under legal hold")
	}
}

func TestHandler_SetLegalHold_NotFound(t *testing.T) {
	h, _, e := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"hold":true}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	err := h.SetLegalHold(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestHandler_Verify(t *testing.T) {
	h, trail, e := newTestHandler(t)
	trail.Append(context.Background(), successRecord("a"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/verify", nil)
	rec := httptest.NewRecorder()
	if err := h.Verify(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var report VerifyReport
	json.Unmarshal(rec.Body.Bytes(), &report)
	if report.Records != 1 || !report.OK() {
		t.Errorf("unexpected report: %+v", report)
	}
}
