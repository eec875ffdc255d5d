package deid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/deid/internal/domain/audit"
	"github.com/ehr/deid/internal/domain/policy"
	"github.com/ehr/deid/internal/domain/pseudonym"
	"github.com/ehr/deid/internal/platform/auth"
	"github.com/ehr/deid/internal/platform/middleware"
)

func newTestContext(t *testing.T, method, target string, body []byte, ctx context.Context) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = auth.WithOperator(ctx, "op-7", []string{auth.RoleOperator})
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func anonymizeBody(t *testing.T, scope string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"policy_id": "ct-research",
		"scope_id":  scope,
		"record":    sampleRecord(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestHandler_Anonymize(t *testing.T) {
	f := newFixture(t, policy.StatusApproved, nil)
	h := NewHandler(f.engine, 2)

	c, rec := newTestContext(t, http.MethodPost, "/api/v1/deid/anonymize", anonymizeBody(t, "patient-1"), nil)
	if err := h.Anonymize(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := res.Record["patient.name"]; ok {
		t.Error("patient.name leaked into the response")
	}
	if strings.Contains(rec.Body.String(), "Jane Roe") {
		t.Error("original value in response body")
	}

	records := f.auditRecords(t)
	if len(records) != 1 || records[0].OperatorID != "op-7" {
		t.Errorf("audit records = %+v", records)
	}
}

func TestHandler_Anonymize_OperatorFromContextOnly(t *testing.T) {
	f := newFixture(t, policy.StatusApproved, nil)
	h := NewHandler(f.engine, 2)

	body := []byte(`{"policy_id":"ct-research","scope_id":"s","operator_id":"spoofed","emergency_bypass":true,"record":{"study.uid":"1.2.3"}}`)
	c, _ := newTestContext(t, http.MethodPost, "/api/v1/deid/anonymize", body, nil)
	if err := h.Anonymize(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := f.auditRecords(t)[0]
	if r.OperatorID != "op-7" || r.EmergencyBypass {
		t.Errorf("caller fields taken from body: %+v", r)
	}
}

func TestHandler_Anonymize_ValidationError(t *testing.T) {
	f := newFixture(t, policy.StatusApproved, nil)
	h := NewHandler(f.engine, 2)

	body := []byte(`{"policy_id":"ct-research","scope_id":"s","record":{"study.date":"15 Jan 2024","study.uid":"1.2.3"}}`)
	c, _ := newTestContext(t, http.MethodPost, "/api/v1/deid/anonymize", body, nil)
	err := h.Anonymize(c)

	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
	verr, ok := he.Message.(*ValidationError)
	if !ok || len(verr.Fields) != 1 || verr.Fields[0].Field != "study.date" {
		t.Errorf("message = %#v", he.Message)
	}
	if strings.Contains(verr.Error(), "15 Jan 2024") {
		t.Error("validation error echoes the field value")
	}
	if n := len(f.auditRecords(t)); n != 0 {
		t.Errorf("validation failure wrote %d audit records", n)
	}
}

func TestHandler_Anonymize_NotApproved(t *testing.T) {
	f := newFixture(t, policy.StatusDraft, nil)
	h := NewHandler(f.engine, 2)

	c, _ := newTestContext(t, http.MethodPost, "/api/v1/deid/anonymize", anonymizeBody(t, "s"), nil)
	err := h.Anonymize(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestHandler_Anonymize_BreakGlass(t *testing.T) {
	f := newFixture(t, policy.StatusDraft, nil)
	f.resolver.allowBypass = true
	h := NewHandler(f.engine, 2)

	ctx := middleware.WithBreakGlass(context.Background(), "stroke case review")
	c, rec := newTestContext(t, http.MethodPost, "/api/v1/deid/anonymize", anonymizeBody(t, "s"), ctx)
	if err := h.Anonymize(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	r := f.auditRecords(t)[0]
	if !r.EmergencyBypass {
		t.Error("audit record must carry the bypass flag")
	}
}

func TestHandler_Batch(t *testing.T) {
	f := newFixture(t, policy.StatusApproved, nil)
	h := NewHandler(f.engine, 2)

	body := []byte(`{"items":[
		{"policy_id":"ct-research","scope_id":"a","record":{"study.uid":"1.2.3"}},
		{"policy_id":"ct-research","scope_id":"","record":{"study.uid":"1.2.3"}},
		{"policy_id":"missing","scope_id":"c","record":{}}
	]}`)
	c, rec := newTestContext(t, http.MethodPost, "/api/v1/deid/anonymize/batch", body, nil)
	if err := h.AnonymizeBatch(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp struct {
		Items []struct {
			Result *Result `json:"result"`
			Error  *struct {
				Status int `json:"status"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(resp.Items))
	}
	if resp.Items[0].Result == nil {
		t.Error("item 0 should succeed")
	}
	if resp.Items[1].Error == nil || resp.Items[1].Error.Status != http.StatusBadRequest {
		t.Errorf("item 1 = %+v", resp.Items[1])
	}
	if resp.Items[2].Error == nil || resp.Items[2].Error.Status != http.StatusNotFound {
		t.Errorf("item 2 = %+v", resp.Items[2])
	}
}

func TestHandler_Batch_Empty(t *testing.T) {
	f := newFixture(t, policy.StatusApproved, nil)
	h := NewHandler(f.engine, 2)

	c, _ := newTestContext(t, http.MethodPost, "/api/v1/deid/anonymize/batch", []byte(`{"items":[]}`), nil)
	err := h.AnonymizeBatch(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_AnonymizeDICOM(t *testing.T) {
	f := newFixture(t, policy.StatusApproved, nil)
	h := NewHandler(f.engine, 2)

	data := writeTestDICOM(t)
	c, rec := newTestContext(t, http.MethodPost, "/api/v1/deid/anonymize/dicom?policy_id=ct-research&scope_id=s&policy_version=2", data, nil)
	if err := h.AnonymizeDICOM(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(rec.Body.String(), "Roe^Jane") {
		t.Error("patient name leaked")
	}

	c, _ = newTestContext(t, http.MethodPost, "/api/v1/deid/anonymize/dicom?policy_id=ct-research&scope_id=s&policy_version=x", data, nil)
	var he *echo.HTTPError
	if err := h.AnonymizeDICOM(c); !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad version, got %v", err)
	}
}

func TestHTTPError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&ValidationError{Fields: []FieldError{{Field: "f", Reason: "bad"}}}, http.StatusBadRequest},
		{policy.ErrPolicyNotFound, http.StatusNotFound},
		{policy.ErrPolicyNotApproved, http.StatusForbidden},
		{policy.ErrEmergencyBypassDisabled, http.StatusForbidden},
		{&audit.WriteError{Err: errors.New("disk")}, http.StatusServiceUnavailable},
		{&pseudonym.StoreError{Op: "get", Err: errors.New("down")}, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := httpError(tt.err).Code; got != tt.want {
			t.Errorf("httpError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
