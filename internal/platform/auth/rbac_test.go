package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name     string
		roles    []string
		required []string
		allowed  bool
	}{
		{"matching role", []string{RolePolicyApprover}, []string{RolePolicyApprover}, true},
		{"one of several", []string{RoleAuditor}, []string{RolePolicyAuthor, RoleAuditor}, true},
		{"admin bypass", []string{RoleAdmin}, []string{RoleOperator}, true},
		{"wrong role", []string{RoleOperator}, []string{RolePolicyApprover}, false},
		{"no roles", nil, []string{RoleOperator}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(WithOperator(context.Background(), "u", tt.roles))
			c := e.NewContext(req, httptest.NewRecorder())

			err := RequireRole(tt.required...)(func(c echo.Context) error { return nil })(c)
			if tt.allowed && err != nil {
				t.Fatalf("expected access, got %v", err)
			}
			if !tt.allowed {
				httpErr, ok := err.(*echo.HTTPError)
				if !ok || httpErr.Code != http.StatusForbidden {
					t.Fatalf("expected 403, got %v", err)
				}
			}
		})
	}
}
