package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextForPath(path string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath(path)
	return c
}

func TestAuthSkipper(t *testing.T) {
	tests := []struct {
		path string
		skip bool
	}{
		{"/health", true},
		{"/health/ready", true},
		{"/metrics", true},
		{"/api/v1/deid/anonymize", false},
		{"/api/v1/policies", false},
		{"/health/extra", false},
		{"/", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := AuthSkipper(contextForPath(tt.path)); got != tt.skip {
				t.Errorf("AuthSkipper(%s) = %v, want %v", tt.path, got, tt.skip)
			}
			if got := IsPublicPath(tt.path); got != tt.skip {
				t.Errorf("IsPublicPath(%s) = %v, want %v", tt.path, got, tt.skip)
			}
		})
	}
}

func TestJWTMiddleware_SkipsPublicPaths(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})

	var called bool
	err := mw(func(c echo.Context) error {
		called = true
		return nil
	})(contextForPath("/metrics"))
	if err != nil {
		t.Fatalf("expected no error for skipped path, got: %v", err)
	}
	if !called {
		t.Error("handler not called for skipped path")
	}
}

func TestJWTMiddleware_SkipperKeepsProtectedPaths(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})
	err := mw(func(c echo.Context) error { return nil })(contextForPath("/api/v1/deid/anonymize"))
	expectStatus(t, err, http.StatusUnauthorized)

	c := contextForPath("/api/v1/deid/anonymize")
	c.Request().Header.Set("Authorization", "Bearer "+createTestToken(t, validClaims("op-9", RoleOperator), testSigningKey))
	var uid string
	err = mw(func(c echo.Context) error {
		uid = UserIDFromContext(c.Request().Context())
		return nil
	})(c)
	if err != nil || uid != "op-9" {
		t.Errorf("uid = %q, err = %v", uid, err)
	}
}

func TestJWTMiddleware_NilSkipperDoesNotSkip(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})
	err := mw(func(c echo.Context) error { return nil })(contextForPath("/health"))
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestDevAuthMiddleware_SkipsPublicPaths(t *testing.T) {
	var uid string
	err := DevAuthMiddleware(AuthSkipper)(func(c echo.Context) error {
		uid = UserIDFromContext(c.Request().Context())
		return nil
	})(contextForPath("/health"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != "" {
		t.Errorf("expected no operator on skipped path, got %s", uid)
	}
}
