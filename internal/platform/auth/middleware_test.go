package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

var testKey = []byte("test-signing-key")

func signToken(t *testing.T, key []byte, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "patient",
	})
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func invoke(t *testing.T, mw echo.MiddlewareFunc, req *http.Request) (uuid.UUID, bool, error) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var id uuid.UUID
	var ok bool
	err := mw(func(c echo.Context) error {
		id, ok = UserIDFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})(c)
	return id, ok, err
}

func TestMiddleware_ValidToken(t *testing.T) {
	subject := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testKey, subject.String()))

	id, ok, err := invoke(t, Middleware(testKey), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || id != subject {
		t.Errorf("identity not propagated: ok=%v id=%s", ok, id)
	}
}

func TestMiddleware_MissingTokenPassesThrough(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	_, ok, err := invoke(t, Middleware(testKey), req)
	if err != nil {
		t.Fatalf("unauthenticated request must pass through: %v", err)
	}
	if ok {
		t.Error("expected no identity on the context")
	}
}

func TestMiddleware_RejectsBadSignature(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, []byte("wrong-key"), uuid.New().String()))

	_, _, err := invoke(t, Middleware(testKey), req)
	assertHTTPError(t, err, http.StatusUnauthorized)
}

func TestMiddleware_RejectsExpiredToken(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	signed, err := token.SignedString(testKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)

	_, _, callErr := invoke(t, Middleware(testKey), req)
	assertHTTPError(t, callErr, http.StatusUnauthorized)
}

func TestMiddleware_RejectsNonUUIDSubject(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testKey, "not-a-uuid"))

	_, _, err := invoke(t, Middleware(testKey), req)
	assertHTTPError(t, err, http.StatusUnauthorized)
}

func TestDevMiddleware(t *testing.T) {
	subject := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", subject.String())

	id, ok, err := invoke(t, DevMiddleware(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || id != subject {
		t.Errorf("identity not propagated: ok=%v id=%s", ok, id)
	}
}

func TestDevMiddleware_InvalidHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "garbage")

	_, _, err := invoke(t, DevMiddleware(), req)
	assertHTTPError(t, err, http.StatusBadRequest)
}

func TestContextProvider(t *testing.T) {
	id := uuid.New()
	ctx := WithUser(context.Background(), id)

	got, ok := ContextProvider{}.CurrentUser(ctx)
	if !ok || got != id {
		t.Errorf("CurrentUser = %s, %v", got, ok)
	}

	if _, ok := (ContextProvider{}).CurrentUser(context.Background()); ok {
		t.Error("expected no identity on an empty context")
	}
}

func assertHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != code {
		t.Errorf("expected HTTP %d, got %v", code, err)
	}
}
