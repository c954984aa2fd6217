package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestSignAndParse(t *testing.T) {
	i := NewIssuer("s3cret", time.Hour)
	token, exp, err := i.Sign("u1", "Ada")
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if time.Until(exp) < 59*time.Minute {
		t.Errorf("unexpected expiry %v", exp)
	}

	id, err := i.Parse(token)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if id.UserID != "u1" || id.DisplayName != "Ada" {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestParse_Rejects(t *testing.T) {
	i := NewIssuer("s3cret", time.Hour)
	other := NewIssuer("different", time.Hour)
	foreign, _, _ := other.Sign("u1", "Ada")
	expired, _, _ := NewIssuer("s3cret", time.Nanosecond).Sign("u1", "Ada")
	time.Sleep(time.Millisecond)

	for name, tok := range map[string]string{
		"wrong secret": foreign,
		"garbage":      "not-a-token",
		"expired":      expired,
	} {
		if _, err := i.Parse(tok); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("%s: expected ErrUnauthenticated, got %v", name, err)
		}
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q-token", nil)
	if got := TokenFromRequest(r); got != "q-token" {
		t.Errorf("expected query token, got %q", got)
	}
	r.Header.Set("Authorization", "bearer h-token")
	if got := TokenFromRequest(r); got != "h-token" {
		t.Errorf("expected header token to win, got %q", got)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	i := NewIssuer("", time.Hour)

	var registered []string
	r := gin.New()
	r.Use(Middleware(i, func(_ *gin.Context, id Identity) { registered = append(registered, id.UserID) }))
	r.GET("/me", func(c *gin.Context) {
		id, _ := FromContext(c)
		c.String(http.StatusOK, id.UserID)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	token, _, _ := i.Sign("u7", "")
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "u7" {
		t.Fatalf("expected 200 u7, got %d %q", w.Code, w.Body.String())
	}
	if len(registered) != 1 || registered[0] != "u7" {
		t.Errorf("expected u7 to be registered, got %v", registered)
	}
}
