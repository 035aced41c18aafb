package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/orrn/instalabel/internal/config"
)

func newTestAuth(t *testing.T, ttl time.Duration) *AuthMiddleware {
	t.Helper()
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	a, err := NewAuthMiddleware(config.AuthConfig{PasswordHash: hash, JWTSecret: "secret", TokenTTL: ttl})
	if err != nil {
		t.Fatalf("NewAuthMiddleware: %v", err)
	}
	return a
}

func protectedEngine(a *AuthMiddleware) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/private", a.RequireAuth(), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return r
}

func TestNewAuthMiddlewareDisabled(t *testing.T) {
	a, err := NewAuthMiddleware(config.AuthConfig{})
	if err != nil || a != nil {
		t.Fatalf("expected nil middleware without a hash, got %v %v", a, err)
	}
}

func TestNewAuthMiddlewareRejectsBadHash(t *testing.T) {
	if _, err := NewAuthMiddleware(config.AuthConfig{PasswordHash: "plaintext"}); err == nil {
		t.Fatal("expected error for a non-bcrypt hash")
	}
}

func TestHashPasswordTooShort(t *testing.T) {
	if _, err := HashPassword("abc"); err == nil {
		t.Fatal("expected error for short password")
	}
}

func TestRequireAuth(t *testing.T) {
	a := newTestAuth(t, time.Hour)
	r := protectedEngine(a)

	token, err := a.generateToken()
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}

	tests := []struct {
		name   string
		setup  func(*http.Request)
		status int
	}{
		{"no token", func(*http.Request) {}, http.StatusUnauthorized},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusOK},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: cookieName, Value: token}) }, http.StatusOK},
		{"garbage", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/private", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
		})
	}
}

func TestRequireAuthRejectsForeignTokens(t *testing.T) {
	a := newTestAuth(t, time.Hour)
	r := protectedEngine(a)

	other := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Authenticated: true,
	})
	signed, err := other.SignedString([]byte("different-secret"))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	old := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		Authenticated: true,
	})
	stale, err := old.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	for name, token := range map[string]string{"wrong secret": signed, "expired": stale} {
		req := httptest.NewRequest(http.MethodGet, "/private", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", name, rec.Code)
		}
	}
}
