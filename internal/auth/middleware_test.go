package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func newRouter(secret, audience string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/protected", JWTMiddleware(secret, audience), func(c *gin.Context) {
		subject, _ := Subject(c.Request.Context())
		c.String(http.StatusOK, subject)
	})
	return router
}

func serve(router *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestJWTMiddlewareAcceptsValidToken(t *testing.T) {
	token := signToken(t, testSecret, jwt.RegisteredClaims{
		Subject:   "farmer-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	resp := serve(newRouter(testSecret, ""), "Bearer "+token)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if resp.Body.String() != "farmer-1" {
		t.Fatalf("unexpected subject: %s", resp.Body.String())
	}
}

func TestJWTMiddlewareRejections(t *testing.T) {
	expired := signToken(t, testSecret, jwt.RegisteredClaims{
		Subject:   "farmer-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	wrongKey := signToken(t, "other", jwt.RegisteredClaims{Subject: "farmer-1"})
	noSubject := signToken(t, testSecret, jwt.RegisteredClaims{})
	wrongAudience := signToken(t, testSecret, jwt.RegisteredClaims{Subject: "farmer-1", Audience: jwt.ClaimStrings{"elsewhere"}})

	cases := []struct {
		name     string
		audience string
		header   string
	}{
		{name: "missing header"},
		{name: "wrong scheme", header: "Basic abc"},
		{name: "empty token", header: "Bearer  "},
		{name: "expired", header: "Bearer " + expired},
		{name: "wrong key", header: "Bearer " + wrongKey},
		{name: "no subject", header: "Bearer " + noSubject},
		{name: "wrong audience", audience: "chicken-api", header: "Bearer " + wrongAudience},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := serve(newRouter(testSecret, tc.audience), tc.header)
			if resp.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", resp.Code)
			}
		})
	}
}

func TestJWTMiddlewareWithoutSecretRejects(t *testing.T) {
	token := signToken(t, testSecret, jwt.RegisteredClaims{Subject: "farmer-1"})
	resp := serve(newRouter("", ""), "Bearer "+token)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}
