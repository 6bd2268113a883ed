package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ============================================================================
// JWT
// ============================================================================

func TestTokenRoundTrip(t *testing.T) {
	m := NewJWTManager("test-secret", "chaos-exchange", time.Hour)
	token, err := m.GenerateAccessToken(UserClaims{UserID: "user-1"})
	if err != nil {
		t.Fatal(err)
	}
	claims, err := m.ValidateAccessToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != "user-1" {
		t.Errorf("user id = %q", claims.UserID)
	}
}

func TestValidateAccessTokenRejects(t *testing.T) {
	m := NewJWTManager("test-secret", "chaos-exchange", time.Hour)
	other := NewJWTManager("other-secret", "chaos-exchange", time.Hour)
	foreign, _ := other.GenerateAccessToken(UserClaims{UserID: "user-1"})
	expired, _ := NewJWTManager("test-secret", "chaos-exchange", -time.Minute).GenerateAccessToken(UserClaims{UserID: "user-1"})
	wrongIssuer, _ := NewJWTManager("test-secret", "someone-else", time.Hour).GenerateAccessToken(UserClaims{UserID: "user-1"})

	testCases := []struct {
		name  string
		token string
		want  AuthError
	}{
		{"garbage", "not-a-token", ErrInvalidToken},
		{"wrong secret", foreign, ErrInvalidToken},
		{"expired", expired, ErrTokenExpired},
		{"wrong issuer", wrongIssuer, ErrInvalidToken},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.ValidateAccessToken(tc.token)
			if err != tc.want {
				t.Errorf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestGenerateRequiresUserID(t *testing.T) {
	m := NewJWTManager("test-secret", "chaos-exchange", time.Hour)
	if _, err := m.GenerateAccessToken(UserClaims{}); err == nil {
		t.Error("token minted without a user id")
	}
}

// ============================================================================
// Middleware
// ============================================================================

func TestMiddleware(t *testing.T) {
	m := NewJWTManager("test-secret", "chaos-exchange", time.Hour)
	token, _ := m.GenerateAccessToken(UserClaims{UserID: "user-7"})

	router := gin.New()
	router.GET("/me", Middleware(m), func(c *gin.Context) {
		c.String(http.StatusOK, GetUserID(c))
	})

	testCases := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"valid bearer", "Bearer " + token, http.StatusOK, "user-7"},
		{"missing header", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized, ""},
		{"bad token", "Bearer nope", http.StatusUnauthorized, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tc.status {
				t.Errorf("status = %d, want %d", w.Code, tc.status)
			}
			if tc.body != "" && w.Body.String() != tc.body {
				t.Errorf("body = %q, want %q", w.Body.String(), tc.body)
			}
		})
	}
}

func TestRequireAdminKey(t *testing.T) {
	hash, err := HashAdminKey("correct-horse-battery", bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	router := gin.New()
	router.GET("/admin", RequireAdminKey(NewAdminKeyVerifier(hash)), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	testCases := []struct {
		name   string
		key    string
		status int
	}{
		{"correct key", "correct-horse-battery", http.StatusNoContent},
		{"wrong key", "incorrect-horse-battery", http.StatusForbidden},
		{"missing key", "", http.StatusUnauthorized},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tc.key != "" {
				req.Header.Set(HeaderAdminKey, tc.key)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tc.status {
				t.Errorf("status = %d, want %d", w.Code, tc.status)
			}
		})
	}
}

func TestAdminKeyVerifierWithoutHashRejects(t *testing.T) {
	v := NewAdminKeyVerifier("")
	if v.Enabled() || v.Verify("anything-at-all-really") {
		t.Error("verifier without hash accepted a key")
	}
	if _, err := HashAdminKey("short", bcrypt.MinCost); err == nil {
		t.Error("short admin key accepted")
	}
}
