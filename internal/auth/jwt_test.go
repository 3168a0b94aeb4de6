package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// TestGenerateAndValidateToken verifies a round trip through the manager.
func TestGenerateAndValidateToken(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)

	token, err := m.GenerateToken("operator")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Operator != "operator" {
		t.Errorf("operator = %q, want operator", claims.Operator)
	}
	if claims.Issuer != "kis-trading-bot" {
		t.Errorf("issuer = %q", claims.Issuer)
	}
}

// TestValidateTokenWrongSecret verifies a token signed with another secret is
// rejected as invalid.
func TestValidateTokenWrongSecret(t *testing.T) {
	token, err := NewJWTManager("secret-a", time.Hour).GenerateToken("operator")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	_, err = NewJWTManager("secret-b", time.Hour).ValidateToken(token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("error = %v, want ErrInvalidToken", err)
	}
}

// TestValidateTokenExpired verifies an expired token maps to the dedicated
// expiry error so the API can distinguish it.
func TestValidateTokenExpired(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	m.tokenDuration = -time.Minute

	token, err := m.GenerateToken("operator")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := m.ValidateToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("error = %v, want ErrTokenExpired", err)
	}
}

// TestValidateTokenGarbage verifies malformed input never validates.
func TestValidateTokenGarbage(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	for _, token := range []string{"", "not-a-jwt", "aaa.bbb.ccc"} {
		if _, err := m.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("ValidateToken(%q) error = %v, want ErrInvalidToken", token, err)
		}
	}
}

func protectedRouter(m *JWTManager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", Middleware(m), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"operator": GetOperator(c)})
	})
	return r
}

// TestMiddlewareAcceptsBearerToken verifies a valid bearer token reaches the
// handler with the operator identity attached.
func TestMiddlewareAcceptsBearerToken(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	token, _ := m.GenerateToken("operator")
	r := protectedRouter(m)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
}

// TestMiddlewareRejectsMissingAndBadTokens verifies requests without a valid
// bearer token never reach the handler.
func TestMiddlewareRejectsMissingAndBadTokens(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	r := protectedRouter(m)

	cases := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"wrong scheme", "Basic abc123"},
		{"bad token", "Bearer not-a-jwt"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", tc.name, w.Code)
		}
	}
}
