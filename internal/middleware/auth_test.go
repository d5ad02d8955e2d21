package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func operatorEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, _ := GetOperator(r.Context())
		_, _ = w.Write([]byte(op))
	})
}

func TestRequireAuth(t *testing.T) {
	valid := signToken(t, testSecret, Claims{
		Operator: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	subjectOnly := signToken(t, testSecret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "bob"},
	})
	expired := signToken(t, testSecret, Claims{
		Operator: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	wrongKey := signToken(t, "other", Claims{Operator: "alice"})

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{"valid token", "Bearer " + valid, http.StatusOK, "alice"},
		{"subject fallback", "Bearer " + subjectOnly, http.StatusOK, "bob"},
		{"missing header", "", http.StatusUnauthorized, "auth_required"},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, "auth_invalid_scheme"},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, "auth_invalid"},
		{"wrong key", "Bearer " + wrongKey, http.StatusUnauthorized, "auth_invalid"},
		{"garbage", "Bearer not.a.token", http.StatusUnauthorized, "auth_invalid"},
	}

	h := RequireAuth(testSecret)(operatorEcho())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/outbox/events", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
		})
	}
}

func TestRequireAuth_DisabledWithoutSecret(t *testing.T) {
	h := RequireAuth("")(operatorEcho())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}
