package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "hookline"
	testAudience = "hookline-admin"
)

func newTestKeys(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return key, string(pemBytes)
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func baseClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub": "ops@example.com",
		"iss": testIssuer,
		"aud": testAudience,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
}

func TestValidateToken(t *testing.T) {
	key, pubPEM := newTestKeys(t)
	v, err := NewJWTValidator(pubPEM, testIssuer, testAudience)
	if err != nil {
		t.Fatalf("NewJWTValidator() error: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(jwt.MapClaims)
		wantSub string
		wantErr bool
	}{
		{
			name:    "valid token",
			mutate:  func(jwt.MapClaims) {},
			wantSub: "ops@example.com",
		},
		{
			name:    "wrong issuer",
			mutate:  func(c jwt.MapClaims) { c["iss"] = "someone-else" },
			wantErr: true,
		},
		{
			name:    "wrong audience",
			mutate:  func(c jwt.MapClaims) { c["aud"] = "other-service" },
			wantErr: true,
		},
		{
			name:    "expired",
			mutate:  func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() },
			wantErr: true,
		},
		{
			name:    "missing subject",
			mutate:  func(c jwt.MapClaims) { delete(c, "sub") },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := baseClaims()
			tt.mutate(claims)
			token := signToken(t, key, claims)

			sub, err := v.ValidateToken(token)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && sub != tt.wantSub {
				t.Errorf("ValidateToken() sub = %q, want %q", sub, tt.wantSub)
			}
		})
	}
}

func TestValidateTokenWrongKey(t *testing.T) {
	_, pubPEM := newTestKeys(t)
	otherKey, _ := newTestKeys(t)

	v, err := NewJWTValidator(pubPEM, testIssuer, testAudience)
	if err != nil {
		t.Fatalf("NewJWTValidator() error: %v", err)
	}
	token := signToken(t, otherKey, baseClaims())
	if _, err := v.ValidateToken(token); err == nil {
		t.Error("ValidateToken() accepted a token signed with the wrong key")
	}
}

func TestNewJWTValidatorBadPEM(t *testing.T) {
	if _, err := NewJWTValidator("not a pem block", testIssuer, testAudience); err == nil {
		t.Error("NewJWTValidator() accepted invalid PEM")
	}
}

func TestMiddleware(t *testing.T) {
	key, pubPEM := newTestKeys(t)
	v, err := NewJWTValidator(pubPEM, testIssuer, testAudience)
	if err != nil {
		t.Fatalf("NewJWTValidator() error: %v", err)
	}

	var gotOperator string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOperator = OperatorFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := v.Middleware(next)

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
		wantSub    string
	}{
		{
			name:       "valid bearer token",
			authHeader: "Bearer " + signToken(t, key, baseClaims()),
			wantStatus: http.StatusOK,
			wantSub:    "ops@example.com",
		},
		{
			name:       "missing header",
			authHeader: "",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "not a bearer token",
			authHeader: "Basic Zm9vOmJhcg==",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "garbage token",
			authHeader: "Bearer not.a.jwt",
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotOperator = ""
			req := httptest.NewRequest("GET", "/v1/endpoints", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantSub != "" && gotOperator != tt.wantSub {
				t.Errorf("operator = %q, want %q", gotOperator, tt.wantSub)
			}
		})
	}
}
