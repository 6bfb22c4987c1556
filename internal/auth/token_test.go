// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens, and cookies

package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestJWTVerifier_ValidToken(t *testing.T) {
	secret := []byte("test-secret-key-for-jwt-signing")
	verifier := NewJWTVerifier(secret)

	operatorID := "operator-123"
	token, err := verifier.Generate(operatorID, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	gotID, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if gotID != operatorID {
		t.Errorf("Verify() = %q, want %q", gotID, operatorID)
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	secret := []byte("test-secret-key-for-jwt-signing")
	verifier := NewJWTVerifier(secret)

	tests := []struct {
		name  string
		token string
	}{
		{
			name:  "empty token",
			token: "",
		},
		{
			name:  "garbage token",
			token: "not-a-jwt-token",
		},
		{
			name:  "malformed JWT",
			token: "header.payload.signature",
		},
		{
			name: "wrong secret",
			token: func() string {
				otherVerifier := NewJWTVerifier([]byte("different-secret"))
				token, _ := otherVerifier.Generate("operator-123", time.Hour)
				return token
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if err == nil {
				t.Error("Verify() expected error, got nil")
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	secret := []byte("test-secret-key-for-jwt-signing")
	verifier := NewJWTVerifier(secret)

	token, err := verifier.Generate("operator-123", -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestOperatorFromRequest(t *testing.T) {
	secret := []byte("test-secret-key-for-jwt-signing")
	verifier := NewJWTVerifier(secret)

	token, err := verifier.Generate("operator-123", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/ws/admin", nil)
	req.AddCookie(&http.Cookie{Name: AdminSessionCookie, Value: token})

	gotID, err := verifier.OperatorFromRequest(req)
	if err != nil {
		t.Fatalf("OperatorFromRequest() error = %v", err)
	}
	if gotID != "operator-123" {
		t.Errorf("OperatorFromRequest() = %q, want operator-123", gotID)
	}
}

func TestOperatorFromRequest_NoCookie(t *testing.T) {
	verifier := NewJWTVerifier([]byte("secret"))

	req := httptest.NewRequest(http.MethodGet, "/ws/admin", nil)
	_, err := verifier.OperatorFromRequest(req)
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("OperatorFromRequest() error = %v, want ErrInvalidToken", err)
	}
}
