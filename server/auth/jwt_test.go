package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Generate test keypair
func generateTestKeyPair(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return privateKey, &privateKey.PublicKey
}

func signClientToken(t *testing.T, key *rsa.PrivateKey, claims ClientClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tokenString, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return tokenString
}

func validClaims(methods ...string) ClientClaims {
	return ClientClaims{
		Methods: methods,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "client-1",
			Issuer:    "jsonrpcmux-test",
			Audience:  jwt.ClaimStrings{ClientAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
		},
	}
}

func TestValidateClientJWT_Valid(t *testing.T) {
	privateKey, publicKey := generateTestKeyPair(t)
	validator := NewJWTValidator([]*rsa.PublicKey{publicKey}, "jsonrpcmux-test")

	tokenString := signClientToken(t, privateKey, validClaims("echo", "math.*"))

	clientID, methods, expiresAt, err := validator.ValidateClientJWT(tokenString)
	if err != nil {
		t.Fatalf("Expected valid token, got error: %v", err)
	}
	if clientID != "client-1" {
		t.Errorf("Expected clientID 'client-1', got '%s'", clientID)
	}
	if len(methods) != 2 {
		t.Errorf("Expected 2 methods, got %d", len(methods))
	}
	if expiresAt.IsZero() {
		t.Error("Expected non-zero expiry time")
	}
}

func TestValidateClientJWT_Invalid(t *testing.T) {
	privateKey, publicKey := generateTestKeyPair(t)
	otherKey, _ := generateTestKeyPair(t)
	validator := NewJWTValidator([]*rsa.PublicKey{publicKey}, "jsonrpcmux-test")

	tests := []struct {
		name   string
		key    *rsa.PrivateKey
		mutate func(*ClientClaims)
	}{
		{"wrong audience", privateKey, func(c *ClientClaims) { c.Audience = jwt.ClaimStrings{"other-client"} }},
		{"wrong issuer", privateKey, func(c *ClientClaims) { c.Issuer = "evil" }},
		{"expired", privateKey, func(c *ClientClaims) { c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour)) }},
		{"missing methods", privateKey, func(c *ClientClaims) { c.Methods = nil }},
		{"missing subject", privateKey, func(c *ClientClaims) { c.Subject = "" }},
		{"missing expiry", privateKey, func(c *ClientClaims) { c.ExpiresAt = nil }},
		{"wrong signing key", otherKey, func(c *ClientClaims) {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := validClaims("echo")
			tt.mutate(&claims)
			tokenString := signClientToken(t, tt.key, claims)
			if _, _, _, err := validator.ValidateClientJWT(tokenString); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestValidateJWT_MultipleKeys(t *testing.T) {
	privateKey1, publicKey1 := generateTestKeyPair(t)
	privateKey2, publicKey2 := generateTestKeyPair(t)
	validator := NewJWTValidator([]*rsa.PublicKey{publicKey1, publicKey2}, "jsonrpcmux-test")

	for i, key := range []*rsa.PrivateKey{privateKey1, privateKey2} {
		tokenString := signClientToken(t, key, validClaims("echo"))
		if _, _, _, err := validator.ValidateClientJWT(tokenString); err != nil {
			t.Errorf("Expected token signed with key%d to be valid, got error: %v", i+1, err)
		}
	}
}

func TestAuthorizeMethod(t *testing.T) {
	privateKey, publicKey := generateTestKeyPair(t)
	validator := NewJWTValidator([]*rsa.PublicKey{publicKey}, "jsonrpcmux-test")
	tokenString := signClientToken(t, privateKey, validClaims("echo", "math.*"))

	tests := []struct {
		method  string
		allowed bool
	}{
		{"echo", true},
		{"math.add", true},
		{"math.sub", true},
		{"sleep", false},
		{"echo2", false},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			err := validator.AuthorizeMethod(tokenString, tt.method)
			if tt.allowed && err != nil {
				t.Errorf("Expected %s to be allowed, got %v", tt.method, err)
			}
			if !tt.allowed && !errors.Is(err, ErrMethodNotPermitted) {
				t.Errorf("Expected ErrMethodNotPermitted for %s, got %v", tt.method, err)
			}
		})
	}

	if err := validator.AuthorizeMethod("not-a-token", "echo"); err == nil {
		t.Error("Expected error for malformed token")
	}
	if err := validator.AuthorizeMethod("", "echo"); err == nil {
		t.Error("Expected error for empty token")
	}
}

func TestAuthorizeMethodCachesGrant(t *testing.T) {
	privateKey, publicKey := generateTestKeyPair(t)
	validator := NewJWTValidator([]*rsa.PublicKey{publicKey}, "jsonrpcmux-test")
	tokenString := signClientToken(t, privateKey, validClaims("*"))

	if err := validator.AuthorizeMethod(tokenString, "echo"); err != nil {
		t.Fatalf("AuthorizeMethod() error = %v", err)
	}
	// A validator with no keys can only succeed from the cache.
	validator.publicKeys = nil
	if err := validator.AuthorizeMethod(tokenString, "add"); err != nil {
		t.Errorf("Expected cached grant to be used, got %v", err)
	}
}

func TestSanitizeJWTError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil error", nil, ""},
		{"expired token", jwt.ErrTokenExpired, "Token expired"},
		{"token not valid yet", jwt.ErrTokenNotValidYet, "Token not valid yet"},
		{"malformed token", jwt.ErrTokenMalformed, "Token malformed"},
		{"invalid signature", jwt.ErrSignatureInvalid, "Invalid signature"},
		{"token signature invalid", jwt.ErrTokenSignatureInvalid, "Invalid signature"},
		{"method not permitted", fmt.Errorf("%w: \"x\"", ErrMethodNotPermitted), "Method not permitted"},
		{"issuer mismatch - should be hidden", fmt.Errorf("invalid issuer: expected a, got evil"), "Unauthorized"},
		{"audience mismatch - should be hidden", fmt.Errorf("invalid audience: expected jsonrpcmux-client"), "Unauthorized"},
		{"unexpected signing method", fmt.Errorf("unexpected signing method: HS256"), "Unsupported signing method"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeJWTError(tt.err)
			if result != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestMatchesAny(t *testing.T) {
	tests := []struct {
		method   string
		patterns []string
		expected bool
	}{
		{"echo", []string{"echo"}, true},
		{"echo", []string{"*"}, true},
		{"math.add", []string{"math.*"}, true},
		{"math.add", []string{"echo", "time"}, false},
		{"anything", nil, false},
	}
	for _, tt := range tests {
		if got := MatchesAny(tt.method, tt.patterns); got != tt.expected {
			t.Errorf("MatchesAny(%q, %v) = %v, want %v", tt.method, tt.patterns, got, tt.expected)
		}
	}
}
