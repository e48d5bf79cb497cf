package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ClientAudience is the audience required on client tokens.
const ClientAudience = "jsonrpcmux-client"

// maxCachedTokens bounds the validated-token cache.
const maxCachedTokens = 1024

// SanitizeJWTError returns a client-safe error message.
// Token-related issues (expired, invalid signature) are returned.
// System config issues (issuer, audience, claims structure) are hidden.
func SanitizeJWTError(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, jwt.ErrTokenExpired) {
		return "Token expired"
	}
	if errors.Is(err, jwt.ErrTokenNotValidYet) {
		return "Token not valid yet"
	}
	if errors.Is(err, jwt.ErrTokenMalformed) {
		return "Token malformed"
	}
	if errors.Is(err, jwt.ErrSignatureInvalid) || errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return "Invalid signature"
	}
	if errors.Is(err, ErrMethodNotPermitted) {
		return "Method not permitted"
	}

	if strings.Contains(err.Error(), "unexpected signing method") {
		return "Unsupported signing method"
	}

	return "Unauthorized"
}

// ErrMethodNotPermitted is returned by AuthorizeMethod when the token's
// methods claim does not cover the called method.
var ErrMethodNotPermitted = errors.New("method not permitted")

// ClientClaims are the claims of a client token. Methods holds wildcard
// patterns of callable JSON-RPC methods.
type ClientClaims struct {
	Methods []string `json:"methods"`
	jwt.RegisteredClaims
}

type grant struct {
	clientID  string
	methods   []string
	expiresAt time.Time
}

type JWTValidator struct {
	publicKeys []*rsa.PublicKey
	issuer     string

	cacheLock sync.Mutex
	cache     map[string]grant
}

// NewJWTValidator creates a new JWT validator with one or more public keys.
// Multiple keys support key rotation - tokens signed with any key are valid.
func NewJWTValidator(publicKeys []*rsa.PublicKey, issuer string) *JWTValidator {
	return &JWTValidator{
		publicKeys: publicKeys,
		issuer:     issuer,
		cache:      make(map[string]grant),
	}
}

// ValidateClientJWT validates a client token (aud: jsonrpcmux-client).
// Returns (clientID, methods, expiresAt, error)
func (v *JWTValidator) ValidateClientJWT(tokenString string) (string, []string, time.Time, error) {
	var lastErr error

	for _, publicKey := range v.publicKeys {
		token, err := jwt.ParseWithClaims(tokenString, &ClientClaims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return publicKey, nil
		})

		if err != nil {
			lastErr = err
			continue
		}

		claims, ok := token.Claims.(*ClientClaims)
		if !ok || !token.Valid {
			lastErr = fmt.Errorf("invalid token claims")
			continue
		}

		if claims.Issuer != v.issuer {
			return "", nil, time.Time{}, fmt.Errorf("invalid issuer: expected %s, got %s", v.issuer, claims.Issuer)
		}

		audience, err := claims.GetAudience()
		if err != nil || len(audience) != 1 || audience[0] != ClientAudience {
			return "", nil, time.Time{}, fmt.Errorf("invalid audience: expected %s", ClientAudience)
		}

		if claims.Subject == "" {
			return "", nil, time.Time{}, fmt.Errorf("missing sub claim (client ID)")
		}

		if len(claims.Methods) == 0 {
			return "", nil, time.Time{}, fmt.Errorf("missing methods claim")
		}

		expiresAt, err := claims.GetExpirationTime()
		if err != nil || expiresAt == nil {
			return "", nil, time.Time{}, fmt.Errorf("invalid exp claim: %v", err)
		}

		return claims.Subject, claims.Methods, expiresAt.Time, nil
	}

	return "", nil, time.Time{}, fmt.Errorf("invalid token: %w", lastErr)
}

// AuthorizeMethod checks that tokenString is a valid client token whose
// methods claim matches method. Successful validations are cached until
// the token expires.
func (v *JWTValidator) AuthorizeMethod(tokenString, method string) error {
	g, err := v.lookup(tokenString)
	if err != nil {
		return err
	}
	if !MatchesAny(method, g.methods) {
		return fmt.Errorf("%w: %q for client %s", ErrMethodNotPermitted, method, g.clientID)
	}
	return nil
}

func (v *JWTValidator) lookup(tokenString string) (grant, error) {
	now := time.Now()

	v.cacheLock.Lock()
	g, ok := v.cache[tokenString]
	v.cacheLock.Unlock()
	if ok && now.Before(g.expiresAt) {
		return g, nil
	}

	clientID, methods, expiresAt, err := v.ValidateClientJWT(tokenString)
	if err != nil {
		return grant{}, err
	}
	g = grant{clientID: clientID, methods: methods, expiresAt: expiresAt}

	v.cacheLock.Lock()
	defer v.cacheLock.Unlock()
	if len(v.cache) >= maxCachedTokens {
		for k, cached := range v.cache {
			if !now.Before(cached.expiresAt) {
				delete(v.cache, k)
			}
		}
		if len(v.cache) >= maxCachedTokens {
			v.cache = make(map[string]grant)
		}
	}
	v.cache[tokenString] = g
	return g, nil
}
