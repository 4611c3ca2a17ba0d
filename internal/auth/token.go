// ABOUTME: JWT issuance and verification for user and DRC control tokens
// ABOUTME: Uses HS256 signing with explicit claim<->map conversion, no reflection

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Claims is the identity and authorization payload carried by our tokens.
type Claims struct {
	UserID      string
	Username    string
	WorkspaceID string
	UserType    int
	ACL         ACL
}

// ACL restricts which broker topics the token holder may use. Empty lists
// mean the broker-side default policy applies.
type ACL struct {
	Pub []string
	Sub []string
}

// toMapClaims converts Claims into the wire claim map. Kept as an explicit
// hand-written mapping so the token layout is visible in one place and
// round-trip tested.
func (c Claims) toMapClaims(now time.Time, ttl time.Duration) jwt.MapClaims {
	m := jwt.MapClaims{
		"sub":          c.UserID,
		"username":     c.Username,
		"workspace_id": c.WorkspaceID,
		"user_type":    c.UserType,
		"iat":          now.Unix(),
		"exp":          now.Add(ttl).Unix(),
	}
	if len(c.ACL.Pub) > 0 || len(c.ACL.Sub) > 0 {
		m["acl"] = map[string]any{
			"pub": c.ACL.Pub,
			"sub": c.ACL.Sub,
		}
	}
	return m
}

// claimsFromMap is the inverse of toMapClaims.
func claimsFromMap(m jwt.MapClaims) (*Claims, error) {
	sub, ok := m["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	workspaceID, ok := m["workspace_id"].(string)
	if !ok || workspaceID == "" {
		return nil, fmt.Errorf("%w: workspace_id", ErrMissingClaim)
	}

	c := &Claims{
		UserID:      sub,
		WorkspaceID: workspaceID,
	}
	if username, ok := m["username"].(string); ok {
		c.Username = username
	}
	// JSON numbers decode as float64.
	if ut, ok := m["user_type"].(float64); ok {
		c.UserType = int(ut)
	}
	if acl, ok := m["acl"].(map[string]any); ok {
		c.ACL.Pub = stringSlice(acl["pub"])
		c.ACL.Sub = stringSlice(acl["sub"])
	}
	return c, nil
}

// stringSlice coerces a decoded JSON array into []string, dropping non-strings.
func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// TokenVerifier defines the interface for token verification.
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// TokenIssuer defines the interface for token issuance.
type TokenIssuer interface {
	Issue(claims Claims, ttl time.Duration) (string, error)
}

// JWTService implements TokenIssuer and TokenVerifier using HS256 signed JWTs.
type JWTService struct {
	secret []byte
}

// NewJWTService creates a token service with the given signing secret.
func NewJWTService(secret []byte) *JWTService {
	return &JWTService{secret: secret}
}

// Issue creates a signed token carrying the claims with the given lifetime.
func (s *JWTService) Issue(claims Claims, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims.toMapClaims(time.Now(), ttl))
	return token.SignedString(s.secret)
}

// Verify validates the token signature and expiry and extracts the claims.
func (s *JWTService) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})

	if err != nil {
		// Check if it's specifically an expiration error
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	return claimsFromMap(mapClaims)
}
