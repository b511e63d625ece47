package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "ragloop"

// RoleAdmin is the only role minted today. The claim is carried so the
// surface can grow read-only roles without re-issuing tokens.
const RoleAdmin = "admin"

// Scopes carried in admin tokens.
const (
	ScopeSessionsRead  = "sessions:read"
	ScopeFeedbackWrite = "feedback:write"
	ScopeChunksWrite   = "chunks:write"
	ScopeWorkflowsRead = "workflows:read"
	ScopeStatsRead     = "stats:read"
	ScopeEventsRead    = "events:read"
)

// AdminScopes returns the full scope set for the admin role.
func AdminScopes() []string {
	return []string{
		ScopeSessionsRead, ScopeFeedbackWrite, ScopeChunksWrite,
		ScopeWorkflowsRead, ScopeStatsRead, ScopeEventsRead,
	}
}

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	Subject   string   `json:"subject"`
	Role      string   `json:"role"`
	Scopes    []string `json:"scopes"`
	TokenType string   `json:"token_type"` // jwt | api_key | dev
}

// Claims are the JWT claims minted for admin tokens.
type Claims struct {
	jwt.RegisteredClaims
	Role   string   `json:"role"`
	Scopes []string `json:"scopes"`
}

// Manager verifies the admin API key and mints and validates admin JWTs.
// Only a hash of the key is retained.
type Manager struct {
	apiKeyHash string
	signingKey []byte
	tokenTTL   time.Duration
	issuer     string
}

func NewManager(apiKey, jwtSecret string, tokenTTL time.Duration) (*Manager, error) {
	if apiKey == "" {
		return nil, errors.New("admin API key is required")
	}
	if jwtSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Manager{
		apiKeyHash: hashKey(apiKey),
		signingKey: []byte(jwtSecret),
		tokenTTL:   tokenTTL,
		issuer:     issuer,
	}, nil
}

// VerifyAPIKey checks a presented key against the configured admin key in
// constant time.
func (m *Manager) VerifyAPIKey(key string) bool {
	if key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hashKey(key)), []byte(m.apiKeyHash)) == 1
}

// Mint issues an admin JWT for the token-exchange endpoint. Returns the
// signed token and its expiry.
func (m *Manager) Mint(subject string) (string, time.Time, error) {
	now := time.Now()
	expiry := now.Add(m.tokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Role:   RoleAdmin,
		Scopes: AdminScopes(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiry, nil
}

// Verify validates an admin JWT and returns the principal it names.
func (m *Manager) Verify(tokenString string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}
	if claims.Issuer != m.issuer {
		return nil, errors.New("invalid token issuer")
	}

	return &Principal{
		Subject:   claims.Subject,
		Role:      claims.Role,
		Scopes:    claims.Scopes,
		TokenType: "jwt",
	}, nil
}

// TokenTTL reports the configured token lifetime.
func (m *Manager) TokenTTL() time.Duration {
	return m.tokenTTL
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ExtractBearerToken extracts the token from an Authorization header.
func ExtractBearerToken(authHeader string) (string, error) {
	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return authHeader[7:], nil
}
