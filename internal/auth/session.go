// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CookieName is the cookie that may carry a player token instead of the
// Authorization header.
const CookieName = "auth_token"

var ErrNoToken = errors.New("no auth token")

// Claims identifies one player inside one session.
type Claims struct {
	PlayerID    uuid.UUID
	SessionCode string
}

// Signer issues and verifies EdDSA player tokens.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	ttl        time.Duration // 0 => no exp claim
	now        func() time.Time
}

// NewSigner generates a fresh ed25519 key pair. Tokens from a previous
// process are rejected.
func NewSigner(ttl time.Duration) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	return &Signer{privateKey: priv, publicKey: pub, ttl: ttl, now: time.Now}, nil
}

// NewSignerFromFiles reads raw ed25519 keys from disk.
func NewSignerFromFiles(privatePath, publicPath string, ttl time.Duration) (*Signer, error) {
	privateKeyData, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	publicKeyData, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}
	if len(privateKeyData) != ed25519.PrivateKeySize || len(publicKeyData) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ed25519 key sizes: private %d, public %d", len(privateKeyData), len(publicKeyData))
	}
	return &Signer{
		privateKey: ed25519.PrivateKey(privateKeyData),
		publicKey:  ed25519.PublicKey(publicKeyData),
		ttl:        ttl,
		now:        time.Now,
	}, nil
}

// TTL is the token lifetime; zero means tokens never expire.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

// Issue signs a token with "sub" = playerID and "sid" = session code.
func (s *Signer) Issue(playerID uuid.UUID, sessionCode string) (string, error) {
	claims := jwt.MapClaims{
		"sub": playerID.String(),
		"sid": strings.ToUpper(sessionCode),
		"iat": s.now().Unix(),
	}
	if s.ttl > 0 {
		claims["exp"] = s.now().Add(s.ttl).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(s.privateKey)
}

// Verify checks a token's signature and expiry and returns its claims.
func (s *Signer) Verify(tokenString string) (Claims, error) {
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.publicKey, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Claims{}, fmt.Errorf("jwt parse error: %w", err)
	}
	if !t.Valid {
		return Claims{}, errors.New("invalid token")
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, errors.New("invalid jwt claims")
	}
	sub, ok := claims["sub"].(string)
	if !ok {
		return Claims{}, errors.New("missing sub in jwt")
	}
	playerID, err := uuid.Parse(sub)
	if err != nil {
		return Claims{}, fmt.Errorf("malformed sub in jwt: %w", err)
	}
	sid, ok := claims["sid"].(string)
	if !ok || sid == "" {
		return Claims{}, errors.New("missing sid in jwt")
	}
	return Claims{PlayerID: playerID, SessionCode: sid}, nil
}

// TokenFromHeaders pulls a bearer token from the Authorization header,
// falling back to the auth_token cookie.
func TokenFromHeaders(authorization, cookieHeader string) (string, error) {
	if rest, ok := strings.CutPrefix(authorization, "Bearer "); ok {
		if tok := strings.TrimSpace(rest); tok != "" {
			return tok, nil
		}
	}
	if tok := extractCookieToken(cookieHeader, CookieName); tok != "" {
		return tok, nil
	}
	return "", ErrNoToken
}

// extractCookieToken extracts a named cookie value from a "Cookie" header.
func extractCookieToken(cookieHeader, cookieName string) string {
	for _, part := range strings.Split(cookieHeader, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && name == cookieName {
			return value
		}
	}
	return ""
}
