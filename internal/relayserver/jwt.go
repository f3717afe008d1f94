package relayserver

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const jwtExpiry = time.Hour

// sessionClaims are the REST session JWT claims (§4.8: "issues JWT
// with jti, 1-hour expiry"), adapted from the teacher's jwt.go
// (WingClaims) to this domain's Ed25519 identity instead of ECDSA.
type sessionClaims struct {
	jwt.RegisteredClaims
	PublicKey string `json:"pub"`
}

// JWTIssuer signs and validates REST session tokens and tracks
// revoked jti values until their natural expiry (§5: "JWT revocation
// list — owned by RelayServer; entries pruned when exp passes").
type JWTIssuer struct {
	signingKey ed25519.PrivateKey

	mu       sync.Mutex
	revoked  map[string]time.Time // jti → exp
}

func NewJWTIssuer(signingKey ed25519.PrivateKey) *JWTIssuer {
	return &JWTIssuer{signingKey: signingKey, revoked: make(map[string]time.Time)}
}

// Issue mints a token for publicKey, returning the signed string, its
// jti, and its expiry.
func (j *JWTIssuer) Issue(publicKey string) (token string, jti string, expiresAt time.Time, err error) {
	jti = fmt.Sprintf("%s-%d", publicKey[:minInt(8, len(publicKey))], time.Now().UnixNano())
	expiresAt = time.Now().Add(jwtExpiry)
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   publicKey,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		PublicKey: publicKey,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := t.SignedString(j.signingKey)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("relayserver: sign jwt: %w", err)
	}
	return signed, jti, expiresAt, nil
}

// Validate parses and verifies a token, rejecting revoked jtis.
func (j *JWTIssuer) Validate(tokenString string) (publicKey string, err error) {
	pub := j.signingKey.Public().(ed25519.PublicKey)
	token, err := jwt.ParseWithClaims(tokenString, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return pub, nil
	})
	if err != nil {
		return "", fmt.Errorf("relayserver: parse jwt: %w", err)
	}
	claims, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("relayserver: invalid jwt claims")
	}

	j.mu.Lock()
	_, isRevoked := j.revoked[claims.ID]
	j.mu.Unlock()
	if isRevoked {
		return "", fmt.Errorf("relayserver: token revoked")
	}
	return claims.PublicKey, nil
}

// Revoke tracks jti as revoked until exp (§5: "entries pruned when exp
// passes").
func (j *JWTIssuer) Revoke(jti string, exp time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.revoked[jti] = exp
	j.pruneLocked()
}

func (j *JWTIssuer) pruneLocked() {
	now := time.Now()
	for jti, exp := range j.revoked {
		if now.After(exp) {
			delete(j.revoked, jti)
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
