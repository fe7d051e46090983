// Package identity issues and verifies caller identities: signed session
// tokens for dashboard users and SPIFFE SVIDs for internal workloads.
package identity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the claims embedded in an Umbrix session token.
type Claims struct {
	OrganizationID string   `json:"org"`
	Role           string   `json:"role,omitempty"`
	Scopes         []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// TokenServiceConfig configures the token service.
type TokenServiceConfig struct {
	Secret              string
	PreviousSecret      string        // Previous key for rotation grace window
	RotationGracePeriod time.Duration // How long the previous key remains valid
	TTL                 time.Duration
	Issuer              string
}

// TokenService signs and verifies HS256 session tokens. During key rotation
// the previous secret stays valid for a grace window so in-flight sessions
// survive the swap.
type TokenService struct {
	mu         sync.RWMutex
	secret     []byte
	prevSecret []byte
	graceUntil time.Time
	ttl        time.Duration
	issuer     string
}

// NewTokenService creates a new token service.
func NewTokenService(cfg TokenServiceConfig) *TokenService {
	if cfg.TTL == 0 {
		cfg.TTL = 12 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "umbrix-api"
	}
	if cfg.RotationGracePeriod == 0 {
		cfg.RotationGracePeriod = 24 * time.Hour
	}

	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		// Development fallback only
		secret = []byte("umbrix-dev-jwt-secret-change-in-production")
	}

	var prevSecret []byte
	var graceUntil time.Time
	if cfg.PreviousSecret != "" {
		prevSecret = []byte(cfg.PreviousSecret)
		graceUntil = time.Now().Add(cfg.RotationGracePeriod)
	}

	return &TokenService{
		secret:     secret,
		prevSecret: prevSecret,
		graceUntil: graceUntil,
		ttl:        cfg.TTL,
		issuer:     cfg.Issuer,
	}
}

// Issue mints a signed token for a user within an organization.
func (ts *TokenService) Issue(subject, organizationID, role string, scopes []string) (string, time.Time, error) {
	if organizationID == "" {
		return "", time.Time{}, errors.New("organization id required")
	}

	now := time.Now()
	expiresAt := now.Add(ts.ttl)

	claims := &Claims{
		OrganizationID: organizationID,
		Role:           role,
		Scopes:         scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    ts.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        fmt.Sprintf("ses_%d", now.UnixNano()),
		},
	}

	ts.mu.RLock()
	secret := ts.secret
	ts.mu.RUnlock()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	return signed, expiresAt, nil
}

// Verify validates a token's signature and expiry. Tries the current key
// first, then the previous key while the rotation grace window is open.
func (ts *TokenService) Verify(tokenStr string) (*Claims, error) {
	ts.mu.RLock()
	secret := ts.secret
	prevSecret := ts.prevSecret
	graceOpen := len(ts.prevSecret) > 0 && time.Now().Before(ts.graceUntil)
	ts.mu.RUnlock()

	claims, err := ts.parse(tokenStr, secret)
	if err == nil {
		return claims, nil
	}

	// Signature failures may just mean the token predates a key rotation.
	if graceOpen && errors.Is(err, jwt.ErrSignatureInvalid) {
		if claims, prevErr := ts.parse(tokenStr, prevSecret); prevErr == nil {
			return claims, nil
		}
	}

	return nil, err
}

func (ts *TokenService) parse(tokenStr string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(ts.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.OrganizationID == "" {
		return nil, errors.New("token missing organization claim")
	}

	return claims, nil
}

// RotateKey atomically rotates the signing secret. The previous key remains
// valid for 24 hours.
func (ts *TokenService) RotateKey(newSecret string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.prevSecret = ts.secret
	ts.graceUntil = time.Now().Add(24 * time.Hour)
	ts.secret = []byte(newSecret)
}
