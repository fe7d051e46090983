// Package security provides the OAuth State Broker.
// Issues HMAC-SHA256 signed, single-use state values that bind an OAuth
// authorization round-trip to the organization that started it.
package security

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/umbrix/backend/internal/infra"
)

// ============================================================================
// STATE BROKER
// The state parameter is the only thing tying the provider callback back to
// the organization and platform that initiated the connect flow. Forged or
// replayed states must fail closed.
// ============================================================================

// StateClaims contains the claims embedded in an OAuth state value.
type StateClaims struct {
	StateID        string `json:"sid"`
	OrganizationID string `json:"org"`
	Platform       string `json:"plt"`
	RedirectURI    string `json:"uri,omitempty"`
	Nonce          string `json:"non"`
	IssuedAt       int64  `json:"iat"`
	ExpiresAt      int64  `json:"exp"`
	Issuer         string `json:"iss"`
}

// IssuedState is a signed state value handed to the authorize redirect.
type IssuedState struct {
	State     string `json:"state"`
	StateID   string `json:"stateId"`
	ExpiresAt int64  `json:"expiresAt"`
}

// StateBrokerConfig configures the state broker.
type StateBrokerConfig struct {
	HMACSecret          string
	PreviousHMACSecret  string        // Previous key for rotation grace window
	RotationGracePeriod time.Duration // How long the previous key remains valid
	TTL                 time.Duration
	Issuer              string
	MaxPendingPerOrg    int
	// Leases, when set, makes single-use enforcement hold across instances.
	Leases infra.LeaseClient
}

// StateBroker issues and consumes HMAC-signed OAuth state values.
type StateBroker struct {
	mu         sync.RWMutex
	secret     []byte
	prevSecret []byte    // previous key for rotation grace window
	graceUntil time.Time // when the previous key expires
	ttl        time.Duration
	issuer     string
	maxPerOrg  int
	leases     infra.LeaseClient

	// Pending states: stateID → claims
	pending map[string]*StateClaims

	// Consumed set: stateID → consumption time
	consumed map[string]time.Time

	// Organization → pending state count (for quota enforcement)
	orgPending map[string]int
}

// NewStateBroker creates a new state broker.
func NewStateBroker(cfg StateBrokerConfig) *StateBroker {
	if cfg.TTL == 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "umbrix-api"
	}
	if cfg.MaxPendingPerOrg == 0 {
		cfg.MaxPendingPerOrg = 25
	}
	if cfg.RotationGracePeriod == 0 {
		cfg.RotationGracePeriod = 24 * time.Hour
	}

	secret := []byte(cfg.HMACSecret)
	if len(secret) == 0 {
		// Generate a default secret for development
		secret = []byte("umbrix-dev-state-secret-change-in-production")
	}

	var prevSecret []byte
	var graceUntil time.Time
	if cfg.PreviousHMACSecret != "" {
		prevSecret = []byte(cfg.PreviousHMACSecret)
		graceUntil = time.Now().Add(cfg.RotationGracePeriod)
	}

	return &StateBroker{
		secret:     secret,
		prevSecret: prevSecret,
		graceUntil: graceUntil,
		ttl:        cfg.TTL,
		issuer:     cfg.Issuer,
		maxPerOrg:  cfg.MaxPendingPerOrg,
		leases:     cfg.Leases,
		pending:    make(map[string]*StateClaims),
		consumed:   make(map[string]time.Time),
		orgPending: make(map[string]int),
	}
}

// IssueState issues a signed state for one organization's connect flow.
func (sb *StateBroker) IssueState(organizationID, platform, redirectURI string) (*IssuedState, error) {
	if organizationID == "" || platform == "" {
		return nil, errors.New("organization and platform required")
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	// Quota check
	if sb.orgPending[organizationID] >= sb.maxPerOrg {
		return nil, fmt.Errorf("organization %s has reached max pending connect flows (%d)", organizationID, sb.maxPerOrg)
	}

	now := time.Now()

	nonceBytes := make([]byte, 16)
	rand.Read(nonceBytes)
	nonce := hex.EncodeToString(nonceBytes)

	stateID := fmt.Sprintf("st_%s_%d", platform, now.UnixNano()%1e9)

	claims := &StateClaims{
		StateID:        stateID,
		OrganizationID: organizationID,
		Platform:       platform,
		RedirectURI:    redirectURI,
		Nonce:          nonce,
		IssuedAt:       now.Unix(),
		ExpiresAt:      now.Add(sb.ttl).Unix(),
		Issuer:         sb.issuer,
	}

	// Serialize claims
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize state claims: %w", err)
	}

	// HMAC-SHA256 signature (sb.mu is already held; sign would self-deadlock)
	sig := sb.signLocked(claimsJSON)

	// State = base64(claims) + "." + base64(signature)
	stateStr := base64.RawURLEncoding.EncodeToString(claimsJSON) +
		"." +
		base64.RawURLEncoding.EncodeToString(sig)

	// Track
	sb.pending[stateID] = claims
	sb.orgPending[organizationID]++

	return &IssuedState{
		State:     stateStr,
		StateID:   stateID,
		ExpiresAt: claims.ExpiresAt,
	}, nil
}

// ConsumeState validates a state's signature, expiry, and single-use status,
// then retires it. A second consume of the same state fails.
// Tries current key first, then previous key during rotation grace window.
func (sb *StateBroker) ConsumeState(ctx context.Context, stateStr string) (*StateClaims, error) {
	// Split state
	parts := splitState(stateStr)
	if len(parts) != 2 {
		return nil, errors.New("invalid state format")
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid state encoding: %w", err)
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}

	// Verify HMAC — try current key first
	expectedSig := sb.sign(claimsJSON)
	valid := hmac.Equal(sig, expectedSig)

	// If current key fails, try previous key during grace window
	if !valid {
		sb.mu.RLock()
		hasPrev := len(sb.prevSecret) > 0 && time.Now().Before(sb.graceUntil)
		prev := sb.prevSecret
		sb.mu.RUnlock()

		if hasPrev {
			prevMac := hmac.New(sha256.New, prev)
			prevMac.Write(claimsJSON)
			if hmac.Equal(sig, prevMac.Sum(nil)) {
				valid = true
			}
		}
	}

	if !valid {
		return nil, errors.New("invalid state signature")
	}

	// Parse claims
	var claims StateClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("invalid state claims: %w", err)
	}

	// Check expiry
	if time.Now().Unix() > claims.ExpiresAt {
		return nil, errors.New("state expired")
	}

	// Single use: retire locally
	sb.mu.Lock()
	if _, used := sb.consumed[claims.StateID]; used {
		sb.mu.Unlock()
		return nil, errors.New("state already consumed")
	}
	if pending, exists := sb.pending[claims.StateID]; exists {
		delete(sb.pending, claims.StateID)
		if sb.orgPending[pending.OrganizationID] > 0 {
			sb.orgPending[pending.OrganizationID]--
		}
	}
	sb.consumed[claims.StateID] = time.Now()
	sb.mu.Unlock()

	// Single use across instances: first SetNX wins
	if sb.leases != nil {
		ttl := time.Until(time.Unix(claims.ExpiresAt, 0)) + time.Minute
		ok, err := sb.leases.SetNX(ctx, "oauth:state:"+claims.StateID, "consumed", ttl)
		if err == nil && !ok {
			return nil, errors.New("state already consumed")
		}
	}

	return &claims, nil
}

// SweepExpired removes expired pending states and stale consumption markers.
func (sb *StateBroker) SweepExpired() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	now := time.Now().Unix()
	swept := 0
	for stateID, claims := range sb.pending {
		if now > claims.ExpiresAt {
			delete(sb.pending, stateID)
			if sb.orgPending[claims.OrganizationID] > 0 {
				sb.orgPending[claims.OrganizationID]--
			}
			swept++
		}
	}

	// Also sweep old consumption entries (keep for 1 hour)
	cutoff := time.Now().Add(-1 * time.Hour)
	for stateID, consumedAt := range sb.consumed {
		if consumedAt.Before(cutoff) {
			delete(sb.consumed, stateID)
		}
	}

	return swept
}

// RotateKey atomically rotates the HMAC signing secret.
// The previous key remains valid for the configured grace period (default 24h).
func (sb *StateBroker) RotateKey(newSecret string) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.prevSecret = sb.secret
	sb.graceUntil = time.Now().Add(24 * time.Hour)
	sb.secret = []byte(newSecret)
}

// GetStats returns broker statistics.
func (sb *StateBroker) GetStats() map[string]interface{} {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	stats := map[string]interface{}{
		"pending_states":  len(sb.pending),
		"consumed_states": len(sb.consumed),
		"tracked_orgs":    len(sb.orgPending),
		"ttl_sec":         sb.ttl.Seconds(),
	}
	if len(sb.prevSecret) > 0 {
		stats["key_rotation_active"] = time.Now().Before(sb.graceUntil)
		stats["key_rotation_grace_until"] = sb.graceUntil.Format(time.RFC3339)
	}
	return stats
}

// --- internal helpers ---

func (sb *StateBroker) sign(data []byte) []byte {
	sb.mu.RLock()
	secret := sb.secret
	sb.mu.RUnlock()

	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// signLocked signs with the current secret; the caller must hold sb.mu.
func (sb *StateBroker) signLocked(data []byte) []byte {
	mac := hmac.New(sha256.New, sb.secret)
	mac.Write(data)
	return mac.Sum(nil)
}

func splitState(state string) []string {
	for i := len(state) - 1; i >= 0; i-- {
		if state[i] == '.' {
			return []string{state[:i], state[i+1:]}
		}
	}
	return []string{state}
}
