// Package vault is the only component that sees credential plaintext.
//
// Records are sealed with the crypto package's versioned AES-256-GCM cipher
// and stamped with an integrity hash covering the ciphertext and its
// identifying fields. A record whose hash or ciphertext fails verification
// is quarantined, never returned. Refresh flows are serialized per
// connection, locally by mutex and across instances by a Redis lease.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/umbrix/backend/internal/audit"
	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/crypto"
	"github.com/umbrix/backend/internal/faults"
	"github.com/umbrix/backend/internal/infra"
	"github.com/umbrix/backend/internal/metrics"
)

// Record statuses.
const (
	StatusActive      = "active"
	StatusQuarantined = "quarantined"
)

const (
	// DefaultRefreshBuffer triggers a refresh when a credential expires
	// within this window.
	DefaultRefreshBuffer = 300 * time.Second

	// DefaultWarnAhead is the checkExpiration lookahead.
	DefaultWarnAhead = 24 * time.Hour

	refreshLeaseTTL  = 30 * time.Second
	refreshWaitPoll  = 500 * time.Millisecond
	refreshWaitLimit = 15 * time.Second
)

// ============================================================================
// RECORD MODEL
// ============================================================================

// EncryptedRecord is the at-rest form of a credential. Plaintext token
// material exists only inside Ciphertext.
type EncryptedRecord struct {
	ConnectionID   string        `json:"connectionId"`
	OrganizationID string        `json:"organizationId"`
	Platform       core.Platform `json:"platform"`
	Ciphertext     []byte        `json:"ciphertext"`
	Algorithm      string        `json:"algorithm"`
	KeyVersion     int           `json:"keyVersion"`
	IntegrityHash  string        `json:"integrityHash"`
	EncryptedAt    time.Time     `json:"encryptedAt"`
	ExpiresAtMs    int64         `json:"expiresAtMs"` // 0 = non-expiring
	Status         string        `json:"status"`
	StatusReason   string        `json:"statusReason,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// sealedPayload is the plaintext that goes under the cipher. Credential tags
// its secrets `json:"-"`, so the vault carries them explicitly here and
// nowhere else.
type sealedPayload struct {
	AccessToken  string            `json:"accessToken"`
	RefreshToken string            `json:"refreshToken,omitempty"`
	TokenType    string            `json:"tokenType,omitempty"`
	Scopes       []string          `json:"scopes,omitempty"`
	IssuedAt     time.Time         `json:"issuedAt"`
	ExpiresAtMs  int64             `json:"expiresAtMs,omitempty"`
	PlatformData core.PlatformData `json:"platformData"`
}

// recordHash binds the ciphertext to the record identity so a blob cannot be
// swapped between connections without detection.
func recordHash(rec *EncryptedRecord) string {
	return crypto.IntegrityHash(
		rec.Ciphertext,
		[]byte(rec.ConnectionID),
		[]byte(rec.OrganizationID),
		[]byte(rec.Algorithm),
		[]byte(strconv.Itoa(rec.KeyVersion)),
	)
}

// ============================================================================
// STORE CONTRACT
// ============================================================================

// Store persists encrypted records. Save upserts by (organization,
// connection) and preserves CreatedAt on overwrite.
type Store interface {
	Save(ctx context.Context, rec *EncryptedRecord) error
	Load(ctx context.Context, organizationID, connectionID string) (*EncryptedRecord, error)
	Delete(ctx context.Context, organizationID, connectionID string) error
	SetStatus(ctx context.Context, organizationID, connectionID, status, reason string) error
	List(ctx context.Context, organizationID string) ([]*EncryptedRecord, error)
	ListExpiring(ctx context.Context, before time.Time) ([]*EncryptedRecord, error)
}

// RefreshFunc exchanges an expiring credential for a fresh one. Adapters
// register one per platform; it must return typed faults on failure.
type RefreshFunc func(ctx context.Context, cred *core.Credential) (*core.Credential, error)

// ============================================================================
// VAULT SERVICE
// ============================================================================

// Config wires the vault's collaborators. Cipher and Backing are required;
// the rest degrade gracefully when absent.
type Config struct {
	Cipher  *crypto.Cipher
	Backing Store
	Trail   *audit.Trail      // security event trail, optional
	Leases  infra.LeaseClient // cross-instance refresh lock, optional

	RefreshBuffer time.Duration // default 300s
	WarnAhead     time.Duration // default 24h
}

// Vault seals, opens, refreshes and retires platform credentials.
type Vault struct {
	cipher *crypto.Cipher
	store  Store
	trail  *audit.Trail
	leases infra.LeaseClient
	logger *log.Logger

	buffer    time.Duration
	warnAhead time.Duration

	mu         sync.Mutex
	refreshMu  map[string]*sync.Mutex
	refreshers map[core.Platform]RefreshFunc
}

// New creates a vault.
func New(cfg Config) (*Vault, error) {
	if cfg.Cipher == nil {
		return nil, fmt.Errorf("vault: cipher is required")
	}
	if cfg.Backing == nil {
		return nil, fmt.Errorf("vault: backing store is required")
	}
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = DefaultRefreshBuffer
	}
	if cfg.WarnAhead <= 0 {
		cfg.WarnAhead = DefaultWarnAhead
	}

	return &Vault{
		cipher:     cfg.Cipher,
		store:      cfg.Backing,
		trail:      cfg.Trail,
		leases:     cfg.Leases,
		logger:     log.New(log.Writer(), "[Vault] ", log.LstdFlags),
		buffer:     cfg.RefreshBuffer,
		warnAhead:  cfg.WarnAhead,
		refreshMu:  make(map[string]*sync.Mutex),
		refreshers: make(map[core.Platform]RefreshFunc),
	}, nil
}

// RegisterRefresher installs the refresh flow for one platform.
func (v *Vault) RegisterRefresher(platform core.Platform, fn RefreshFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.refreshers[platform] = fn
}

// Store seals and persists a credential, replacing any previous record for
// the connection.
func (v *Vault) Store(ctx context.Context, cred *core.Credential) error {
	if cred.ConnectionID == "" || cred.OrganizationID == "" {
		return faults.Invariant("credential missing connection or organization id")
	}
	if cred.AccessToken == "" {
		return faults.Invariant("credential missing access token")
	}

	payload := sealedPayload{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
		Scopes:       cred.Scopes,
		IssuedAt:     cred.IssuedAt,
		ExpiresAtMs:  toEpochMs(cred.ExpiresAt),
		PlatformData: cred.PlatformData,
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return faults.Internal(fmt.Errorf("marshal credential payload: %w", err))
	}

	blob, err := v.cipher.Encrypt(plaintext)
	if err != nil {
		metrics.Default().RecordVaultOp("store", "error")
		return faults.Internal(fmt.Errorf("seal credential: %w", err))
	}

	now := time.Now()
	rec := &EncryptedRecord{
		ConnectionID:   cred.ConnectionID,
		OrganizationID: cred.OrganizationID,
		Platform:       cred.Platform,
		Ciphertext:     blob.Ciphertext,
		Algorithm:      blob.Algorithm,
		KeyVersion:     blob.KeyVersion,
		EncryptedAt:    blob.EncryptedAt,
		ExpiresAtMs:    payload.ExpiresAtMs,
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	rec.IntegrityHash = recordHash(rec)

	if err := v.store.Save(ctx, rec); err != nil {
		metrics.Default().RecordVaultOp("store", "error")
		return err
	}

	metrics.Default().RecordVaultOp("store", "ok")
	v.logger.Printf("Stored credential for connection %s (platform=%s, keyVersion=%d)",
		cred.ConnectionID, cred.Platform, rec.KeyVersion)
	return nil
}

// Retrieve opens the credential for a connection. Integrity or decryption
// failure quarantines the record and reports an integrity fault; the caller
// never receives partial plaintext.
func (v *Vault) Retrieve(ctx context.Context, organizationID, connectionID string) (*core.Credential, error) {
	rec, err := v.store.Load(ctx, organizationID, connectionID)
	if err != nil {
		metrics.Default().RecordVaultOp("retrieve", "miss")
		return nil, err
	}

	if rec.Status == StatusQuarantined {
		metrics.Default().RecordVaultOp("retrieve", "quarantined")
		return nil, faults.Integrity(connectionID).WithDetail("reason", rec.StatusReason)
	}

	if recordHash(rec) != rec.IntegrityHash {
		return nil, v.quarantine(ctx, rec, "integrity hash mismatch")
	}

	plaintext, err := v.cipher.Decrypt(&crypto.SealedBlob{
		Ciphertext: rec.Ciphertext,
		Algorithm:  rec.Algorithm,
		KeyVersion: rec.KeyVersion,
	})
	if err != nil {
		return nil, v.quarantine(ctx, rec, fmt.Sprintf("decryption failed: %v", err))
	}

	var payload sealedPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, v.quarantine(ctx, rec, "payload is not valid JSON")
	}

	metrics.Default().RecordVaultOp("retrieve", "ok")
	return &core.Credential{
		ConnectionID:   rec.ConnectionID,
		OrganizationID: rec.OrganizationID,
		Platform:       rec.Platform,
		AccessToken:    payload.AccessToken,
		RefreshToken:   payload.RefreshToken,
		TokenType:      payload.TokenType,
		Scopes:         payload.Scopes,
		IssuedAt:       payload.IssuedAt,
		ExpiresAt:      fromEpochMs(payload.ExpiresAtMs),
		PlatformData:   payload.PlatformData,
	}, nil
}

// quarantine flips the record status, writes the security events, and
// returns the integrity fault the caller must surface.
func (v *Vault) quarantine(ctx context.Context, rec *EncryptedRecord, reason string) error {
	metrics.Default().RecordVaultOp("retrieve", "integrity_failure")
	v.logger.Printf("QUARANTINE connection %s: %s", rec.ConnectionID, reason)

	if err := v.store.SetStatus(ctx, rec.OrganizationID, rec.ConnectionID, StatusQuarantined, reason); err != nil {
		v.logger.Printf("Failed to persist quarantine for %s: %v", rec.ConnectionID, err)
	}
	if v.trail != nil {
		if _, err := v.trail.RecordIntegrityFailure(ctx, rec.OrganizationID, rec.ConnectionID, string(rec.Platform), reason); err != nil {
			v.logger.Printf("Failed to record integrity event: %v", err)
		}
		if _, err := v.trail.RecordQuarantine(ctx, rec.OrganizationID, rec.ConnectionID, string(rec.Platform), reason); err != nil {
			v.logger.Printf("Failed to record quarantine event: %v", err)
		}
	}

	return faults.Integrity(rec.ConnectionID).WithDetail("reason", reason)
}

// needsRefresh reports whether the credential is inside the refresh buffer.
func (v *Vault) needsRefresh(cred *core.Credential, now time.Time) bool {
	if cred.ExpiresAt.IsZero() {
		return false
	}
	return cred.ExpiresAt.Sub(now) < v.buffer
}

// ValidateAndRefresh returns a usable credential, refreshing it first when
// it expires within the buffer. Concurrent callers for the same connection
// serialize; losers observe the winner's refreshed record.
func (v *Vault) ValidateAndRefresh(ctx context.Context, organizationID, connectionID string) (*core.Credential, error) {
	cred, err := v.Retrieve(ctx, organizationID, connectionID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if !v.needsRefresh(cred, now) {
		return cred, nil
	}

	if !cred.Refreshable() {
		if cred.Expired(now) {
			metrics.Default().RecordVaultOp("refresh", "expired_unrefreshable")
			return nil, faults.ExpiredCredentials(string(cred.Platform))
		}
		// Expiring soon with no refresh grant: still usable, warn only.
		v.logger.Printf("Credential for %s expires at %s and cannot be refreshed",
			connectionID, cred.ExpiresAt.Format(time.RFC3339))
		return cred, nil
	}

	lock := v.connLock(connectionID)
	lock.Lock()
	defer lock.Unlock()

	// Another local caller may have refreshed while we waited on the lock.
	cred, err = v.Retrieve(ctx, organizationID, connectionID)
	if err != nil {
		return nil, err
	}
	if !v.needsRefresh(cred, time.Now()) {
		return cred, nil
	}

	if v.leases != nil {
		return v.refreshWithLease(ctx, organizationID, connectionID, cred)
	}
	return v.refresh(ctx, cred)
}

// refreshWithLease guards the refresh with a cross-instance Redis lock.
// Losing the race means another instance is refreshing; poll until its
// result lands or the wait budget runs out.
func (v *Vault) refreshWithLease(ctx context.Context, organizationID, connectionID string, cred *core.Credential) (*core.Credential, error) {
	leaseKey := "vault:refresh:" + connectionID
	acquired, err := v.leases.SetNX(ctx, leaseKey, "refreshing", refreshLeaseTTL)
	if err != nil {
		v.logger.Printf("Refresh lease unavailable for %s, refreshing locally: %v", connectionID, err)
		return v.refresh(ctx, cred)
	}

	if acquired {
		defer func() {
			if err := v.leases.Del(context.Background(), leaseKey); err != nil {
				v.logger.Printf("Failed to release refresh lease %s: %v", leaseKey, err)
			}
		}()
		return v.refresh(ctx, cred)
	}

	deadline := time.Now().Add(refreshWaitLimit)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(refreshWaitPoll):
		}

		current, err := v.Retrieve(ctx, organizationID, connectionID)
		if err != nil {
			return nil, err
		}
		if !v.needsRefresh(current, time.Now()) {
			metrics.Default().RecordVaultOp("refresh", "observed_remote")
			return current, nil
		}
	}

	return nil, faults.TransientPlatform(string(cred.Platform),
		errors.New("credential refresh held by another instance"))
}

// refresh performs the platform exchange and stores the result. Caller holds
// the per-connection lock.
func (v *Vault) refresh(ctx context.Context, cred *core.Credential) (*core.Credential, error) {
	v.mu.Lock()
	refresher, ok := v.refreshers[cred.Platform]
	v.mu.Unlock()

	if !ok {
		if cred.Expired(time.Now()) {
			metrics.Default().RecordVaultOp("refresh", "no_refresher")
			return nil, faults.ExpiredCredentials(string(cred.Platform))
		}
		return cred, nil
	}

	fresh, err := refresher(ctx, cred)
	if err != nil {
		metrics.Default().RecordVaultOp("refresh", "error")
		return nil, err
	}

	fresh.ConnectionID = cred.ConnectionID
	fresh.OrganizationID = cred.OrganizationID
	fresh.Platform = cred.Platform
	if fresh.RefreshToken == "" {
		// Providers that omit the refresh token on renewal keep the old one.
		fresh.RefreshToken = cred.RefreshToken
	}
	if fresh.PlatformData.Kind == "" {
		fresh.PlatformData = cred.PlatformData
	}

	if err := v.Store(ctx, fresh); err != nil {
		return nil, err
	}

	metrics.Default().RecordVaultOp("refresh", "ok")
	v.logger.Printf("Refreshed credential for connection %s (platform=%s)", cred.ConnectionID, cred.Platform)
	return fresh, nil
}

// Revoke deletes the credential record. The connection teardown path calls
// this after the platform-side revocation.
func (v *Vault) Revoke(ctx context.Context, organizationID, connectionID string) error {
	if err := v.store.Delete(ctx, organizationID, connectionID); err != nil {
		metrics.Default().RecordVaultOp("revoke", "error")
		return err
	}

	metrics.Default().RecordVaultOp("revoke", "ok")
	v.logger.Printf("Revoked credential for connection %s", connectionID)

	if v.trail != nil {
		_, _ = v.trail.Record(ctx, &audit.Event{
			ID:             fmt.Sprintf("rvk-%s-%d", connectionID, time.Now().UnixNano()),
			Type:           audit.EventCredentialRevoked,
			OrganizationID: organizationID,
			ConnectionID:   connectionID,
			ResourceType:   "credential",
			ResourceID:     connectionID,
			Outcome:        audit.OutcomeAllowed,
			Reason:         "credential revoked",
			Timestamp:      time.Now(),
			RecordedAt:     time.Now(),
		})
	}
	return nil
}

// ============================================================================
// EXPIRY SWEEP AND STATS
// ============================================================================

// ExpiryNotice flags one credential approaching expiry.
type ExpiryNotice struct {
	ConnectionID   string        `json:"connectionId"`
	OrganizationID string        `json:"organizationId"`
	Platform       core.Platform `json:"platform"`
	ExpiresAt      time.Time     `json:"expiresAt"`
	ExpiresIn      time.Duration `json:"expiresIn"`
}

// CheckExpiration lists active credentials expiring within the warn window,
// soonest first. The notifications worker turns these into tenant events.
func (v *Vault) CheckExpiration(ctx context.Context) ([]ExpiryNotice, error) {
	now := time.Now()
	recs, err := v.store.ListExpiring(ctx, now.Add(v.warnAhead))
	if err != nil {
		return nil, err
	}

	notices := make([]ExpiryNotice, 0, len(recs))
	for _, rec := range recs {
		expiresAt := fromEpochMs(rec.ExpiresAtMs)
		notices = append(notices, ExpiryNotice{
			ConnectionID:   rec.ConnectionID,
			OrganizationID: rec.OrganizationID,
			Platform:       rec.Platform,
			ExpiresAt:      expiresAt,
			ExpiresIn:      expiresAt.Sub(now),
		})
	}
	sort.Slice(notices, func(i, j int) bool {
		return notices[i].ExpiresAt.Before(notices[j].ExpiresAt)
	})
	return notices, nil
}

// UsageStats summarizes one organization's vault contents without touching
// plaintext.
type UsageStats struct {
	Total        int                   `json:"total"`
	Active       int                   `json:"active"`
	Quarantined  int                   `json:"quarantined"`
	ExpiringSoon int                   `json:"expiringSoon"`
	NonExpiring  int                   `json:"nonExpiring"`
	ByPlatform   map[core.Platform]int `json:"byPlatform"`
}

// GetUsageStats reduces the organization's records into counters.
func (v *Vault) GetUsageStats(ctx context.Context, organizationID string) (*UsageStats, error) {
	recs, err := v.store.List(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	stats := &UsageStats{ByPlatform: make(map[core.Platform]int)}
	for _, rec := range recs {
		stats.Total++
		stats.ByPlatform[rec.Platform]++
		switch rec.Status {
		case StatusQuarantined:
			stats.Quarantined++
		default:
			stats.Active++
		}
		if rec.ExpiresAtMs == 0 {
			stats.NonExpiring++
		} else if fromEpochMs(rec.ExpiresAtMs).Sub(now) < v.warnAhead {
			stats.ExpiringSoon++
		}
	}
	return stats, nil
}

func (v *Vault) connLock(connectionID string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	lock, ok := v.refreshMu[connectionID]
	if !ok {
		lock = &sync.Mutex{}
		v.refreshMu[connectionID] = lock
	}
	return lock
}

// ============================================================================
// EXPIRY COERCION
// ============================================================================

// epochMsFloor: numeric expiries at or above this are epoch milliseconds,
// below it epoch seconds. 1e12 seconds is the year 33658.
const epochMsFloor = 1e12

// CoerceExpiry normalizes the expiry shapes platforms actually send: epoch
// seconds, epoch milliseconds, ISO-8601 strings, or nothing.
func CoerceExpiry(value interface{}) (time.Time, error) {
	switch t := value.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t, nil
	case float64:
		return epochToTime(int64(t)), nil
	case int64:
		return epochToTime(t), nil
	case int:
		return epochToTime(int64(t)), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("expiry %q is not an integer", t.String())
		}
		return epochToTime(n), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return parsed, nil
		}
		if parsed, err := time.Parse(time.RFC3339, s); err == nil {
			return parsed, nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return epochToTime(n), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized expiry format %q", s)
	default:
		return time.Time{}, fmt.Errorf("unsupported expiry type %T", value)
	}
}

func epochToTime(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n >= epochMsFloor {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

func toEpochMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromEpochMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
