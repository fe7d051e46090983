package multitenancy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/umbrix/backend/internal/core"
)

// ============================================================================
// MULTI-TENANT SUPPORT - Persistent & Scalable
// ============================================================================

// OrganizationStore is the persistence surface the manager needs. The
// Supabase-backed repository implements it; tests use the in-memory store.
type OrganizationStore interface {
	GetOrganization(ctx context.Context, organizationID string) (*core.Organization, error)
	GetAPIKey(ctx context.Context, keyID string) (*core.APIKey, error)
	CreateAPIKey(ctx context.Context, key *core.APIKey) error
	TouchAPIKey(ctx context.Context, keyID string, usedAt time.Time) error
	DeactivateAPIKey(ctx context.Context, organizationID, keyID string) error
}

// OrganizationManager manages organizations and their API keys
type OrganizationManager struct {
	store OrganizationStore
}

// NewOrganizationManager creates a new organization manager
func NewOrganizationManager(store OrganizationStore) *OrganizationManager {
	return &OrganizationManager{
		store: store,
	}
}

// ============================================================================
// ORGANIZATION OPERATIONS
// ============================================================================

// GetOrganization retrieves an organization by ID
func (om *OrganizationManager) GetOrganization(ctx context.Context, organizationID string) (*core.Organization, error) {
	return om.store.GetOrganization(ctx, organizationID)
}

// LoadOrganization validates and loads an organization, ensuring it is active
func (om *OrganizationManager) LoadOrganization(ctx context.Context, organizationID string) (*core.Organization, error) {
	org, err := om.store.GetOrganization(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, errors.New("organization not found")
	}

	if org.Status != core.OrgActive && org.Status != core.OrgTrial {
		return nil, fmt.Errorf("organization is %s", org.Status)
	}

	return org, nil
}

// ============================================================================
// API KEY MANAGEMENT
// ============================================================================

// CreateAPIKey creates a new API key with format: ubx_<id>.<secret>
func (om *OrganizationManager) CreateAPIKey(ctx context.Context, organizationID, name string, scopes []string) (*core.APIKey, string, error) {
	// Generate Key ID (public)
	idBytes := make([]byte, 8)
	rand.Read(idBytes)
	keyID := hex.EncodeToString(idBytes) // 16 chars

	// Generate Secret (private)
	secretBytes := make([]byte, 24)
	rand.Read(secretBytes)
	secret := hex.EncodeToString(secretBytes) // 48 chars

	// Full Key returned to user
	fullKey := fmt.Sprintf("ubx_%s.%s", keyID, secret)

	// Hash ONLY the secret part. The ID is used for lookup.
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	apiKey := &core.APIKey{
		KeyID:          keyID,
		OrganizationID: organizationID,
		Name:           name,
		SecretHash:     string(secretHash),
		Scopes:         scopes,
		Active:         true,
		CreatedAt:      time.Now(),
	}

	// Persist
	err = om.store.CreateAPIKey(ctx, apiKey)
	if err != nil {
		return nil, "", err
	}

	return apiKey, fullKey, nil
}

// ValidateAPIKey validates an API key and returns the owning organization
// along with the key record for attribution.
// Key Format: ubx_<key_id>.<secret>
func (om *OrganizationManager) ValidateAPIKey(ctx context.Context, fullKey string) (*core.Organization, *core.APIKey, error) {
	// Parse Key
	if !strings.HasPrefix(fullKey, "ubx_") {
		return nil, nil, errors.New("invalid key format")
	}
	parts := strings.Split(strings.TrimPrefix(fullKey, "ubx_"), ".")
	if len(parts) != 2 {
		return nil, nil, errors.New("invalid key format")
	}

	keyID := parts[0]
	secret := parts[1]

	// Lookup by KeyID
	apiKey, err := om.store.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup failed: %w", err)
	}
	if apiKey == nil {
		return nil, nil, errors.New("invalid api key")
	}

	// Validate Secret
	if err := bcrypt.CompareHashAndPassword([]byte(apiKey.SecretHash), []byte(secret)); err != nil {
		return nil, nil, errors.New("invalid api key secret")
	}

	// Check Active & Expiry
	if !apiKey.Active {
		return nil, nil, errors.New("api key inactive")
	}
	if apiKey.ExpiresAt != nil && time.Now().After(*apiKey.ExpiresAt) {
		return nil, nil, errors.New("api key expired")
	}

	// Record usage; failures here never block the request
	_ = om.store.TouchAPIKey(ctx, keyID, time.Now())

	// Load Organization
	org, err := om.LoadOrganization(ctx, apiKey.OrganizationID)
	if err != nil {
		return nil, nil, err
	}
	return org, apiKey, nil
}

// RevokeAPIKey deactivates a key within its owning organization
func (om *OrganizationManager) RevokeAPIKey(ctx context.Context, organizationID, keyID string) error {
	return om.store.DeactivateAPIKey(ctx, organizationID, keyID)
}

// ============================================================================
// CONTEXT HELPERS
// ============================================================================

type contextKey string

const (
	organizationIDKey contextKey = "organization_id"
	actorIDKey        contextKey = "actor_id"
)

// WithOrganization adds organization ID to context
func WithOrganization(ctx context.Context, organizationID string) context.Context {
	return context.WithValue(ctx, organizationIDKey, organizationID)
}

// GetOrganizationID extracts organization ID from context
func GetOrganizationID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(organizationIDKey).(string)
	if !ok || id == "" {
		return "", errors.New("organization context missing")
	}
	return id, nil
}

// WithActor adds the authenticated actor (user or API key) to context
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorIDKey, actorID)
}

// GetActorID extracts the actor ID from context; empty when unauthenticated
func GetActorID(ctx context.Context) string {
	id, _ := ctx.Value(actorIDKey).(string)
	return id
}

// ============================================================================
// IN-MEMORY STORE (for testing and single-node dev)
// ============================================================================

// InMemoryOrganizationStore holds organizations and keys in maps
type InMemoryOrganizationStore struct {
	orgs map[string]*core.Organization
	keys map[string]*core.APIKey
	mu   sync.RWMutex
}

// NewInMemoryOrganizationStore creates an empty in-memory store
func NewInMemoryOrganizationStore() *InMemoryOrganizationStore {
	return &InMemoryOrganizationStore{
		orgs: make(map[string]*core.Organization),
		keys: make(map[string]*core.APIKey),
	}
}

// PutOrganization seeds an organization
func (s *InMemoryOrganizationStore) PutOrganization(org *core.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[org.ID] = org
}

// GetOrganization retrieves an organization, nil when absent
func (s *InMemoryOrganizationStore) GetOrganization(_ context.Context, organizationID string) (*core.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orgs[organizationID], nil
}

// GetAPIKey retrieves a key by its public ID, nil when absent
func (s *InMemoryOrganizationStore) GetAPIKey(_ context.Context, keyID string) (*core.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys[keyID], nil
}

// CreateAPIKey stores a key
func (s *InMemoryOrganizationStore) CreateAPIKey(_ context.Context, key *core.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.KeyID] = key
	return nil
}

// TouchAPIKey records last use
func (s *InMemoryOrganizationStore) TouchAPIKey(_ context.Context, keyID string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.keys[keyID]; ok {
		key.LastUsedAt = &usedAt
	}
	return nil
}

// DeactivateAPIKey marks a key inactive within its organization
func (s *InMemoryOrganizationStore) DeactivateAPIKey(_ context.Context, organizationID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok || key.OrganizationID != organizationID {
		return errors.New("api key not found")
	}
	key.Active = false
	return nil
}
