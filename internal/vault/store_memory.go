package vault

import (
	"context"
	"sync"
	"time"

	"github.com/umbrix/backend/internal/faults"
)

// MemoryStore keeps encrypted records in a guarded map. Used by tests and
// single-node development.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*EncryptedRecord // org|connection
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*EncryptedRecord)}
}

func recordKey(organizationID, connectionID string) string {
	return organizationID + "|" + connectionID
}

func (s *MemoryStore) Save(_ context.Context, rec *EncryptedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(rec.OrganizationID, rec.ConnectionID)
	if existing, ok := s.records[key]; ok {
		rec.CreatedAt = existing.CreatedAt
	}
	cp := *rec
	s.records[key] = &cp
	return nil
}

func (s *MemoryStore) Load(_ context.Context, organizationID, connectionID string) (*EncryptedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[recordKey(organizationID, connectionID)]
	if !ok {
		return nil, faults.NotFound("credential")
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Delete(_ context.Context, organizationID, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(organizationID, connectionID)
	if _, ok := s.records[key]; !ok {
		return faults.NotFound("credential")
	}
	delete(s.records, key)
	return nil
}

func (s *MemoryStore) SetStatus(_ context.Context, organizationID, connectionID, status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey(organizationID, connectionID)]
	if !ok {
		return faults.NotFound("credential")
	}
	rec.Status = status
	rec.StatusReason = reason
	rec.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) List(_ context.Context, organizationID string) ([]*EncryptedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*EncryptedRecord{}
	for _, rec := range s.records {
		if rec.OrganizationID != organizationID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) ListExpiring(_ context.Context, before time.Time) ([]*EncryptedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := before.UnixMilli()
	out := []*EncryptedRecord{}
	for _, rec := range s.records {
		if rec.Status != StatusActive || rec.ExpiresAtMs == 0 {
			continue
		}
		if rec.ExpiresAtMs <= cutoff {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}
