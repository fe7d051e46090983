package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/umbrix/backend/internal/repo"
)

// SupabaseStore persists audit events to Supabase (PostgreSQL). Falls back
// gracefully if Supabase is unreachable — events are still held in the
// in-memory chain.
type SupabaseStore struct {
	client *repo.SupabaseClient
	logger *log.Logger
}

// NewSupabaseStore creates a persistent audit store backed by Supabase.
func NewSupabaseStore(client *repo.SupabaseClient) *SupabaseStore {
	return &SupabaseStore{
		client: client,
		logger: log.New(log.Writer(), "[AuditStore:Supabase] ", log.LstdFlags),
	}
}

// eventRow is the database row shape for the security_events table.
type eventRow struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	OrganizationID string `json:"organization_id"`
	ActorID        string `json:"actor_id"`
	SourceIP       string `json:"source_ip"`
	ResourceType   string `json:"resource_type"`
	ResourceID     string `json:"resource_id"`
	ConnectionID   string `json:"connection_id"`
	Platform       string `json:"platform"`
	Outcome        string `json:"outcome"`
	Reason         string `json:"reason"`
	Hash           string `json:"hash"`
	PreviousHash   string `json:"previous_hash"`
	Payload        string `json:"payload"`
	Timestamp      string `json:"timestamp"`
	RecordedAt     string `json:"recorded_at"`
}

// SaveEvent persists an audit event to the security_events table.
func (s *SupabaseStore) SaveEvent(_ context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	row := eventRow{
		ID:             event.ID,
		Type:           string(event.Type),
		OrganizationID: event.OrganizationID,
		ActorID:        event.ActorID,
		SourceIP:       event.SourceIP,
		ResourceType:   event.ResourceType,
		ResourceID:     event.ResourceID,
		ConnectionID:   event.ConnectionID,
		Platform:       event.Platform,
		Outcome:        string(event.Outcome),
		Reason:         event.Reason,
		Hash:           event.Hash,
		PreviousHash:   event.PreviousHash,
		Payload:        string(payload),
		Timestamp:      event.Timestamp.Format(time.RFC3339),
		RecordedAt:     event.RecordedAt.Format(time.RFC3339),
	}

	err = s.client.InsertRow("security_events", row)
	if err != nil {
		s.logger.Printf("Failed to persist event %s: %v", event.ID, err)
		return fmt.Errorf("save audit event: %w", err)
	}

	s.logger.Printf("Persisted security event %s (type=%s)", event.ID, event.Type)
	return nil
}

// LoadEvent retrieves a single audit event by ID.
func (s *SupabaseStore) LoadEvent(_ context.Context, id string) (*Event, error) {
	var rows []eventRow
	err := s.client.QueryRows("security_events", "payload", "id", id, &rows)
	if err != nil || len(rows) == 0 {
		return nil, fmt.Errorf("load audit event %s: %w", id, err)
	}

	var event Event
	if err := json.Unmarshal([]byte(rows[0].Payload), &event); err != nil {
		return nil, fmt.Errorf("unmarshal audit event: %w", err)
	}
	return &event, nil
}

// LoadChain retrieves all audit events for an organization, ordered by timestamp.
func (s *SupabaseStore) LoadChain(_ context.Context, organizationID string) ([]*Event, error) {
	var rows []eventRow
	err := s.client.QueryRows("security_events", "payload", "organization_id", organizationID, &rows)
	if err != nil {
		return nil, fmt.Errorf("load audit chain: %w", err)
	}

	events := make([]*Event, 0, len(rows))
	for _, row := range rows {
		var event Event
		if err := json.Unmarshal([]byte(row.Payload), &event); err != nil {
			s.logger.Printf("Skipping corrupt event: %v", err)
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}

// QueryEvents queries audit events with filters.
func (s *SupabaseStore) QueryEvents(_ context.Context, query EventQuery) ([]*Event, error) {
	// For queries with specific filters, use the primary filter
	filterCol := "organization_id"
	filterVal := query.OrganizationID

	if query.ActorID != "" {
		filterCol = "actor_id"
		filterVal = query.ActorID
	}
	if query.ResourceID != "" {
		filterCol = "resource_id"
		filterVal = query.ResourceID
	}

	var rows []eventRow
	err := s.client.QueryRows("security_events", "payload", filterCol, filterVal, &rows)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}

	events := make([]*Event, 0, len(rows))
	for _, row := range rows {
		var event Event
		if err := json.Unmarshal([]byte(row.Payload), &event); err != nil {
			continue
		}
		events = append(events, &event)
	}

	// Apply limit
	if query.Limit > 0 && len(events) > query.Limit {
		events = events[:query.Limit]
	}

	return events, nil
}
