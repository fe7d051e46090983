// Package events is the tenant-scoped realtime bus. Messages fan out to the
// subscribers of one organization only; within a (tenant, connection) pair
// progress events stay strictly ordered. Nothing here is durably stored —
// a reconnecting client reconciles through the API facade.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/umbrix/backend/internal/core"
)

// Kind names one message type on the bus.
type Kind string

const (
	KindConnectionUpdate     Kind = "connection:update"
	KindDiscoveryProgress    Kind = "discovery:progress"
	KindAutomationDiscovered Kind = "automation:discovered"
	KindSystemNotification   Kind = "system:notification"
)

// Event is the wire envelope for every bus message.
type Event struct {
	ID             string                 `json:"id"`
	Kind           Kind                   `json:"kind"`
	OrganizationID string                 `json:"organizationId"`
	ConnectionID   string                 `json:"connectionId,omitempty"`
	At             time.Time              `json:"at"`
	Data           map[string]interface{} `json:"data"`
}

// JSON serializes the envelope.
func (e *Event) JSON() ([]byte, error) { return json.Marshal(e) }

// newEvent stamps identity and time.
func newEvent(kind Kind, organizationID, connectionID string, data map[string]interface{}) *Event {
	return &Event{
		ID:             uuid.New().String(),
		Kind:           kind,
		OrganizationID: organizationID,
		ConnectionID:   connectionID,
		At:             time.Now().UTC(),
		Data:           data,
	}
}

// NewConnectionUpdate reports a connection status change.
func NewConnectionUpdate(organizationID, connectionID string, platform core.Platform, status core.ConnectionStatus, errMsg string) *Event {
	data := map[string]interface{}{
		"connectionId": connectionID,
		"platform":     string(platform),
		"status":       string(status),
		"at":           time.Now().UTC().Format(time.RFC3339),
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	return newEvent(KindConnectionUpdate, organizationID, connectionID, data)
}

// NewDiscoveryProgress reports forward movement of one run. Progress is
// 0-100 and, per run, monotonically non-decreasing as observed downstream.
func NewDiscoveryProgress(organizationID, connectionID string, progress int, status core.RunStatus, itemsFound int, stage core.RunStage) *Event {
	data := map[string]interface{}{
		"connectionId": connectionID,
		"progress":     progress,
		"status":       string(status),
		"itemsFound":   itemsFound,
		"at":           time.Now().UTC().Format(time.RFC3339),
	}
	if stage != "" {
		data["stage"] = string(stage)
	}
	return newEvent(KindDiscoveryProgress, organizationID, connectionID, data)
}

// NewAutomationDiscovered announces one newly observed automation.
func NewAutomationDiscovered(organizationID, connectionID string, auto *core.DiscoveredAutomation, platform core.Platform, level core.RiskLevel, score int) *Event {
	data := map[string]interface{}{
		"automationId": auto.ID,
		"name":         auto.Name,
		"platform":     string(platform),
		"riskLevel":    string(level),
		"at":           time.Now().UTC().Format(time.RFC3339),
	}
	if score > 0 {
		data["riskScore"] = score
	}
	if auto.AutomationType != "" {
		data["type"] = string(auto.AutomationType)
	}
	return newEvent(KindAutomationDiscovered, organizationID, connectionID, data)
}

// NotificationLevel grades a system notification.
type NotificationLevel string

const (
	LevelInfo     NotificationLevel = "info"
	LevelWarning  NotificationLevel = "warning"
	LevelCritical NotificationLevel = "critical"
)

// NewSystemNotification carries an operator-facing message.
func NewSystemNotification(organizationID string, level NotificationLevel, message, title string, details map[string]interface{}) *Event {
	data := map[string]interface{}{
		"level":   string(level),
		"message": message,
		"at":      time.Now().UTC().Format(time.RFC3339),
	}
	if title != "" {
		data["title"] = title
	}
	if len(details) > 0 {
		data["details"] = details
	}
	return newEvent(KindSystemNotification, organizationID, "", data)
}

// orderKey is the per-pair ordering domain: progress events sharing a key
// are delivered in publish order.
func (e *Event) orderKey() string {
	return e.OrganizationID + ":" + e.ConnectionID
}
