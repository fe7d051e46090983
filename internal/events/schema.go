package events

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Outbound messages are validated before delivery; a malformed message is
// dropped with a log entry, never sent half-broken to a client.

const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "kind", "organizationId", "at", "data"],
  "properties": {
    "id":             {"type": "string", "minLength": 1},
    "kind":           {"enum": ["connection:update", "discovery:progress", "automation:discovered", "system:notification"]},
    "organizationId": {"type": "string", "minLength": 1},
    "connectionId":   {"type": "string"},
    "at":             {"type": "string"},
    "data":           {"type": "object"}
  }
}`

var kindSchemas = map[Kind]string{
	KindConnectionUpdate: `{
  "type": "object",
  "required": ["connectionId", "status", "platform", "at"],
  "properties": {
    "connectionId": {"type": "string", "minLength": 1},
    "status":       {"enum": ["active", "pending", "error", "expired", "inactive"]},
    "platform":     {"type": "string", "minLength": 1},
    "at":           {"type": "string"},
    "error":        {"type": "string"}
  }
}`,
	KindDiscoveryProgress: `{
  "type": "object",
  "required": ["connectionId", "progress", "status", "itemsFound", "at"],
  "properties": {
    "connectionId": {"type": "string", "minLength": 1},
    "progress":     {"type": "integer", "minimum": 0, "maximum": 100},
    "status":       {"enum": ["queued", "running", "completed", "failed", "cancelled"]},
    "itemsFound":   {"type": "integer", "minimum": 0},
    "stage":        {"type": "string"},
    "at":           {"type": "string"}
  }
}`,
	KindAutomationDiscovered: `{
  "type": "object",
  "required": ["automationId", "name", "platform", "riskLevel", "at"],
  "properties": {
    "automationId": {"type": "string", "minLength": 1},
    "name":         {"type": "string"},
    "platform":     {"type": "string", "minLength": 1},
    "riskLevel":    {"enum": ["low", "medium", "high", "critical"]},
    "riskScore":    {"type": "integer", "minimum": 0, "maximum": 100},
    "type":         {"type": "string"},
    "at":           {"type": "string"}
  }
}`,
	KindSystemNotification: `{
  "type": "object",
  "required": ["level", "message", "at"],
  "properties": {
    "level":   {"enum": ["info", "warning", "critical"]},
    "message": {"type": "string", "minLength": 1},
    "title":   {"type": "string"},
    "details": {"type": "object"},
    "at":      {"type": "string"}
  }
}`,
}

// Validator checks outbound events against their schemas. Schemas compile
// once at construction.
type Validator struct {
	envelope *gojsonschema.Schema
	byKind   map[Kind]*gojsonschema.Schema
}

// NewValidator compiles all schemas. Compilation failure is a programming
// error, surfaced immediately.
func NewValidator() (*Validator, error) {
	env, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	v := &Validator{envelope: env, byKind: make(map[Kind]*gojsonschema.Schema, len(kindSchemas))}
	for kind, raw := range kindSchemas {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		v.byKind[kind] = s
	}
	return v, nil
}

// Validate returns a descriptive error when the event violates its schema.
func (v *Validator) Validate(e *Event) error {
	payload, err := e.JSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	res, err := v.envelope.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return err
	}
	if !res.Valid() {
		return fmt.Errorf("envelope: %s", firstError(res))
	}

	ks, ok := v.byKind[e.Kind]
	if !ok {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	res, err = ks.Validate(gojsonschema.NewGoLoader(e.Data))
	if err != nil {
		return err
	}
	if !res.Valid() {
		return fmt.Errorf("%s payload: %s", e.Kind, firstError(res))
	}
	return nil
}

func firstError(res *gojsonschema.Result) string {
	for _, e := range res.Errors() {
		return e.String()
	}
	return "invalid"
}
