package webhook

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"bridge-backend/internal/apperr"
)

// Event categories. Every inbound payload declares an event name whose
// prefix selects the schema it is validated against.
const (
	CategoryExecutionStatus = "execution_status"
	CategorySyncEvent       = "sync_event"
)

const executionStatusSchema = `{
	"type": "object",
	"required": ["event", "workflow_id", "execution_id", "status", "timestamp"],
	"properties": {
		"event":        {"type": "string", "pattern": "^execution\\."},
		"workflow_id":  {"type": "string", "minLength": 1},
		"execution_id": {"type": "string", "minLength": 1},
		"status":       {"enum": ["running", "succeeded", "failed", "cancelled"]},
		"sequence":     {"type": "integer", "minimum": 1},
		"timestamp":    {"type": "string", "format": "date-time"},
		"result":       {"type": "object"},
		"error":        {"type": "string"}
	}
}`

const syncEventSchema = `{
	"type": "object",
	"required": ["event", "entity_type", "entity_id", "data", "modified_at", "timestamp"],
	"properties": {
		"event":       {"type": "string", "pattern": "^sync\\."},
		"entity_type": {"type": "string", "minLength": 1},
		"entity_id":   {"type": "string", "minLength": 1},
		"data":        {"type": "object"},
		"modified_at": {"type": "string", "format": "date-time"},
		"timestamp":   {"type": "string", "format": "date-time"}
	}
}`

// SchemaRegistry holds compiled JSON Schemas keyed by event category.
type SchemaRegistry struct {
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry compiles the built-in payload schemas.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	compiler := jsonschema.NewCompiler()
	// format is annotation-only by default; the timestamp fields need it
	// enforced.
	compiler.AssertFormat()
	sources := map[string]string{
		CategoryExecutionStatus: executionStatusSchema,
		CategorySyncEvent:       syncEventSchema,
	}

	reg := &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema, len(sources))}
	for category, src := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", category, err)
		}
		url := category + ".schema.json"
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", category, err)
		}
		sch, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", category, err)
		}
		reg.schemas[category] = sch
	}
	return reg, nil
}

// CategoryForEvent maps an event name to its payload category.
func CategoryForEvent(event string) (string, bool) {
	switch {
	case strings.HasPrefix(event, "execution."):
		return CategoryExecutionStatus, true
	case strings.HasPrefix(event, "sync."):
		return CategorySyncEvent, true
	default:
		return "", false
	}
}

// Validate checks a decoded payload against the schema for its declared
// event category. Returns an AppError with VALIDATION_FAILED on mismatch.
func (r *SchemaRegistry) Validate(payload map[string]any) (string, error) {
	event, _ := payload["event"].(string)
	if event == "" {
		return "", apperr.ValidationFailed([]apperr.ErrorDetail{
			{Field: "event", Rule: "required", Message: "event is required"},
		})
	}

	category, ok := CategoryForEvent(event)
	if !ok {
		return "", apperr.ValidationFailed([]apperr.ErrorDetail{
			{Field: "event", Rule: "known_category", Message: "unknown event category: " + event},
		})
	}

	if err := r.schemas[category].Validate(any(payload)); err != nil {
		return category, apperr.ValidationFailed([]apperr.ErrorDetail{
			{Rule: "schema", Message: err.Error()},
		})
	}
	return category, nil
}
