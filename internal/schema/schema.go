// Package schema validates queued operation payloads against embedded
// JSON Schemas before they enter the durable queue. Catching malformed
// payloads at enqueue time beats replaying them against the backend days
// later when the user is no longer around to fix anything.
package schema

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/viyoga/companion/offline/internal/apperr"
	"github.com/viyoga/companion/offline/internal/models"
)

// payloadSchemas maps each mutable resource type to its payload schema.
// Schemas are permissive about extra fields; the backend owns full
// validation, this is a first line of defense.
var payloadSchemas = map[models.ResourceType]string{
	models.ResourceConversation: `{
		"type": "object",
		"properties": {
			"title": {"type": "string"},
			"messages": {"type": "array"}
		}
	}`,
	models.ResourceJournalEntry: `{
		"type": "object",
		"required": ["text"],
		"properties": {
			"text": {"type": "string", "minLength": 1},
			"mood": {"type": "string"},
			"tags": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	models.ResourceMoodCheckIn: `{
		"type": "object",
		"required": ["mood"],
		"properties": {
			"mood": {"type": "string", "minLength": 1},
			"intensity": {"type": "integer", "minimum": 1, "maximum": 10},
			"note": {"type": "string"}
		}
	}`,
	models.ResourceSettings: `{
		"type": "object",
		"minProperties": 1
	}`,
}

// Registry holds compiled payload schemas keyed by resource type.
type Registry struct {
	schemas map[models.ResourceType]*jsonschema.Schema
}

// NewRegistry compiles the embedded schemas.
func NewRegistry() (*Registry, error) {
	compiler := jsonschema.NewCompiler()

	for rt, src := range payloadSchemas {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
		if err != nil {
			return nil, fmt.Errorf("bad embedded schema for %s: %w", rt, err)
		}
		if err := compiler.AddResource(schemaURL(rt), doc); err != nil {
			return nil, fmt.Errorf("failed to register schema for %s: %w", rt, err)
		}
	}

	reg := &Registry{schemas: make(map[models.ResourceType]*jsonschema.Schema, len(payloadSchemas))}
	for rt := range payloadSchemas {
		sch, err := compiler.Compile(schemaURL(rt))
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for %s: %w", rt, err)
		}
		reg.schemas[rt] = sch
	}

	return reg, nil
}

func schemaURL(rt models.ResourceType) string {
	return fmt.Sprintf("offline:///ops/%s.json", rt)
}

// ValidatePayload checks an operation payload against the schema for its
// resource type. Delete payloads are not validated; the body is unused.
func (r *Registry) ValidatePayload(kind models.OpKind, resourceType models.ResourceType, payload []byte) error {
	if kind == models.OpDelete {
		return nil
	}

	sch, ok := r.schemas[resourceType]
	if !ok {
		return apperr.Newf(apperr.ErrValidation, "no payload schema for resource type %q", resourceType)
	}

	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return apperr.Wrap(apperr.ErrValidation, "payload is not valid JSON", err)
	}

	if err := sch.Validate(value); err != nil {
		return apperr.Wrap(apperr.ErrValidation,
			fmt.Sprintf("%s payload rejected by schema", resourceType), err)
	}

	return nil
}
