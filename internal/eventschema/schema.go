// Package eventschema validates ingress event payloads against the required
// fields named in SPEC_FULL.md §6.2, using the teacher's json-schema
// validation library (github.com/santhosh-tekuri/jsonschema/v5, the same
// dependency pkg/manifest uses to validate tool I/O schemas). A validation
// failure here is the SchemaError that the fast path's poison-handling path
// reacts to.
package eventschema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/blueplane/telemetry-core/internal/eventmodel"
)

// schemaSource maps each known event type to the JSON-schema document
// describing its required payload keys. Event types absent from this map
// (including any unknown/future type) are accepted unvalidated, per
// spec.md §6.2: "Unknown event_type values are accepted into the raw store
// unchanged ... builders ignore unknown types without erroring."
var schemaSource = map[eventmodel.EventType]string{
	eventmodel.EventSessionEnd: `{
		"type": "object",
		"required": ["session_duration_ms"],
		"properties": {"session_duration_ms": {"type": "number"}}
	}`,
	eventmodel.EventUserPrompt: `{
		"type": "object",
		"required": ["prompt_length"],
		"properties": {"prompt_length": {"type": "number"}}
	}`,
	eventmodel.EventAssistantResponse: `{
		"type": "object",
		"required": ["response_length", "tokens_used", "model", "duration_ms"],
		"properties": {
			"response_length": {"type": "number"},
			"tokens_used": {"type": "number"},
			"model": {"type": "string"},
			"duration_ms": {"type": "number"}
		}
	}`,
	eventmodel.EventToolPre: `{
		"type": "object",
		"required": ["tool_name", "input_size"],
		"properties": {
			"tool_name": {"type": "string"},
			"input_size": {"type": "number"}
		}
	}`,
	eventmodel.EventToolPost: `{
		"type": "object",
		"required": ["tool_name", "success", "duration_ms", "output_size"],
		"properties": {
			"tool_name": {"type": "string"},
			"success": {"type": "boolean"},
			"duration_ms": {"type": "number"},
			"output_size": {"type": "number"}
		}
	}`,
	eventmodel.EventFileEdit: `{
		"type": "object",
		"required": ["file_extension", "lines_added", "lines_removed", "operation"],
		"properties": {
			"file_extension": {"type": "string"},
			"lines_added": {"type": "number"},
			"lines_removed": {"type": "number"},
			"operation": {"enum": ["created", "edited", "deleted", "accepted", "rejected"]}
		}
	}`,
	eventmodel.EventShellPre: `{
		"type": "object",
		"required": ["command_length"],
		"properties": {"command_length": {"type": "number"}}
	}`,
	eventmodel.EventShellPost: `{
		"type": "object",
		"required": ["exit_code", "duration_ms", "output_lines"],
		"properties": {
			"exit_code": {"type": "number"},
			"duration_ms": {"type": "number"},
			"output_lines": {"type": "number"}
		}
	}`,
	eventmodel.EventContextCompact: `{
		"type": "object",
		"required": ["tokens_before", "tokens_after"],
		"properties": {
			"tokens_before": {"type": "number"},
			"tokens_after": {"type": "number"}
		}
	}`,
}

// Validator validates Event payloads against the compiled schema set.
type Validator struct {
	mu      sync.RWMutex
	schemas map[eventmodel.EventType]*jsonschema.Schema
}

// New compiles the schema set once and returns a ready Validator.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiled := make(map[eventmodel.EventType]*jsonschema.Schema, len(schemaSource))

	for eventType, src := range schemaSource {
		url := fmt.Sprintf("mem://blueplane/%s.json", eventType)
		if err := compiler.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("eventschema: add resource %s: %w", eventType, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("eventschema: compile %s: %w", eventType, err)
		}
		compiled[eventType] = schema
	}

	return &Validator{schemas: compiled}, nil
}

// Validate checks ev.Payload against the schema registered for ev.EventType.
// Unregistered (unknown, or schema-exempt like SessionStart) event types
// always pass.
func (v *Validator) Validate(ev eventmodel.Event) error {
	v.mu.RLock()
	schema, ok := v.schemas[ev.EventType]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	// jsonschema validates against decoded JSON values (map[string]any with
	// float64 numbers), so round-trip the payload the same way the wire
	// decoder would have produced it.
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("eventschema: marshal payload: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("eventschema: unmarshal payload: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("eventschema: %s payload invalid: %w", ev.EventType, err)
	}
	return nil
}
