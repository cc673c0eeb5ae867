package validation

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/rendis/pulse/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://pulse.dev/schemas/events/"

// payloadSchemas holds one JSON Schema per event kind. Kinds without an
// entry are not validated.
var payloadSchemas = map[schema.EventKind]string{
	schema.EventConnection: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "subscription_id": { "type": "string" },
    "message": { "type": "string" },
    "server_time": { "type": "string", "format": "date-time" }
  }
}`,
	schema.EventWorkflowUpdate: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["workflow_key"],
  "properties": {
    "workflow_key": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "status": { "enum": ["draft", "active", "paused", "archived"] },
    "updated_at": { "type": "string", "format": "date-time" }
  }
}`,
	schema.EventRunUpdate: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["run_id", "status"],
  "properties": {
    "run_id": { "type": "string", "minLength": 1 },
    "workflow_key": { "type": "string" },
    "status": { "enum": ["pending", "running", "completed", "failed", "cancelled"] },
    "progress": { "type": "number" },
    "error": { "type": "string" },
    "started_at": { "type": "string", "format": "date-time" },
    "finished_at": { "type": "string", "format": "date-time" }
  }
}`,
	schema.EventNodeUpdate: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["run_id", "node_id", "status"],
  "properties": {
    "run_id": { "type": "string", "minLength": 1 },
    "node_id": { "type": "string", "minLength": 1 },
    "node_type": { "type": "string" },
    "status": { "enum": ["pending", "running", "completed", "failed", "skipped"] },
    "error": { "type": "string" }
  }
}`,
	schema.EventError: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "code": { "type": "string" },
    "message": { "type": "string" }
  }
}`,
}

// PayloadValidator checks raw event payloads against the per-kind JSON
// Schemas before they are decoded. Schemas are compiled once in the
// constructor, so the validator is safe for concurrent use.
type PayloadValidator struct {
	schemas map[schema.EventKind]*jsonschema.Schema
}

// NewPayloadValidator compiles every event payload schema.
func NewPayloadValidator() (*PayloadValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	compiled := make(map[schema.EventKind]*jsonschema.Schema, len(payloadSchemas))
	for kind, src := range payloadSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", kind, err)
		}
		url := schemaBaseURL + string(kind) + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", kind, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		compiled[kind] = sch
	}

	return &PayloadValidator{schemas: compiled}, nil
}

// Validate checks data against the schema registered for kind. Kinds with
// no schema pass. Failures are MALFORMED_PAYLOAD errors listing every
// violation.
func (v *PayloadValidator) Validate(kind schema.EventKind, data []byte) error {
	sch, ok := v.schemas[kind]
	if !ok {
		return nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeMalformedPayload, "%s payload is not valid JSON", kind).
			WithCause(err).
			WithDetails(map[string]any{"kind": string(kind)})
	}

	if err := sch.Validate(doc); err != nil {
		return toSchemaError(kind, err)
	}
	return nil
}

// toSchemaError converts a jsonschema.ValidationError into a structured
// MALFORMED_PAYLOAD error.
func toSchemaError(kind schema.EventKind, err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeMalformedPayload, err.Error()).WithCause(err)
	}

	violations := collectViolations(verr)
	details := map[string]any{"kind": string(kind), "violations": violations}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeMalformedPayload, violations[0]).
			WithCause(err).
			WithDetails(details)
	}
	return schema.NewErrorf(schema.ErrCodeMalformedPayload,
		"%s payload failed validation with %d errors", kind, len(violations)).
		WithCause(err).
		WithDetails(details)
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
