package queue

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchema validates inbound payloads before they reach the queue.
// Per-kind requirements mirror what DedupKey and the dispatcher need; a
// payload that passes here is guaranteed to produce a usable dedup token.
const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type", "task_id"],
	"properties": {
		"type": {
			"enum": [
				"task.new",
				"task.chat",
				"task.clarification_answer",
				"task.change_request",
				"task.retry",
				"task.cancel"
			]
		},
		"task_id": {"type": "string", "minLength": 1},
		"origin": {"enum": ["chat", "issue-tracker", "ui"]},
		"labels": {"type": "array", "items": {"type": "string"}},
		"attempt": {"type": "integer", "minimum": 0}
	},
	"allOf": [
		{
			"if": {"properties": {"type": {"const": "task.new"}}},
			"then": {
				"required": ["prompt"],
				"anyOf": [
					{"required": ["branch_name"]},
					{"required": ["issue_id"]}
				]
			}
		},
		{
			"if": {"properties": {"type": {"const": "task.chat"}}},
			"then": {"required": ["prompt", "chat_timestamp"]}
		},
		{
			"if": {"properties": {"type": {"const": "task.clarification_answer"}}},
			"then": {"required": ["answer", "chat_timestamp"]}
		},
		{
			"if": {"properties": {"type": {"const": "task.change_request"}}},
			"then": {"required": ["prompt", "chat_timestamp"]}
		},
		{
			"if": {"properties": {"type": {"const": "task.retry"}}},
			"then": {"required": ["attempt"]}
		}
	]
}`

// Validator checks message envelopes against the compiled schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the envelope schema.
func NewValidator() (*Validator, error) {
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal envelope schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("messages.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("messages.json")
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate checks one encoded envelope. The returned error is safe to show
// to the caller that submitted the payload.
func (v *Validator) Validate(payload string) error {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := v.schema.Validate(parsed); err != nil {
		return fmt.Errorf("payload rejected: %w", err)
	}
	return nil
}
