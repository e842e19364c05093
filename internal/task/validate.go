package task

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

// ValidationError describes why a task failed pre-migration validation
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid task: %s: %s", e.Field, e.Reason)
}

// settingsSchema constrains the caption-settings payload. Unknown fields
// are rejected so a corrupted payload cannot smuggle arbitrary keys into
// the worker.
const settingsSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"max_length":       {"type": "integer", "minimum": 1, "maximum": 2200},
		"style":            {"type": "string", "enum": ["casual", "professional", "witty", "minimal"]},
		"language":         {"type": "string", "minLength": 2, "maxLength": 8},
		"include_hashtags": {"type": "boolean"},
		"hashtag_count":    {"type": "integer", "minimum": 0, "maximum": 30},
		"include_emoji":    {"type": "boolean"},
		"custom_prompt":    {"type": "string", "maxLength": 1000}
	}
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(settingsSchema))
	})
	return schema, schemaErr
}

// ValidateSettings checks that a settings payload is well-formed JSON and
// conforms to the caption-settings schema. An empty payload is valid: the
// worker applies defaults.
func ValidateSettings(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}

	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile settings schema: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return ValidationError{Field: "settings", Reason: "payload is not valid JSON"}
	}
	if !result.Valid() {
		return ValidationError{Field: "settings", Reason: result.Errors()[0].String()}
	}
	return nil
}

// Validate checks the required fields of a task. Referential checks
// (user and platform rows exist) are the caller's job since they need a
// store.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ValidationError{Field: "id", Reason: "missing"}
	}
	if t.UserID == uuid.Nil {
		return ValidationError{Field: "user_id", Reason: "missing"}
	}
	if t.PlatformConnectionID == uuid.Nil {
		return ValidationError{Field: "platform_connection_id", Reason: "missing"}
	}
	if !t.Status.Valid() {
		return ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", t.Status)}
	}
	if !t.Priority.Valid() {
		return ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", t.Priority)}
	}
	if t.CreatedAt.IsZero() {
		return ValidationError{Field: "created_at", Reason: "missing"}
	}
	return ValidateSettings(t.Settings)
}
