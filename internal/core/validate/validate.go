// Package validate checks inbound payload shape before anything is sent
// upstream. Humanize payloads are presence-checked only; their field types
// are left for the remote service to judge.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/textgate/textgate/internal/core"
)

var (
	// ErrInvalidJSON means the body could not be parsed as JSON.
	ErrInvalidJSON = errors.New("invalid JSON")
	// ErrInvalidShape means the body parsed but required fields are missing
	// or malformed.
	ErrInvalidShape = errors.New("invalid request shape")
)

const humanizeSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["data", "fn_index", "trigger_id", "session_hash"]
}`

const zerogptSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["input_text"],
  "properties": {
    "input_text": {"type": "string"}
  }
}`

// Schema is a compiled payload schema.
type Schema struct {
	name   string
	schema *gojsonschema.Schema
}

// Name identifies the schema in logs.
func (s *Schema) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

var (
	// HumanizeSchema requires data, fn_index, trigger_id and session_hash.
	HumanizeSchema = mustCompile("humanize", humanizeSchemaJSON)
	// ZeroGPTSchema requires input_text as a string.
	ZeroGPTSchema = mustCompile("zerogpt", zerogptSchemaJSON)
)

// Compile builds a Schema from a JSON schema document.
func Compile(name string, document []byte) (*Schema, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return &Schema{name: name, schema: compiled}, nil
}

func mustCompile(name, document string) *Schema {
	s, err := Compile(name, []byte(document))
	if err != nil {
		panic(err)
	}
	return s
}

// ShapeError lists the fields that failed validation. It matches
// ErrInvalidShape with errors.Is.
type ShapeError struct {
	Schema string
	Fields []string
}

func (e *ShapeError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s payload: %s", e.Schema, ErrInvalidShape)
	}
	return fmt.Sprintf("%s payload: %s: %s", e.Schema, ErrInvalidShape, strings.Join(e.Fields, ", "))
}

func (e *ShapeError) Unwrap() error { return ErrInvalidShape }

// Validate checks payload against schema. It returns nil, an error matching
// ErrInvalidJSON, or a *ShapeError.
func Validate(payload []byte, schema *Schema) error {
	if schema == nil {
		return errors.New("validate: schema is nil")
	}
	if len(strings.TrimSpace(string(payload))) == 0 || !json.Valid(payload) {
		return ErrInvalidJSON
	}

	result, err := schema.schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if result.Valid() {
		return nil
	}

	return &ShapeError{Schema: schema.name, Fields: failedFields(result.Errors())}
}

// ParseHumanize validates a humanize payload and keeps the body verbatim.
func ParseHumanize(payload []byte) (core.HumanizeRequest, error) {
	if err := Validate(payload, HumanizeSchema); err != nil {
		return core.HumanizeRequest{}, err
	}

	var probe struct {
		SessionHash json.RawMessage `json:"session_hash"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return core.HumanizeRequest{}, ErrInvalidJSON
	}

	body := make(json.RawMessage, len(payload))
	copy(body, payload)
	return core.HumanizeRequest{Body: body, SessionHash: rawString(probe.SessionHash)}, nil
}

// ParseZeroGPT validates a detection payload.
func ParseZeroGPT(payload []byte) (core.ZeroGPTRequest, error) {
	if err := Validate(payload, ZeroGPTSchema); err != nil {
		return core.ZeroGPTRequest{}, err
	}

	var req core.ZeroGPTRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return core.ZeroGPTRequest{}, ErrInvalidJSON
	}
	return req, nil
}

// failedFields collects field names from schema errors; "required" errors
// report the missing property, others report the offending field.
func failedFields(errs []gojsonschema.ResultError) []string {
	seen := make(map[string]struct{}, len(errs))
	for _, e := range errs {
		field := e.Field()
		if e.Type() == "required" {
			if property, ok := e.Details()["property"].(string); ok {
				field = property
			}
		}
		if field == "" {
			field = "(root)"
		}
		seen[field] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for field := range seen {
		out = append(out, field)
	}
	sort.Strings(out)
	return out
}

// rawString renders a JSON value as a plain string: strings are unquoted,
// other values keep their JSON text.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
