// Package validation implements the schema-checking step of the event
// router (spec §4.8 step 3): the mandatory redisMetadata schema, a
// per-event-name JSON-schema catalogue, and an optional custom
// validator callback that takes precedence over the compiled schema
// for everything except register/ping.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MyUnisoft/events-dispatcher/internal/model"
)

// CallbackFn is a custom, application-supplied validator. It receives
// the event name and raw data payload and returns an error if invalid.
type CallbackFn func(eventName string, data json.RawMessage) error

// MetadataSchema is the JSON-schema for the redisMetadata object,
// requiring at minimum an origin field.
const MetadataSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "origin": {"type": "string", "minLength": 1},
    "to": {"type": "string"},
    "incomerName": {"type": "string"},
    "prefix": {"type": "string"},
    "transactionId": {"type": "string"},
    "eventTransactionId": {"type": "string"},
    "mainTransaction": {"type": "boolean"},
    "relatedTransaction": {"type": ["string", "null"]},
    "resolved": {"type": "boolean"},
    "iteration": {"type": "integer"}
  },
  "required": ["origin"]
}`

// Validator compiles and applies the schema catalogue described above.
type Validator struct {
	metadata *jsonschema.Schema
	events   map[string]*jsonschema.Schema
	callback CallbackFn
}

// NewValidator compiles the mandatory metadata schema. eventsSchemas maps
// event name to a JSON-schema document for that event's data payload;
// register and ping never need one since they have no schema-checked
// business payload.
func NewValidator(eventSchemas map[string]string) (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("redis-metadata.json", strings.NewReader(MetadataSchema)); err != nil {
		return nil, fmt.Errorf("validation: add metadata schema: %w", err)
	}
	metadataSchema, err := compiler.Compile("redis-metadata.json")
	if err != nil {
		return nil, fmt.Errorf("validation: compile metadata schema: %w", err)
	}

	v := &Validator{metadata: metadataSchema, events: make(map[string]*jsonschema.Schema, len(eventSchemas))}

	for name, doc := range eventSchemas {
		resourceName := fmt.Sprintf("event-%s.json", name)
		if err := compiler.AddResource(resourceName, strings.NewReader(doc)); err != nil {
			return nil, fmt.Errorf("validation: add schema for event %q: %w", name, err)
		}
		schema, err := compiler.Compile(resourceName)
		if err != nil {
			return nil, fmt.Errorf("validation: compile schema for event %q: %w", name, err)
		}
		v.events[name] = schema
	}

	return v, nil
}

// WithCallback registers a custom validator delegate, returning v for
// chaining.
func (v *Validator) WithCallback(fn CallbackFn) *Validator {
	v.callback = fn
	return v
}

// ValidateMetadata checks an envelope's redisMetadata against the
// mandatory schema.
func (v *Validator) ValidateMetadata(meta model.Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %v", model.ErrMalformedMessage, err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: decode metadata: %v", model.ErrMalformedMessage, err)
	}
	if err := v.metadata.Validate(doc); err != nil {
		return fmt.Errorf("%w: redisMetadata: %v", model.ErrMalformedMessage, err)
	}
	return nil
}

// ValidateEvent validates an event's data payload. register and ping are
// always accepted through the compiled schema (or skipped if none is
// registered for them); every other event prefers the custom callback
// when one is registered, falling back to the compiled per-event
// schema, and is rejected as UnknownEvent if neither exists.
func (v *Validator) ValidateEvent(name string, data json.RawMessage) error {
	if name == model.EventRegister || name == model.EventPing {
		schema, ok := v.events[name]
		if !ok {
			return nil
		}
		return validateSchema(schema, data)
	}

	if v.callback != nil {
		if err := v.callback(name, data); err != nil {
			return fmt.Errorf("%w: %s: %v", model.ErrMalformedMessage, name, err)
		}
		return nil
	}

	schema, ok := v.events[name]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownEvent, name)
	}
	return validateSchema(schema, data)
}

func validateSchema(schema *jsonschema.Schema, data json.RawMessage) error {
	if len(data) == 0 {
		data = []byte("null")
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: decode payload: %v", model.ErrMalformedMessage, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", model.ErrMalformedMessage, err)
	}
	return nil
}
