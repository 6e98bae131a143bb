package sync

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// envelopeSchemas validates relay wire-protocol JSON payloads before they
// are unmarshalled, a defensive boundary check since the relay is an
// untrusted/compromised-server threat model (spec §9).
//
// Grounded on internal/schema/validator.go's Registry: a compiled
// gojsonschema.Schema cached per name, validated with NewBytesLoader before
// use.
type envelopeSchemas struct {
	compiled map[string]*gojsonschema.Schema
}

func newEnvelopeSchemas() *envelopeSchemas {
	r := &envelopeSchemas{compiled: make(map[string]*gojsonschema.Schema)}
	for name, def := range schemaDefinitions {
		loader := gojsonschema.NewBytesLoader([]byte(def))
		compiled, err := gojsonschema.NewSchema(loader)
		if err != nil {
			panic(fmt.Sprintf("sync: invalid embedded schema %q: %v", name, err))
		}
		r.compiled[name] = compiled
	}
	return r
}

// validate checks payload against the named schema, returning a descriptive
// error on the first violation.
func (r *envelopeSchemas) validate(name string, payload []byte) error {
	schema, ok := r.compiled[name]
	if !ok {
		return fmt.Errorf("sync: no schema registered for %q", name)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("sync: validate %s: %w", name, err)
	}
	if !result.Valid() {
		if len(result.Errors()) > 0 {
			return fmt.Errorf("sync: %s envelope invalid: %s", name, result.Errors()[0].String())
		}
		return fmt.Errorf("sync: %s envelope invalid", name)
	}
	return nil
}

const schemaUpdateRecord = "update_record"
const schemaUpdatePush = "update_push"
const schemaGroupRecord = "group_record"

var schemaDefinitions = map[string]string{
	schemaUpdatePush: `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["groupId", "authorId", "bytes"],
		"properties": {
			"groupId": {"type": "string", "minLength": 1},
			"authorId": {"type": "string", "minLength": 1},
			"bytes": {"type": "string"},
			"baseVersion": {"type": "object"}
		}
	}`,
	schemaUpdateRecord: `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["authorId", "bytes", "cursor"],
		"properties": {
			"authorId": {"type": "string", "minLength": 1},
			"bytes": {"type": "string"},
			"cursor": {"type": "integer", "minimum": 0}
		}
	}`,
	schemaGroupRecord: `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["id", "defaultCurrency", "currentKeyVersion"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"defaultCurrency": {"type": "string", "minLength": 1},
			"createdAt": {"type": "integer"},
			"createdBy": {"type": "string"},
			"currentKeyVersion": {"type": "integer", "minimum": 1},
			"settings": {"type": "object"}
		}
	}`,
}
