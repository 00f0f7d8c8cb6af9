package outbox

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://relaysync.dev/schemas/outbox/"

var payloadSchemaSources = map[Kind]string{
	KindContactMessage: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["name", "email"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"email": {"type": "string", "pattern": "^[^@\\s]+@[^@\\s]+$"},
			"phone": {"type": "string"},
			"message": {"type": "string"},
			"status": {"type": "string"},
			"createdAt": {"type": "string"}
		}
	}`,
	KindAppointmentNotification: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["name", "email", "date", "time"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"email": {"type": "string", "pattern": "^[^@\\s]+@[^@\\s]+$"},
			"phone": {"type": "string"},
			"serviceType": {"type": "string"},
			"date": {"type": "string", "minLength": 1},
			"time": {"type": "string", "minLength": 1},
			"notes": {"type": "string"},
			"uid": {"type": "string"},
			"createdAt": {"type": "string"}
		}
	}`,
}

var (
	schemasOnce sync.Once
	schemas     map[Kind]*jsonschema.Schema
	schemasErr  error
)

func compiledSchemas() (map[Kind]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		out := make(map[Kind]*jsonschema.Schema, len(payloadSchemaSources))
		for kind, source := range payloadSchemaSources {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
			if err != nil {
				schemasErr = fmt.Errorf("parse %s schema: %w", kind, err)
				return
			}
			url := schemaBaseURL + string(kind) + ".json"
			if err := c.AddResource(url, doc); err != nil {
				schemasErr = fmt.Errorf("add %s schema: %w", kind, err)
				return
			}
			sch, err := c.Compile(url)
			if err != nil {
				schemasErr = fmt.Errorf("compile %s schema: %w", kind, err)
				return
			}
			out[kind] = sch
		}
		schemas = out
	})
	return schemas, schemasErr
}

// validatePayload checks raw against the schema of kind.
func validatePayload(kind Kind, raw []byte) error {
	all, err := compiledSchemas()
	if err != nil {
		return err
	}
	sch, ok := all[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
