package snapshot

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed save.schema.json
var saveSchemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func saveSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		const url = "https://darkfarm.ai/schemas/save.schema.json"
		if err := c.AddResource(url, bytes.NewReader(saveSchemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile(url)
	})
	return schema, schemaErr
}

// Validate checks a raw save body against the embedded schema.
func Validate(body []byte) error {
	s, err := saveSchema()
	if err != nil {
		return fmt.Errorf("compile save schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("json decode: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("invalid save: %w", err)
	}
	return nil
}
