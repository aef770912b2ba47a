package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// One JSON Schema per ilk, enforced on raw messages before decoding. The
// schemas gate shape only; semantic rules (threshold bounds, commitment
// binding) live in Validate and the state machine.

var ilkSchemas = map[Ilk]string{
	IlkInception: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["v", "d", "i", "s", "t", "kt", "k"],
		"properties": {
			"v": {"type": "string"},
			"d": {"type": "string"},
			"i": {"type": "string"},
			"s": {"type": "string", "pattern": "^[0-9a-f]+$"},
			"t": {"const": "icp"},
			"kt": {"type": "string"},
			"k": {"type": "array", "minItems": 1},
			"n": {"type": "string"},
			"bt": {"type": "string"},
			"b": {"type": "array"},
			"c": {"type": "array"},
			"a": {"type": "array"}
		},
		"not": {"required": ["p"]}
	}`,
	IlkRotation: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["v", "d", "i", "s", "t", "p", "kt", "k"],
		"properties": {
			"t": {"const": "rot"},
			"s": {"type": "string", "pattern": "^[0-9a-f]+$"},
			"p": {"type": "string", "minLength": 2},
			"k": {"type": "array", "minItems": 1}
		}
	}`,
	IlkInteraction: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["v", "d", "i", "s", "t", "p"],
		"properties": {
			"t": {"const": "ixn"},
			"s": {"type": "string", "pattern": "^[0-9a-f]+$"},
			"p": {"type": "string", "minLength": 2}
		},
		"not": {"anyOf": [{"required": ["k"]}, {"required": ["n"]}, {"required": ["b"]}]}
	}`,
	IlkDelegatedInception: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["v", "d", "i", "s", "t", "kt", "k", "di"],
		"properties": {
			"t": {"const": "dip"},
			"k": {"type": "array", "minItems": 1},
			"di": {"type": "object", "required": ["i", "s", "t"]}
		}
	}`,
	IlkDelegatedRotation: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["v", "d", "i", "s", "t", "p", "kt", "k", "di"],
		"properties": {
			"t": {"const": "drt"},
			"k": {"type": "array", "minItems": 1},
			"di": {"type": "object", "required": ["i", "s", "t"]}
		}
	}`,
}

var (
	schemaOnce    sync.Once
	compiledByIlk map[Ilk]*jsonschema.Schema
	schemaCompile error
)

func compiledSchemas() (map[Ilk]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledByIlk = make(map[Ilk]*jsonschema.Schema, len(ilkSchemas))
		for ilk, src := range ilkSchemas {
			c := jsonschema.NewCompiler()
			c.Draft = jsonschema.Draft2020
			url := fmt.Sprintf("https://keryx.schemas.local/event/%s.schema.json", ilk)
			if err := c.AddResource(url, strings.NewReader(src)); err != nil {
				schemaCompile = fmt.Errorf("schema load failed for %s: %w", ilk, err)
				return
			}
			compiled, err := c.Compile(url)
			if err != nil {
				schemaCompile = fmt.Errorf("schema compile failed for %s: %w", ilk, err)
				return
			}
			compiledByIlk[ilk] = compiled
		}
	})
	return compiledByIlk, schemaCompile
}

// ValidateRaw checks a raw event message against the schema for its ilk.
// Violations are MalformedError: structural, never retried.
func ValidateRaw(raw []byte) error {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return &MalformedError{Reason: fmt.Sprintf("not a JSON object: %v", err)}
	}
	ilkVal, _ := generic["t"].(string)
	ilk := Ilk(ilkVal)
	if !ilk.Known() {
		return &MalformedError{Reason: fmt.Sprintf("unknown ilk %q", ilkVal)}
	}
	schemas, err := compiledSchemas()
	if err != nil {
		return err
	}
	if err := schemas[ilk].Validate(generic); err != nil {
		return &MalformedError{Reason: fmt.Sprintf("schema violation for %s: %v", ilk, err)}
	}
	return nil
}
