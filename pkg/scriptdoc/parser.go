package scriptdoc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"vm-script-service/pkg/validation"
)

// documentSchema fixes the shape of a document. Semantic rules (enumerations,
// option completeness, boolean tokens) live in ValidateSchema so their
// messages can name the offending input.
const documentSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"name": {"type": "string"},
		"description": {"type": "string"},
		"author": {"type": "string"},
		"version": {"type": ["string", "number"]},
		"category": {"type": "string"},
		"tags": {"type": "array", "items": {"type": "string"}},
		"os": {"type": "array", "items": {"type": "string"}},
		"shell": {"type": "string"},
		"script": {"type": "string"},
		"inputs": {"type": "array", "items": {"$ref": "#/definitions/input"}},
		"execution": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"timeout": {"type": "integer", "minimum": 0},
				"run_as": {"type": "string"},
				"retry_on_failure": {"type": "boolean"},
				"max_retries": {"type": "integer", "minimum": 0}
			}
		}
	},
	"definitions": {
		"input": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"name": {"type": "string"},
				"type": {"type": "string"},
				"label": {"type": "string"},
				"description": {"type": "string"},
				"default": {},
				"required": {"type": "boolean"},
				"placeholder": {"type": "string"},
				"validation": {
					"type": "object",
					"additionalProperties": false,
					"properties": {
						"pattern": {"type": "string"},
						"pattern_description": {"type": "string"},
						"min_length": {"type": "integer", "minimum": 0},
						"max_length": {"type": "integer", "minimum": 0},
						"min": {"type": "number"},
						"max": {"type": "number"},
						"min_selections": {"type": "integer", "minimum": 0},
						"max_selections": {"type": "integer", "minimum": 0},
						"allowed_protocols": {"type": "array", "items": {"type": "string"}}
					}
				},
				"options": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"label": {"type": "string"},
							"value": {"type": "string"}
						}
					}
				},
				"checked_value": {"type": "string"},
				"unchecked_value": {"type": "string"}
			}
		}
	}
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = validation.CompileSchema("script-document.json", documentSchema)
	})
	return compiledSchema, schemaErr
}

// Parse decodes content in the given encoding, rejects malformed shapes at
// the boundary and returns the typed document. It does not apply the semantic
// rules of ValidateSchema.
func Parse(content []byte, format Format) (*Document, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, invalid("content", "document is empty")
	}

	normalized, err := toJSON(content, format)
	if err != nil {
		return nil, err
	}

	var tree interface{}
	if err := json.Unmarshal(normalized, &tree); err != nil {
		return nil, invalid("content", "malformed document: %v", err)
	}
	if _, ok := tree.(map[string]interface{}); !ok {
		return nil, invalid("content", "document must be an object")
	}

	sch, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load document schema: %w", err)
	}
	if err := validation.ValidateValue(sch, tree); err != nil {
		return nil, invalid("content", "%v", err)
	}

	var doc Document
	if err := json.Unmarshal(normalized, &doc); err != nil {
		return nil, invalid("content", "malformed document: %v", err)
	}
	return &doc, nil
}

// ParseAndValidate is Parse followed by ValidateSchema.
func ParseAndValidate(content []byte, format Format) (*Document, error) {
	doc, err := Parse(content, format)
	if err != nil {
		return nil, err
	}
	if err := ValidateSchema(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// toJSON turns either encoding into JSON bytes so both share one validation path.
func toJSON(content []byte, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		if !json.Valid(content) {
			return nil, invalid("content", "malformed JSON document")
		}
		return content, nil
	case FormatYAML:
		var tree interface{}
		if err := yaml.Unmarshal(content, &tree); err != nil {
			return nil, invalid("content", "malformed YAML document: %v", err)
		}
		out, err := json.Marshal(tree)
		if err != nil {
			return nil, invalid("content", "YAML document is not representable as JSON: %v", err)
		}
		return out, nil
	}
	return nil, invalid("format", "unsupported document format '%s'", format)
}
