package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CompileSchema compiles a JSON schema string registered under name.
func CompileSchema(name string, schemaJSON string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource(name, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	sch, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile JSON schema: %w", err)
	}
	return sch, nil
}

// ValidateValue validates an already-decoded JSON value against a compiled schema.
// The error message names the deepest failing location so callers can surface it as is.
func ValidateValue(sch *jsonschema.Schema, data interface{}) error {
	if sch == nil {
		return nil
	}
	if err := sch.Validate(data); err != nil {
		var validationErr *jsonschema.ValidationError
		if errors.As(err, &validationErr) {
			leaf := deepestCause(validationErr)
			location := leaf.InstanceLocation
			if location == "" {
				location = "/"
			}
			return fmt.Errorf("document failed validation at %s: %s", location, leaf.Message)
		}
		return fmt.Errorf("document failed validation (unexpected error type): %w", err)
	}
	return nil
}

func deepestCause(err *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(err.Causes) > 0 {
		err = err.Causes[0]
	}
	return err
}
