package scriptdoc

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidateSchema applies the semantic rules a parsed document must satisfy
// before it can be stored or executed. The first violation is returned.
func ValidateSchema(doc *Document) error {
	if doc == nil {
		return invalid("", "document is empty")
	}
	if strings.TrimSpace(doc.Name) == "" {
		return invalid("name", "name is required")
	}

	if len(doc.OS) == 0 {
		return invalid("os", "at least one operating system is required")
	}
	for _, os := range doc.OS {
		if !contains(OperatingSystems, strings.ToLower(strings.TrimSpace(os))) {
			return invalid("os", "unsupported operating system '%s' (expected one of %s)", os, strings.Join(OperatingSystems, ", "))
		}
	}

	if !contains(Shells, doc.ShellKind()) {
		return invalid("shell", "unsupported shell '%s' (expected one of %s)", doc.Shell, strings.Join(Shells, ", "))
	}
	if strings.TrimSpace(doc.Script) == "" {
		return invalid("script", "script body is required")
	}

	seen := make(map[string]bool, len(doc.Inputs))
	for i := range doc.Inputs {
		input := &doc.Inputs[i]
		if err := ValidateInputDefinition(input); err != nil {
			return err
		}
		if seen[input.Name] {
			return invalid("inputs", "duplicate input name '%s'", input.Name)
		}
		seen[input.Name] = true
	}
	return nil
}

// ValidateInputDefinition checks a single input declaration.
func ValidateInputDefinition(input *InputDefinition) error {
	if strings.TrimSpace(input.Name) == "" {
		return invalid("inputs", "input name is required")
	}
	field := fmt.Sprintf("inputs.%s", input.Name)
	if strings.TrimSpace(input.Type) == "" {
		return invalid(field, "input type is required")
	}
	if strings.TrimSpace(input.Label) == "" {
		return invalid(field, "input label is required")
	}
	if !contains(InputTypes, input.Type) {
		return invalid(field, "unsupported input type '%s'", input.Type)
	}

	switch input.Type {
	case InputSelect, InputMultiSelect:
		if len(input.Options) == 0 {
			return invalid(field, "%s input requires at least one option", input.Type)
		}
		for i, opt := range input.Options {
			if strings.TrimSpace(opt.Label) == "" || strings.TrimSpace(opt.Value) == "" {
				return invalid(field, "option %d must have both a label and a value", i+1)
			}
		}
	case InputBoolean:
		if input.CheckedValue != nil || input.UncheckedValue != nil {
			if input.CheckedValue == nil || input.UncheckedValue == nil {
				return invalid(field, "boolean input must declare both checked_value and unchecked_value")
			}
			if *input.CheckedValue == "" || *input.UncheckedValue == "" {
				return invalid(field, "boolean checked_value and unchecked_value must not be empty")
			}
			if *input.CheckedValue == *input.UncheckedValue {
				return invalid(field, "boolean checked_value and unchecked_value must differ")
			}
		}
	}

	if v := input.Validation; v != nil && v.Pattern != "" {
		if _, err := regexp.Compile(v.Pattern); err != nil {
			return invalid(field, "invalid validation pattern: %v", err)
		}
	}
	return nil
}
