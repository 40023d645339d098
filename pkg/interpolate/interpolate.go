// Package interpolate substitutes declared inputs into script bodies and
// escapes untrusted values for the shell a script targets.
package interpolate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"vm-script-service/pkg/scriptdoc"
)

// placeholderPattern matches ${{ inputs.<name> }} with optional inner spacing.
var placeholderPattern = regexp.MustCompile(`\$\{\{\s*inputs\.([A-Za-z0-9_-]+)\s*\}\}`)

// PasswordMask replaces password values before they reach an audit entry.
const PasswordMask = "********"

// MissingVariableError is returned when a placeholder has no value.
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("missing value for template variable '%s'", e.Name)
}

// UndeclaredVariablesError lists placeholders that name no declared input.
type UndeclaredVariablesError struct {
	Names []string
}

func (e *UndeclaredVariablesError) Error() string {
	return fmt.Sprintf("script references undeclared inputs: %s", strings.Join(e.Names, ", "))
}

// Interpolate replaces every placeholder in body with its formatted value.
func Interpolate(body string, values map[string]interface{}) (string, error) {
	var missing error
	out := placeholderPattern.ReplaceAllStringFunc(body, func(match string) string {
		if missing != nil {
			return match
		}
		name := placeholderPattern.FindStringSubmatch(match)[1]
		v, ok := values[name]
		if !ok {
			missing = &MissingVariableError{Name: name}
			return match
		}
		return FormatValue(v)
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// FormatValue stringifies an input value for substitution: nil becomes "",
// booleans "true"/"false", lists are comma-joined and objects become JSON.
func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case bool:
		if val {
			return "true"
		}
		return "false"
	case string:
		return val
	case []string:
		return strings.Join(val, ",")
	case []interface{}:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = FormatValue(item)
		}
		return strings.Join(parts, ",")
	case map[string]interface{}:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	case float64:
		return formatFloat(val)
	}
	return fmt.Sprint(v)
}

func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprint(f)
}

// ExtractVariables returns the distinct input names referenced by body, in
// order of first appearance.
func ExtractVariables(body string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range placeholderPattern.FindAllStringSubmatch(body, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// ValidateVariables rejects any placeholder that is not a declared input.
func ValidateVariables(body string, inputs []scriptdoc.InputDefinition) error {
	declared := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		declared[in.Name] = true
	}
	var undeclared []string
	for _, name := range ExtractVariables(body) {
		if !declared[name] {
			undeclared = append(undeclared, name)
		}
	}
	if len(undeclared) > 0 {
		sort.Strings(undeclared)
		return &UndeclaredVariablesError{Names: undeclared}
	}
	return nil
}

// WithDefaults fills every declared input missing from values with its
// default, or nil when it has none, so optional inputs interpolate to "".
func WithDefaults(inputs []scriptdoc.InputDefinition, values map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(inputs)+len(values))
	for k, v := range values {
		out[k] = v
	}
	for _, in := range inputs {
		if _, ok := out[in.Name]; !ok {
			out[in.Name] = in.Default
		}
	}
	return out
}

// SanitizeForLogging copies values with every password-typed input masked.
func SanitizeForLogging(values map[string]interface{}, inputs []scriptdoc.InputDefinition) map[string]interface{} {
	passwords := make(map[string]bool)
	for _, in := range inputs {
		if in.Type == scriptdoc.InputPassword {
			passwords[in.Name] = true
		}
	}
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		if passwords[k] {
			out[k] = PasswordMask
			continue
		}
		out[k] = v
	}
	return out
}
