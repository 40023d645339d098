package scriptdoc

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Literals accepted for a boolean input without custom tokens.
var (
	truthyLiterals = []string{"true", "yes", "1", "on"}
	falsyLiterals  = []string{"false", "no", "0", "off"}
)

// MissingInputsError lists every required input with no value.
type MissingInputsError struct {
	Names []string
}

func (e *MissingInputsError) Error() string {
	return fmt.Sprintf("missing required inputs: %s", strings.Join(e.Names, ", "))
}

// ValidateRequiredInputs reports all required inputs that are absent or empty.
// Unlike ValidateInputValue it does not stop at the first problem.
func ValidateRequiredInputs(inputs []InputDefinition, values map[string]interface{}) error {
	var missing []string
	for _, input := range inputs {
		if !input.Required {
			continue
		}
		v, ok := values[input.Name]
		if !ok || isEmpty(v) {
			missing = append(missing, input.Name)
		}
	}
	if len(missing) > 0 {
		return &MissingInputsError{Names: missing}
	}
	return nil
}

// ValidateInputValues checks every supplied value against its declaration.
// Values for undeclared inputs are rejected.
func ValidateInputValues(inputs []InputDefinition, values map[string]interface{}) error {
	if err := ValidateRequiredInputs(inputs, values); err != nil {
		return err
	}
	declared := make(map[string]bool, len(inputs))
	for i := range inputs {
		declared[inputs[i].Name] = true
		v, ok := values[inputs[i].Name]
		if !ok {
			continue
		}
		if err := ValidateInputValue(&inputs[i], v); err != nil {
			return err
		}
	}
	for name := range values {
		if !declared[name] {
			return invalid("inputs."+name, "input is not declared by the script")
		}
	}
	return nil
}

// ValidateInputValue checks one value against its declaration and returns the
// first violation.
func ValidateInputValue(input *InputDefinition, value interface{}) error {
	field := "inputs." + input.Name
	rules := input.Validation
	if rules == nil {
		rules = &InputValidation{}
	}

	if isEmpty(value) {
		if input.Required {
			return invalid(field, "%s is required", labelOf(input))
		}
		// An explicit empty selection still has to honour min_selections.
		if input.Type != InputMultiSelect || value == nil || rules.MinSelections == nil {
			return nil
		}
	}

	switch input.Type {
	case InputText, InputTextarea, InputPassword:
		s, ok := value.(string)
		if !ok {
			return invalid(field, "%s must be a string", labelOf(input))
		}
		return checkString(field, input, rules, s)

	case InputPath:
		s, ok := value.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return invalid(field, "%s must be a non-empty path", labelOf(input))
		}
		return checkString(field, input, rules, s)

	case InputNumber:
		n, err := toNumber(value)
		if err != nil {
			return invalid(field, "%s must be a number", labelOf(input))
		}
		if rules.Min != nil && n < *rules.Min {
			return invalid(field, "%s must be at least %v", labelOf(input), *rules.Min)
		}
		if rules.Max != nil && n > *rules.Max {
			return invalid(field, "%s must be at most %v", labelOf(input), *rules.Max)
		}
		return nil

	case InputBoolean:
		return checkBoolean(field, input, value)

	case InputSelect:
		s := fmt.Sprint(value)
		if !hasOption(input, s) {
			return invalid(field, "'%s' is not a valid option for %s", s, labelOf(input))
		}
		return nil

	case InputMultiSelect:
		items, ok := toSlice(value)
		if !ok {
			return invalid(field, "%s must be a list of selections", labelOf(input))
		}
		if rules.MinSelections != nil && len(items) < *rules.MinSelections {
			return invalid(field, "%s requires at least %d selections", labelOf(input), *rules.MinSelections)
		}
		if rules.MaxSelections != nil && len(items) > *rules.MaxSelections {
			return invalid(field, "%s allows at most %d selections", labelOf(input), *rules.MaxSelections)
		}
		for _, item := range items {
			s := fmt.Sprint(item)
			if !hasOption(input, s) {
				return invalid(field, "'%s' is not a valid option for %s", s, labelOf(input))
			}
		}
		return nil

	case InputEmail:
		s, ok := value.(string)
		if !ok || !emailPattern.MatchString(s) {
			return invalid(field, "%s must be a valid email address", labelOf(input))
		}
		return nil

	case InputURL:
		s, ok := value.(string)
		if !ok {
			return invalid(field, "%s must be a valid URL", labelOf(input))
		}
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return invalid(field, "%s must be a valid URL", labelOf(input))
		}
		if len(rules.AllowedProtocols) > 0 {
			scheme := strings.ToLower(u.Scheme)
			allowed := false
			for _, p := range rules.AllowedProtocols {
				if strings.ToLower(strings.TrimSuffix(p, ":")) == scheme {
					allowed = true
					break
				}
			}
			if !allowed {
				return invalid(field, "%s must use one of the protocols: %s", labelOf(input), strings.Join(rules.AllowedProtocols, ", "))
			}
		}
		return nil
	}
	return invalid(field, "unsupported input type '%s'", input.Type)
}

func checkString(field string, input *InputDefinition, rules *InputValidation, s string) error {
	length := utf8.RuneCountInString(s)
	if rules.MinLength != nil && length < *rules.MinLength {
		return invalid(field, "%s must be at least %d characters", labelOf(input), *rules.MinLength)
	}
	if rules.MaxLength != nil && length > *rules.MaxLength {
		return invalid(field, "%s must be at most %d characters", labelOf(input), *rules.MaxLength)
	}
	if rules.Pattern != "" {
		re, err := regexp.Compile(rules.Pattern)
		if err != nil {
			return invalid(field, "invalid validation pattern: %v", err)
		}
		if !re.MatchString(s) {
			if rules.PatternDescription != "" {
				return invalid(field, "%s", rules.PatternDescription)
			}
			return invalid(field, "%s does not match the required format", labelOf(input))
		}
	}
	return nil
}

func checkBoolean(field string, input *InputDefinition, value interface{}) error {
	if input.CheckedValue != nil && input.UncheckedValue != nil {
		s := fmt.Sprint(value)
		if s == *input.CheckedValue || s == *input.UncheckedValue {
			return nil
		}
		return invalid(field, "%s must be '%s' or '%s'", labelOf(input), *input.CheckedValue, *input.UncheckedValue)
	}
	switch v := value.(type) {
	case bool:
		return nil
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		if contains(truthyLiterals, s) || contains(falsyLiterals, s) {
			return nil
		}
	case float64, int, int64, json.Number:
		if n, err := toNumber(v); err == nil && (n == 0 || n == 1) {
			return nil
		}
	}
	return invalid(field, "%s must be a boolean value", labelOf(input))
}

func hasOption(input *InputDefinition, value string) bool {
	for _, opt := range input.Options {
		if opt.Value == value {
			return true
		}
	}
	return false
}

func toNumber(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	}
	return 0, fmt.Errorf("not a number: %T", value)
}

func toSlice(value interface{}) ([]interface{}, bool) {
	switch v := value.(type) {
	case []interface{}:
		return v, true
	case []string:
		out := make([]interface{}, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	}
	return nil, false
}

func isEmpty(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []interface{}:
		return len(v) == 0
	case []string:
		return len(v) == 0
	}
	return false
}

func labelOf(input *InputDefinition) string {
	if input.Label != "" {
		return input.Label
	}
	return input.Name
}
