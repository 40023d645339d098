// Package scriptdoc parses and validates script documents: the YAML or JSON
// files that declare a script's compatible operating systems, shell, typed
// inputs and executable body.
package scriptdoc

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Format is the textual encoding of a script document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ParseFormat accepts the common spellings of the two encodings.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yaml", "yml":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	}
	return "", &ValidationError{Field: "format", Message: fmt.Sprintf("unsupported document format '%s'", s)}
}

// Extension is the file extension used for content stored in this format.
func (f Format) Extension() string {
	if f == FormatJSON {
		return ".json"
	}
	return ".yaml"
}

// Shell kinds a script body can target.
const (
	ShellPowerShell = "powershell"
	ShellCmd        = "cmd"
	ShellBash       = "bash"
	ShellSh         = "sh"
	ShellZsh        = "zsh"
	ShellPython     = "python"
)

// Shells is the fixed shell enumeration.
var Shells = []string{ShellPowerShell, ShellCmd, ShellBash, ShellSh, ShellZsh, ShellPython}

// OS tokens a document may declare. "windows" is the only Windows-family token.
const (
	OSWindows = "windows"
	OSLinux   = "linux"
	OSUbuntu  = "ubuntu"
	OSDebian  = "debian"
	OSFedora  = "fedora"
	OSCentOS  = "centos"
	OSRHEL    = "rhel"
)

// OperatingSystems is the fixed OS enumeration.
var OperatingSystems = []string{OSWindows, OSLinux, OSUbuntu, OSDebian, OSFedora, OSCentOS, OSRHEL}

// Input types.
const (
	InputText        = "text"
	InputNumber      = "number"
	InputBoolean     = "boolean"
	InputSelect      = "select"
	InputMultiSelect = "multiselect"
	InputPath        = "path"
	InputPassword    = "password"
	InputEmail       = "email"
	InputURL         = "url"
	InputTextarea    = "textarea"
)

// InputTypes lists the ten recognised input kinds.
var InputTypes = []string{
	InputText, InputNumber, InputBoolean, InputSelect, InputMultiSelect,
	InputPath, InputPassword, InputEmail, InputURL, InputTextarea,
}

// Document is the typed form of a script document.
type Document struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Author      string            `json:"author,omitempty"`
	Version     FlexString        `json:"version,omitempty"`
	Category    string            `json:"category,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	OS          []string          `json:"os"`
	Shell       string            `json:"shell"`
	Script      string            `json:"script"`
	Inputs      []InputDefinition `json:"inputs,omitempty"`
	Execution   *ExecutionOptions `json:"execution,omitempty"`
}

// FlexString accepts a JSON string or number. Document versions are often
// written unquoted in YAML.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("version must be a string or number")
	}
	*f = FlexString(n.String())
	return nil
}

// ExecutionOptions is the optional execution block of a document.
type ExecutionOptions struct {
	Timeout        int    `json:"timeout,omitempty"`
	RunAs          string `json:"run_as,omitempty"`
	RetryOnFailure bool   `json:"retry_on_failure,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty"`
}

// InputDefinition declares one typed input of a script.
type InputDefinition struct {
	Name           string           `json:"name"`
	Type           string           `json:"type"`
	Label          string           `json:"label"`
	Description    string           `json:"description,omitempty"`
	Placeholder    string           `json:"placeholder,omitempty"`
	Default        interface{}      `json:"default,omitempty"`
	Required       bool             `json:"required,omitempty"`
	Validation     *InputValidation `json:"validation,omitempty"`
	Options        []InputOption    `json:"options,omitempty"`
	CheckedValue   *string          `json:"checked_value,omitempty"`
	UncheckedValue *string          `json:"unchecked_value,omitempty"`
}

// InputValidation holds the type-specific constraints of an input.
type InputValidation struct {
	Pattern            string   `json:"pattern,omitempty"`
	PatternDescription string   `json:"pattern_description,omitempty"`
	MinLength          *int     `json:"min_length,omitempty"`
	MaxLength          *int     `json:"max_length,omitempty"`
	Min                *float64 `json:"min,omitempty"`
	Max                *float64 `json:"max,omitempty"`
	MinSelections      *int     `json:"min_selections,omitempty"`
	MaxSelections      *int     `json:"max_selections,omitempty"`
	AllowedProtocols   []string `json:"allowed_protocols,omitempty"`
}

// InputOption is one choice of a select or multiselect input.
type InputOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// OSTags returns the declared OS list lower-cased, trimmed and de-duplicated.
func (d *Document) OSTags() []string {
	return NormalizeOS(d.OS)
}

// ShellKind returns the declared shell lower-cased.
func (d *Document) ShellKind() string {
	return strings.ToLower(strings.TrimSpace(d.Shell))
}

// TimeoutSeconds returns the document's execution timeout, 0 when unset.
func (d *Document) TimeoutSeconds() int {
	if d.Execution == nil || d.Execution.Timeout < 0 {
		return 0
	}
	return d.Execution.Timeout
}

// NormalizeOS lower-cases and de-duplicates OS tokens, keeping declaration order.
func NormalizeOS(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// ParsedScript is the cached derivative of a definition's content.
type ParsedScript struct {
	Raw        string            `json:"raw"`
	Body       string            `json:"body"`
	Inputs     []InputDefinition `json:"inputs"`
	HasInputs  bool              `json:"hasInputs"`
	InputCount int               `json:"inputCount"`
	Document   *Document         `json:"-"`
}

// NewParsedScript derives the cached body of a parsed document.
func NewParsedScript(raw string, doc *Document) *ParsedScript {
	inputs := doc.Inputs
	if inputs == nil {
		inputs = []InputDefinition{}
	}
	return &ParsedScript{
		Raw:        raw,
		Body:       doc.Script,
		Inputs:     inputs,
		HasInputs:  len(inputs) > 0,
		InputCount: len(inputs),
		Document:   doc,
	}
}

// ValidationError reports a schema, shape or input-value violation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
