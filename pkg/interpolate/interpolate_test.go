package interpolate

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vm-script-service/pkg/scriptdoc"
)

func TestInterpolate_SingleRequiredInput(t *testing.T) {
	body := `ping -c 3 "${{ inputs.target }}"`
	out, err := Interpolate(body, map[string]interface{}{"target": "host1"})
	require.NoError(t, err)
	assert.Equal(t, `ping -c 3 "host1"`, out)
	assert.Contains(t, out, `"host1"`)
	assert.Empty(t, ExtractVariables(out), "no placeholder may survive interpolation")
}

func TestInterpolate_Formatting(t *testing.T) {
	body := "a=${{inputs.a}} b=${{ inputs.b }} c=${{ inputs.c }} d=${{ inputs.d }} e=${{ inputs.e }} f=${{ inputs.f }}"
	out, err := Interpolate(body, map[string]interface{}{
		"a": nil,
		"b": true,
		"c": []interface{}{"x", "y", 3.0},
		"d": map[string]interface{}{"k": "v"},
		"e": 42.0,
		"f": 1.5,
	})
	require.NoError(t, err)
	assert.Equal(t, `a= b=true c=x,y,3 d={"k":"v"} e=42 f=1.5`, out)
}

func TestInterpolate_MissingVariable(t *testing.T) {
	_, err := Interpolate("echo ${{ inputs.present }} ${{ inputs.absent }}", map[string]interface{}{"present": "x"})
	require.Error(t, err)
	var missing *MissingVariableError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "absent", missing.Name)
}

func TestExtractAndValidateVariables(t *testing.T) {
	body := "echo ${{ inputs.b }} ${{ inputs.a }} ${{ inputs.b }} ${{ inputs.c }}"
	assert.Equal(t, []string{"b", "a", "c"}, ExtractVariables(body))

	inputs := []scriptdoc.InputDefinition{{Name: "a"}, {Name: "b"}}
	err := ValidateVariables(body, inputs)
	require.Error(t, err)
	var undeclared *UndeclaredVariablesError
	require.True(t, errors.As(err, &undeclared))
	assert.Equal(t, []string{"c"}, undeclared.Names)

	assert.NoError(t, ValidateVariables("echo ${{ inputs.a }}", inputs))
	assert.NoError(t, ValidateVariables("echo plain ${HOME}", nil))
}

func TestWithDefaults(t *testing.T) {
	inputs := []scriptdoc.InputDefinition{
		{Name: "port", Default: 80.0},
		{Name: "note"},
	}
	values := WithDefaults(inputs, map[string]interface{}{"host": "web1"})
	out, err := Interpolate("${{ inputs.host }}:${{ inputs.port }}${{ inputs.note }}", values)
	require.NoError(t, err)
	assert.Equal(t, "web1:80", out)
}

func TestSanitizeForLogging(t *testing.T) {
	inputs := []scriptdoc.InputDefinition{
		{Name: "user", Type: scriptdoc.InputText},
		{Name: "secret", Type: scriptdoc.InputPassword},
	}
	values := map[string]interface{}{"user": "admin", "secret": "hunter2"}
	masked := SanitizeForLogging(values, inputs)
	assert.Equal(t, "admin", masked["user"])
	assert.Equal(t, PasswordMask, masked["secret"])
	assert.Equal(t, "hunter2", values["secret"], "input map must not be modified")
}

func TestSanitizeInput(t *testing.T) {
	testCases := []struct {
		shell    string
		value    string
		expected string
	}{
		{scriptdoc.ShellPowerShell, "it's $env:PATH", "'it''s $env:PATH'"},
		{scriptdoc.ShellCmd, `a & b | "c" 100%`, `a ^& b ^| ^"c^" 100%%`},
		{scriptdoc.ShellBash, "it's; rm -rf /", `'it'\''s; rm -rf /'`},
		{scriptdoc.ShellSh, "$(whoami)", "'$(whoami)'"},
		{scriptdoc.ShellPython, "a;b $c", `a\;b \$c`},
	}
	for _, tc := range testCases {
		t.Run(tc.shell, func(t *testing.T) {
			assert.Equal(t, tc.expected, SanitizeInput(tc.value, tc.shell))
		})
	}
	assert.False(t, strings.Contains(SanitizeInput("a\nb", "unknown"), "\n"))
}
