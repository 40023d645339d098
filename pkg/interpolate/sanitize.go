package interpolate

import (
	"strings"

	"vm-script-service/pkg/scriptdoc"
)

var (
	// cmd.exe metacharacters are escaped with a caret; % is doubled.
	cmdReplacer = strings.NewReplacer(
		"^", "^^",
		"&", "^&",
		"|", "^|",
		"<", "^<",
		">", "^>",
		"(", "^(",
		")", "^)",
		"!", "^^!",
		`"`, `^"`,
		"%", "%%",
	)

	// Fallback for shells without a dedicated rule: backslash-escape metacharacters.
	genericReplacer = strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"'", `\'`,
		"`", "\\`",
		"$", `\$`,
		";", `\;`,
		"&", `\&`,
		"|", `\|`,
		"<", `\<`,
		">", `\>`,
		"\n", " ",
		"\r", " ",
	)
)

// SanitizeInput escapes value for use as a single argument in a command
// fragment for the given shell.
func SanitizeInput(value string, shell string) string {
	switch strings.ToLower(shell) {
	case scriptdoc.ShellPowerShell:
		// Single-quoted strings are literal in PowerShell; only ' needs doubling.
		return "'" + strings.ReplaceAll(value, "'", "''") + "'"
	case scriptdoc.ShellCmd:
		return cmdReplacer.Replace(value)
	case scriptdoc.ShellBash, scriptdoc.ShellSh, scriptdoc.ShellZsh:
		return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
	}
	return genericReplacer.Replace(value)
}
