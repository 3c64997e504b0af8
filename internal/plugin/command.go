package plugin

import (
	"path/filepath"
	"strings"
)

// interpreters by lower case file extension
var interpreters = map[string]string{
	".py":  "python3",
	".ps1": "pwsh -NoLogo -NonInteractive -File",
	".pl":  "perl",
	".rb":  "ruby",
	".sh":  "sh",
}

// CommandLine resolves the interpreter of a plugin by its extension. Files
// without a known extension are executed directly.
func CommandLine(path string) string {
	quoted := quote(path)
	if interp, ok := interpreters[strings.ToLower(filepath.Ext(path))]; ok {
		return interp + " " + quoted
	}
	return quoted
}

// quote makes path a single shell word
func quote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}
