// Package template substitutes ${key} placeholders in task commands.
package template

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z0-9_.-]+)\}`)

// Well-known input fields resolved before anything else.
var wellKnownFields = []string{"input_file", "output_dir", "user_id"}

// Expand replaces every ${key} in command using, in priority order:
// well-known input fields, the user config map, then the accumulated process
// context. Unknown keys stay literal so the failing command surfaces a
// clearer error than the engine could. Single left-to-right pass; values are
// never re-expanded.
func Expand(command string, input map[string]string, config map[string]string, processCtx map[string]string) string {
	if !strings.Contains(command, "${") {
		return command
	}
	return placeholderRe.ReplaceAllStringFunc(command, func(m string) string {
		key := m[2 : len(m)-1]
		if isWellKnown(key) {
			if v, ok := input[key]; ok {
				return v
			}
		}
		if v, ok := config[key]; ok {
			return v
		}
		if v, ok := input[key]; ok {
			return v
		}
		if v, ok := processCtx[key]; ok {
			return v
		}
		return m
	})
}

func isWellKnown(key string) bool {
	for _, f := range wellKnownFields {
		if f == key {
			return true
		}
	}
	return false
}
