// Package template renders the {name} placeholders used in workflow email
// subjects and bodies.
package template

import (
	"regexp"
	"sort"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z][A-Za-z0-9_]*)\}`)

// Render replaces every {key} present in vars with its value. Placeholders
// without a matching key are left untouched.
func Render(input string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(input, "{") {
		return input
	}

	return placeholderPattern.ReplaceAllStringFunc(input, func(match string) string {
		value, ok := vars[match[1:len(match)-1]]
		if !ok {
			return match
		}

		return value
	})
}

// Placeholders lists the distinct placeholder names in input, sorted.
func Placeholders(input string) []string {
	seen := make(map[string]struct{})

	for _, match := range placeholderPattern.FindAllStringSubmatch(input, -1) {
		seen[match[1]] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Unresolved returns the placeholders in input that vars does not cover.
func Unresolved(input string, vars map[string]string) []string {
	var missing []string

	for _, name := range Placeholders(input) {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}

	return missing
}
