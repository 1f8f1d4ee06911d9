package engine

import (
	"regexp"

	"github.com/taku10101/playwright-secretary/internal/value"
)

var placeholder = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Substitute replaces every {{name}} in template with the first binding that
// defines name, searching bindings in order. Unresolved placeholders are left
// untouched.
func Substitute(template string, bindings ...map[string]value.Value) string {
	return placeholder.ReplaceAllStringFunc(template, func(token string) string {
		name := token[2 : len(token)-2]
		for _, scope := range bindings {
			if bound, ok := scope[name]; ok {
				return bound.Text()
			}
		}
		return token
	})
}

// Resolve substitutes placeholders inside string values and returns every
// other kind unchanged.
func Resolve(v value.Value, bindings ...map[string]value.Value) value.Value {
	s, ok := v.Str()
	if !ok {
		return v
	}
	return value.String(Substitute(s, bindings...))
}
