package engine

import (
	"fmt"
	"regexp"

	"github.com/taku10101/playwright-secretary/internal/pattern"
	"github.com/taku10101/playwright-secretary/internal/value"
)

var paramKinds = map[pattern.ParameterType]value.Kind{
	pattern.ParamString:  value.KindString,
	pattern.ParamNumber:  value.KindNumber,
	pattern.ParamBoolean: value.KindBool,
	pattern.ParamArray:   value.KindArray,
	pattern.ParamObject:  value.KindObject,
}

// BindParameters checks given against the declared parameters and returns the
// bindings steps are substituted with: given values plus declared defaults for
// absent ones. Undeclared values pass through unchecked. A null value counts
// as absent.
func BindParameters(declared []pattern.Parameter, given map[string]value.Value) (map[string]value.Value, error) {
	bound := make(map[string]value.Value, len(given)+len(declared))
	for name, v := range given {
		if !v.IsNull() {
			bound[name] = v
		}
	}

	for _, param := range declared {
		v, ok := bound[param.Name]
		if !ok {
			if !param.Default.IsNull() {
				bound[param.Name] = param.Default
				continue
			}
			if param.Required {
				return nil, &ParameterValidationError{Parameter: param.Name, Reason: "required parameter is missing"}
			}
			continue
		}
		if err := checkParameter(param, v); err != nil {
			return nil, err
		}
	}
	return bound, nil
}

func checkParameter(param pattern.Parameter, v value.Value) error {
	fail := func(format string, args ...any) error {
		return &ParameterValidationError{Parameter: param.Name, Reason: fmt.Sprintf(format, args...)}
	}

	if want, ok := paramKinds[param.Type]; ok && v.Kind() != want {
		return fail("expected %s, got %s", param.Type, v.Kind())
	}
	rules := param.Validation
	if rules == nil {
		return nil
	}

	if rules.Pattern != "" {
		if s, ok := v.Str(); ok {
			re, err := regexp.Compile(rules.Pattern)
			if err != nil {
				return fail("invalid pattern %q: %v", rules.Pattern, err)
			}
			if !re.MatchString(s) {
				return fail("%q does not match %s", s, rules.Pattern)
			}
		}
	}
	if n, ok := v.Num(); ok {
		if rules.Min != nil && n < *rules.Min {
			return fail("%v is below minimum %v", n, *rules.Min)
		}
		if rules.Max != nil && n > *rules.Max {
			return fail("%v is above maximum %v", n, *rules.Max)
		}
	}
	if kind := v.Kind(); kind == value.KindString || kind == value.KindArray {
		if rules.MinLength != nil && v.Len() < *rules.MinLength {
			return fail("length %d is below minimum %d", v.Len(), *rules.MinLength)
		}
		if rules.MaxLength != nil && v.Len() > *rules.MaxLength {
			return fail("length %d is above maximum %d", v.Len(), *rules.MaxLength)
		}
	}
	if len(rules.Enum) > 0 {
		for _, allowed := range rules.Enum {
			if value.Equal(allowed, v) {
				return nil
			}
		}
		return fail("%s is not one of the allowed values", v)
	}
	return nil
}
