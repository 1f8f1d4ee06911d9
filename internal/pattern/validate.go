package pattern

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var ErrInvalid = errors.New("invalid pattern")

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the structural shape of a pattern before it is stored.
func Validate(p Pattern) error {
	if err := structValidator().Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			parts := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), describeTag(fe)))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(parts, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	seenOrders := make(map[int]struct{}, len(p.Steps))
	for _, step := range p.Steps {
		if _, dup := seenOrders[step.Order]; dup {
			return fmt.Errorf("%w: duplicate step order %d", ErrInvalid, step.Order)
		}
		seenOrders[step.Order] = struct{}{}
	}

	seenParams := make(map[string]struct{}, len(p.Parameters))
	for _, param := range p.Parameters {
		if _, dup := seenParams[param.Name]; dup {
			return fmt.Errorf("%w: duplicate parameter %q", ErrInvalid, param.Name)
		}
		seenParams[param.Name] = struct{}{}
	}
	return nil
}

func describeTag(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}
