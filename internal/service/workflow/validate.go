package workflow

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ignite/outreach-engine/internal/domain"
)

// newValidator registers the closed-set tags used on domain structs and
// reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	mustRegister(v, "outreach_channel", func(fl validator.FieldLevel) bool {
		return domain.Channel(fl.Field().String()).Valid()
	})
	mustRegister(v, "outreach_workflow_type", func(fl validator.FieldLevel) bool {
		return domain.WorkflowType(fl.Field().String()).Valid()
	})
	return v
}

// mustRegister panics on a bad tag; a validator missing a closed-set check
// would accept any value for that field.
func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register validation %q: %v", tag, err))
	}
}

// validate returns a *ValidationError listing every problem, or nil.
func (s *Service) validate(w *domain.WorkflowDefinition) error {
	var problems []string

	if err := s.validator.Struct(w); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				problems = append(problems, describe(fe))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	for i := 1; i < len(w.Steps); i++ {
		if w.Steps[i].DelaySeconds <= w.Steps[i-1].DelaySeconds {
			problems = append(problems, fmt.Sprintf(
				"steps[%d].delay_seconds must be greater than steps[%d].delay_seconds", i, i-1))
		}
	}
	if s.checkTpl != nil {
		for i, st := range w.Steps {
			if err := s.checkTpl(st.Body); err != nil {
				problems = append(problems, fmt.Sprintf("steps[%d].body: %v", i, err))
			}
			if err := s.checkTpl(st.Subject); err != nil {
				problems = append(problems, fmt.Sprintf("steps[%d].subject: %v", i, err))
			}
		}
	}
	problems = append(problems, w.Trigger.Validate()...)

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must have at least %s item(s)", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "outreach_channel":
		return fmt.Sprintf("%s: unknown channel %q", field, fe.Value())
	case "outreach_workflow_type":
		return fmt.Sprintf("%s: unknown workflow type %q", field, fe.Value())
	}
	return fmt.Sprintf("%s failed %s", field, fe.Tag())
}
