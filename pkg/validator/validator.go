package validator

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// jamIDPattern keeps room ids usable as a redis key segment.
var jamIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var messages = map[string]string{
	"required": "%s is required",
	"min":      "%s must be at least %s characters long",
	"max":      "%s must not exceed %s characters",
	"gte":      "%s must be at least %s",
	"lte":      "%s must not exceed %s",
	"jamid":    "%s may only contain letters, digits, '-' and '_'",
}

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonName)
	v.RegisterValidation("jamid", func(fl validator.FieldLevel) bool {
		return jamIDPattern.MatchString(fl.Field().String())
	})

	return &Validator{validate: v}
}

// jsonName reports fields under their wire name.
func jsonName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}

	return name
}

func message(fe validator.FieldError) string {
	tmpl, ok := messages[fe.Tag()]
	if !ok {
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
	if strings.Count(tmpl, "%s") == 2 {
		return fmt.Sprintf(tmpl, fe.Field(), fe.Param())
	}

	return fmt.Sprintf(tmpl, fe.Field())
}

// Validate checks i against its validate tags. ok is false when at least one
// rule failed.
func (v *Validator) Validate(i any) (errs []ValidationError, ok bool) {
	err := v.validate.Struct(i)
	if err == nil {
		return nil, true
	}

	fieldErrs, isFieldErrs := err.(validator.ValidationErrors)
	if !isFieldErrs {
		return []ValidationError{{Code: "INVALID", Message: err.Error()}}, false
	}

	errs = make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, ValidationError{
			Field:   fe.Field(),
			Code:    strings.ToUpper(fe.Tag()),
			Message: message(fe),
		})
	}

	return errs, false
}
