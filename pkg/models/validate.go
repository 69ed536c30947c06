package models

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	apperrors "courier/pkg/errors"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func envelopeValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
		_ = validate.RegisterValidation("scalar", isScalar)
	})
	return validate
}

// isScalar accepts the attribute value kinds rules can match on.
func isScalar(fl validator.FieldLevel) bool {
	switch fl.Field().Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

// ValidateEnvelope checks the fields a publisher must supply. It returns
// an ErrValidation naming the first offending field.
func ValidateEnvelope(env Envelope) error {
	err := envelopeValidator().Struct(env)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperrors.ErrValidation.WithCause(err)
	}

	fe := fieldErrs[0]
	var msg string
	switch fe.Tag() {
	case "required":
		msg = fmt.Sprintf("%s is required", fe.Field())
	case "scalar":
		msg = fmt.Sprintf("%s must be a string, number or bool", fe.Field())
	default:
		msg = fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}

	return apperrors.ErrValidation.
		WithDetail("field", fe.Field()).
		WithMessage(msg)
}
