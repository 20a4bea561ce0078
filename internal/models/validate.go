package models

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var ErrUnknownKind = errors.New("unknown operation kind")

// FieldError is used to indicate an error with a specific payload field.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Use JSON tag names for errors instead of Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("isodate", func(fl validator.FieldLevel) bool {
		_, err := time.Parse(DateLayout, fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks a mutation payload and returns per-field problems.
func Validate(m Mutation) []FieldError {
	if m == nil {
		return []FieldError{{Field: "payload", Error: "payload is required"}}
	}
	err := validate.Struct(m)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Field: "payload", Error: err.Error()}}
	}

	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Field: fe.Field(), Error: describe(fe)})
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "isodate":
		return "must be a date formatted YYYY-MM-DD"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "gt", "gte", "lt", "lte":
		return fmt.Sprintf("must be %s %s", fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
