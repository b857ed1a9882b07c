// Package validation holds the struct validator shared by the booking engine and the HTTP API.
package validation

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

// New returns a validator that reports fields by their JSON names.
func New() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Error converts the first validator failure into a ValidationError.
func Error(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &model.ValidationError{Reason: err.Error()}
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return &model.ValidationError{Field: field, Reason: "is required"}
	case "email":
		return &model.ValidationError{Field: field, Reason: "must be a valid email address"}
	case "oneof":
		return &model.ValidationError{Field: field, Reason: "must be one of " + fe.Param()}
	case "gte", "min":
		if fe.Kind() == reflect.String {
			return &model.ValidationError{Field: field, Reason: "must be at least " + fe.Param() + " characters"}
		}
		return &model.ValidationError{Field: field, Reason: "must be at least " + fe.Param()}
	case "lte", "max":
		if fe.Kind() == reflect.String {
			return &model.ValidationError{Field: field, Reason: "must be at most " + fe.Param() + " characters"}
		}
		return &model.ValidationError{Field: field, Reason: "must be at most " + fe.Param()}
	case "gt":
		return &model.ValidationError{Field: field, Reason: "must be greater than " + fe.Param()}
	case "datetime":
		return &model.ValidationError{Field: field, Reason: "must match " + fe.Param()}
	}
	return &model.ValidationError{Field: field, Reason: "failed " + fe.Tag()}
}
