// Package integrity rejects malformed sync records before they reach a store.
package integrity

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ilyaizen/habistat/pkg/db/models"
	pkgerrors "github.com/ilyaizen/habistat/pkg/errors"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	return v
}

// Check validates the row's struct tags. Failures come back as
// INTEGRITY_VIOLATION errors whose details map field names to messages.
func Check(row models.Entity) error {
	if row == nil {
		return pkgerrors.New(pkgerrors.CodeIntegrity, "record is empty")
	}
	err := validate.Struct(row)
	if err == nil {
		return nil
	}
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return pkgerrors.Wrap(pkgerrors.CodeIntegrity, err, fmt.Sprintf("%s record is invalid", row.Kind()))
	}
	details := map[string]string{}
	for _, fieldErr := range errs {
		details[fieldErr.Field()] = message(fieldErr)
	}
	return pkgerrors.New(pkgerrors.CodeIntegrity, fmt.Sprintf("%s record is invalid", row.Kind())).WithDetails(details)
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "uuid":
		return "must be a uuid"
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "datetime":
		return fmt.Sprintf("must match %s", fe.Param())
	}
	return "is invalid"
}
