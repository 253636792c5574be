package api

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"contentfleet/pkg/model"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct returns the first violation as a model.ErrInvalidArgument.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return errors.Wrap(model.ErrInvalidArgument, err.Error())
	}
	fe := verrs[0]
	var msg string
	switch fe.Tag() {
	case "required":
		msg = fe.Field() + " is required"
	case "max":
		msg = fe.Field() + " must be at most " + fe.Param() + " long"
	case "mongodb":
		msg = fe.Field() + " must hold media ids"
	default:
		msg = fe.Field() + " is invalid (" + fe.Tag() + ")"
	}
	return errors.Wrap(model.ErrInvalidArgument, msg)
}
