package storage

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/example/ridesaver/internal/models"
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

// ValidateDraft checks a ride draft before it is stored and reports every
// offending field in one *models.ValidationError.
func ValidateDraft(d models.RideDraft) error {
	ve := &models.ValidationError{}
	if err := validate.Struct(d); err != nil {
		var fes validator.ValidationErrors
		if !errors.As(err, &fes) {
			return err
		}
		for _, fe := range fes {
			ve.Add(fieldPath(fe.Namespace()), reason(fe))
		}
	}
	if d.DepartureTime.IsZero() {
		ve.Add("departure_time", "must be a valid point in time")
	}
	return ve.OrNil()
}

func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "latitude":
		return "must be between -90 and 90"
	case "longitude":
		return "must be between -180 and 180"
	default:
		return "failed " + fe.Tag()
	}
}
