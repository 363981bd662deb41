package service

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/nagesh-bhagelli/xpense/internal/domain"
)

// newValidator builds the payload validator with the tracker's custom
// rules. Field names in errors are the JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("payment_method", func(fl validator.FieldLevel) bool {
		return domain.PaymentMethod(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("color", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == "" || domain.Color(s).Valid()
	})
	_ = v.RegisterValidation("icon", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == "" || domain.Icon(s).Valid()
	})

	return v
}

// check validates payload and reports the first failure as ErrValidation.
func (t *Tracker) check(payload any) error {
	err := t.validate.Struct(payload)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &domain.ErrValidation{Field: fe.Field(), Message: describe(fe)}
	}
	return &domain.ErrValidation{Field: "body", Message: err.Error()}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "email":
		return "must be a valid email address"
	case "payment_method":
		return fmt.Sprintf("must be one of %v", domain.PaymentMethods)
	case "color":
		return "must be one of the palette colors"
	case "icon":
		return "must be one of the category icons"
	}
	return fmt.Sprintf("failed the %q rule", fe.Tag())
}
