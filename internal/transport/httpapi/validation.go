package httpapi

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// requestValidator возвращает общий validator с пользовательскими правилами.
func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		if err := v.RegisterValidation("notblank", validateNotBlank); err != nil {
			panic(fmt.Sprintf("register notblank validation: %v", err))
		}
		validate = v
	})
	return validate
}

func validateNotBlank(fl validator.FieldLevel) bool {
	if fl.Field().Kind().String() != "string" {
		return true
	}
	return strings.TrimSpace(fl.Field().String()) != ""
}

// validationMessage собирает ошибки validator в одну строку.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required", "notblank":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Namespace()))
		case "min":
			parts = append(parts, fmt.Sprintf("%s must contain at least %s element(s)", fe.Namespace(), fe.Param()))
		case "gt":
			parts = append(parts, fmt.Sprintf("%s must be greater than %s", fe.Namespace(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s validation", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
