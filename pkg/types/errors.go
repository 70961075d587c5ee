package types

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrConfigValidation indicates a configuration record failed validation
type ErrConfigValidation struct {
	Field   string
	Message string
}

func (e *ErrConfigValidation) Error() string {
	return fmt.Sprintf("config validation error: %s %s", e.Field, e.Message)
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared validator instance
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// validateStruct runs the tag validation and reports the first failure as ErrConfigValidation
func validateStruct(s interface{}) error {
	err := Validator().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}

	fe := fieldErrs[0]
	msg := fmt.Sprintf("failed on '%s'", fe.Tag())
	if fe.Param() != "" {
		msg = fmt.Sprintf("failed on '%s=%s'", fe.Tag(), fe.Param())
	}
	return &ErrConfigValidation{Field: strings.ToLower(fe.Field()), Message: msg}
}
