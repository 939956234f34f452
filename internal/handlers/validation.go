package handlers

import (
	"regexp"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// Step keys are lowercase snake-case identifiers matching checkpoint names.
var stepKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		if err := v.RegisterValidation("step_key", validateStepKey); err != nil {
			panic("failed to register step_key validation: " + err.Error())
		}
	}
}

func validateStepKey(fl validator.FieldLevel) bool {
	return stepKeyPattern.MatchString(fl.Field().String())
}
