package utils

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

// ValidationErrorResponse flattens binding failures into a field->tag map the
// UI can render inline. Non-validator errors get a single generic entry.
func ValidationErrorResponse(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return map[string]string{"request": "invalid"}
	}
	errorResponse := make(map[string]string, len(validationErrors))
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}
	return errorResponse
}
