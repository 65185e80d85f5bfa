package domain

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrValidation marks input rejected before any network call.
// Concrete errors wrap it, so callers check with errors.Is.
var ErrValidation = errors.New("validation failed")

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// Reason returns the message of err without the validation sentinel suffix.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSuffix(err.Error(), ": "+ErrValidation.Error())
}
