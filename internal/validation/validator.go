package validation

import (
	"regexp"

	validatorv10 "github.com/go-playground/validator/v10"
)

// MaxCallbackData is the largest inline button payload the messaging platform
// accepts, in bytes.
const MaxCallbackData = 64

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// New returns a configured validator with the custom tags used by events,
// actions and configuration registered:
//
//	currency      ISO-4217 style code, e.g. XTR
//	callbackdata  non-empty and at most MaxCallbackData bytes
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// registration only fails for empty tags or nil funcs
	_ = v.RegisterValidation("currency", validateCurrency)
	_ = v.RegisterValidation("callbackdata", validateCallbackData)

	return v
}

func validateCurrency(fl validatorv10.FieldLevel) bool {
	return currencyPattern.MatchString(fl.Field().String())
}

func validateCallbackData(fl validatorv10.FieldLevel) bool {
	n := len(fl.Field().String())
	return n > 0 && n <= MaxCallbackData
}
