package core

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"scopesafe/internal/types"
)

// Validator wraps go-playground/validator for request bodies. Field names in
// error details use the json tag.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator with the json-tag name function and the
// domain tags registered.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// paid_tier accepts a recurring plan name in any case.
	_ = v.RegisterValidation("paid_tier", func(fl validator.FieldLevel) bool {
		switch types.SubscriptionTier(strings.ToLower(strings.TrimSpace(fl.Field().String()))) {
		case types.SubscriptionPro, types.SubscriptionBusiness:
			return true
		}
		return false
	})

	return &Validator{validate: v, logger: logger}
}

// ValidateStruct validates s. A missing required field maps to
// validation_missing_required_field, an unknown plan to
// validation_invalid_tier, and any other rule to validation_invalid_body.
// The failing fields are listed under details.fields.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		v.logger.Error("validator misuse", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	code := types.ErrCodeValidationInvalidBody
	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
		switch fe.Tag() {
		case "required":
			code = types.ErrCodeValidationMissingField
		case "paid_tier":
			if code != types.ErrCodeValidationMissingField {
				code = types.ErrCodeValidationInvalidTier
			}
		}
	}

	msg := "request body failed validation"
	switch code {
	case types.ErrCodeValidationMissingField:
		msg = "a required field is missing"
	case types.ErrCodeValidationInvalidTier:
		msg = "Unsupported subscription tier requested."
	}
	return types.NewAppError(code, msg, err).WithDetails(map[string]any{"fields": fields})
}
