package application

import (
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"

	"github.com/ahrav/go-blocking/infrastructure/oracle"
	"github.com/ahrav/go-blocking/internal/domain"
)

// registerConfigValidators registers the domain-specific tags used by
// Config: positioning_mode, provider_name and view_id.
// registerConfigValidators returns an error if any registration fails.
func registerConfigValidators(v *validator.Validate) error {
	validators := map[string]validator.Func{
		"positioning_mode": validatePositioningMode,
		"provider_name":    validateProviderName,
		"view_id":          validateViewID,
	}
	for tag, fn := range validators {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validator: %w", tag, err)
		}
	}
	return nil
}

// validatePositioningMode accepts "absolute" and "relative".
func validatePositioningMode(fl validator.FieldLevel) bool {
	return domain.PositioningMode(fl.Field().String()).Valid()
}

// validateProviderName accepts "auto" and any registered provider family.
func validateProviderName(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	return name == oracle.AutoProvider || slices.Contains(oracle.RegisteredProviders(), name)
}

// validateViewID accepts the canonical capture views.
func validateViewID(fl validator.FieldLevel) bool {
	return slices.Contains(domain.AllViews, domain.ViewID(fl.Field().String()))
}
