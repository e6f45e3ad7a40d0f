package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/latch-dev/latch/internal/domain/downstream"
)

// RegisterCustomValidators registers the gateway's validation rules.
func RegisterCustomValidators(v *validator.Validate) error {
	for tag, fn := range map[string]validator.Func{
		"alias":         validateAlias,
		"duration":      validateDuration,
		"loopback_addr": validateLoopbackAddr,
	} {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validator: %w", tag, err)
		}
	}
	return nil
}

// validateAlias accepts [A-Za-z0-9_-]+ without the namespace separator,
// so a namespaced tool name always splits back to the right alias.
func validateAlias(fl validator.FieldLevel) bool {
	alias := fl.Field().String()
	return downstream.AliasPattern.MatchString(alias) && !strings.Contains(alias, downstream.Separator)
}

// validateDuration accepts "0" or anything time.ParseDuration accepts, as
// long as it is not negative.
func validateDuration(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "0" {
		return true
	}
	d, err := time.ParseDuration(s)
	return err == nil && d >= 0
}

// validateLoopbackAddr requires a host:port on a loopback interface.
func validateLoopbackAddr(fl validator.FieldLevel) bool {
	host, _, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func newValidator() (*validator.Validate, error) {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Validate checks the settings.
func (c *Config) Validate() error {
	v, err := newValidator()
	if err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	return nil
}

// ValidateRegistry checks every server entry and rejects duplicate aliases.
func ValidateRegistry(reg downstream.Registry) error {
	v, err := newValidator()
	if err != nil {
		return err
	}
	if err := v.Struct(reg); err != nil {
		return formatValidationErrors(err)
	}

	seen := make(map[string]int, len(reg.Servers))
	for i, s := range reg.Servers {
		if first, ok := seen[s.Alias]; ok {
			return fmt.Errorf("servers[%d]: duplicate alias %q (first used by servers[%d])", i, s.Alias, first)
		}
		seen[s.Alias] = i
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "alias":
		return fmt.Sprintf("%s must match [A-Za-z0-9_-]+ and must not contain %q", field, downstream.Separator)
	case "duration":
		return fmt.Sprintf("%s must be a non-negative duration such as 90s or 5m", field)
	case "loopback_addr":
		return fmt.Sprintf("%s must be a loopback host:port", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
