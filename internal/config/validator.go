package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate validates the Config using struct tags plus cross-field rules.
// Returns an error with actionable messages on failure.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validatePortRange(); err != nil {
		return err
	}

	if c.SSE.HeartbeatInterval < 0 {
		return errors.New("sse.heartbeat_interval must not be negative")
	}
	if c.Audit.FlushInterval < 0 {
		return errors.New("audit.flush_interval must not be negative")
	}

	return nil
}

// validatePortRange ensures the allocation range is usable when no fixed
// port is pinned.
func (c *Config) validatePortRange() error {
	if c.Server.Port != 0 {
		// Fixed port: the range is unused.
		return nil
	}
	if c.Server.MinPort > c.Server.MaxPort {
		return fmt.Errorf("server: min_port %d exceeds max_port %d",
			c.Server.MinPort, c.Server.MaxPort)
	}
	if c.Server.MinPort <= 0 {
		return errors.New("server: min_port must be positive when no fixed port is set")
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
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

// formatSingleValidationError creates a user-friendly message for a single
// validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
