package config

import (
	"errors"
	"fmt"
)

// ConfigurationError is a fatal problem with the node table or run
// parameters. It is reported before any worker starts.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Invalid wraps err as a ConfigurationError for field.
func Invalid(field string, err error) error {
	return &ConfigurationError{Field: field, Err: err}
}

// Invalidf builds a ConfigurationError from a format string.
func Invalidf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
