package workflow

import (
	"errors"
	"fmt"
)

// ConfigurationError reports a malformed definition: an unknown node
// reference, a cycle other than a sanctioned retry self-loop, or a missing
// required field. Configuration errors are fatal at load time and never
// retried.
type ConfigurationError struct {
	// Reason describes the specific violation.
	Reason string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return "workflow: invalid definition: " + e.Reason
}

// Configf constructs a ConfigurationError with a formatted reason.
func Configf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err's chain holds a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
