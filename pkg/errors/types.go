// Package errors defines the error taxonomy shared by the fetcher, the
// dataset client and the reconciler.
//
// ConfigError, AuthError and connection-level TransportErrors are fatal for
// a run. APIErrors describe a single failed mutation and are isolated by the
// caller.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrMissingCredentials is returned when no credential source is configured.
var ErrMissingCredentials = New("no credentials configured")

// New returns an error with the given text.
func New(text string) error {
	return stderrors.New(text)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// WithContext annotates err with a short description of what was being done.
// It returns nil if err is nil.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// ConfigError represents an invalid or missing configuration value,
// including malformed credentials.
type ConfigError struct {
	Field string
	Err   error
}

func (err ConfigError) Error() string {
	if err.Field == "" {
		return fmt.Sprintf("invalid configuration: %v", err.Err)
	}
	return fmt.Sprintf("invalid configuration %s: %v", err.Field, err.Err)
}

func (err ConfigError) Unwrap() error {
	return err.Err
}

// AuthError represents a rejected or failed login.
type AuthError struct {
	Err error
}

func (err AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", err.Err)
}

func (err AuthError) Unwrap() error {
	return err.Err
}

// TransportError represents a failure of the remote shell / file copy
// transport that makes the rest of the batch pointless.
type TransportError struct {
	Op  string
	Err error
}

func (err TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", err.Op, err.Err)
}

func (err TransportError) Unwrap() error {
	return err.Err
}

// APIError represents a failed call to the dataset service.
type APIError struct {
	Op         string
	StatusCode int
	Err        error
}

func (err APIError) Error() string {
	if err.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", err.Op, err.StatusCode, err.Err)
	}
	return fmt.Sprintf("%s: %v", err.Op, err.Err)
}

func (err APIError) Unwrap() error {
	return err.Err
}

// IsFatal reports whether err should abort the whole run.
func IsFatal(err error) bool {
	var configErr ConfigError
	var authErr AuthError
	var transportErr TransportError
	return As(err, &configErr) || As(err, &authErr) || As(err, &transportErr)
}
