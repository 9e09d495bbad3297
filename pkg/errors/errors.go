package apperrors

import (
	"errors"
	"fmt"
)

// Standardized Backtest Errors
var (
	ErrConfig             = errors.New("invalid configuration")
	ErrData               = errors.New("malformed data")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrSourceExhausted    = errors.New("event source exhausted")
	ErrStoreClosed        = errors.New("results store closed")
	ErrUnknownStrategy    = errors.New("unknown strategy variant")
)

// ConfigError reports an invalid parameter detected at construction time.
// It is fatal for the affected security before any event is processed.
type ConfigError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error on field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// NewConfigError creates a ConfigError for the given field.
func NewConfigError(field string, value interface{}, message string) *ConfigError {
	return &ConfigError{Field: field, Value: value, Message: message}
}

// DataError reports a malformed or unparseable input record. The offending
// record is skipped and processing continues.
type DataError struct {
	Source string
	Line   int
	Reason string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("data error in %s line %d: %s", e.Source, e.Line, e.Reason)
}

func (e *DataError) Unwrap() error { return ErrData }

// InvariantViolation reports an internal consistency failure (negative fill
// size, position bound breach). It is fatal for the affected security and
// must not stop sibling securities.
type InvariantViolation struct {
	Security string
	Detail   string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation for %s: %s", e.Security, e.Detail)
}

func (e *InvariantViolation) Unwrap() error { return ErrInvariantViolation }

// NewInvariantViolation creates an InvariantViolation for the given security.
func NewInvariantViolation(security, format string, args ...interface{}) *InvariantViolation {
	return &InvariantViolation{Security: security, Detail: fmt.Sprintf(format, args...)}
}
