// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrFormatNotFound     = errors.New("broker csv format not found")
	ErrFormatRejected     = errors.New("broker csv format was rejected")
	ErrStagingNotFound    = errors.New("staging row not found")
	ErrOrderNotFound      = errors.New("order not found")
	ErrRateLimited        = errors.New("rate limited")
	ErrTimeout            = errors.New("operation timed out")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrDatabaseError      = errors.New("database error")
	ErrMissingRequired    = errors.New("required canonical field is unmapped")
	ErrApprovalInProgress = errors.New("another approval is in progress, retry")
	ErrIllegalTransition  = errors.New("illegal staging status transition")
)

// ParseError represents a malformed CSV file. It is not retryable and is
// surfaced to the uploader; nothing is persisted.
type ParseError struct {
	Filename string
	Line     int
	Err      error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error in %s at line %d: %v", e.Filename, e.Line, e.Err)
	}
	return fmt.Sprintf("parse error in %s: %v", e.Filename, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NewParseError creates a new ParseError.
func NewParseError(filename string, line int, err error) *ParseError {
	return &ParseError{Filename: filename, Line: line, Err: err}
}

// MappingError represents a failure of the AI column-mapping call. It forces
// the fail-safe staging path rather than aborting ingestion.
type MappingError struct {
	Broker string
	Err    error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("column mapping failed for broker %s: %v", e.Broker, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }

// NewMappingError creates a new MappingError.
func NewMappingError(broker string, err error) *MappingError {
	return &MappingError{Broker: broker, Err: err}
}

// ValidationError represents a per-row required-field or format violation.
// The row is excluded from order insertion but logged; the batch continues.
type ValidationError struct {
	RowIndex int
	Issues   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("row %d failed validation: %v", e.RowIndex, e.Issues)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(rowIndex int, issues []string) *ValidationError {
	return &ValidationError{RowIndex: rowIndex, Issues: issues}
}

// ConcurrentApprovalError indicates the per-format approval lock is held by
// another operation. Retryable.
type ConcurrentApprovalError struct {
	FormatID string
	Holder   string
}

func (e *ConcurrentApprovalError) Error() string {
	return fmt.Sprintf("approval already in progress for format %s (held by %s), retry", e.FormatID, e.Holder)
}

func (e *ConcurrentApprovalError) Unwrap() error { return ErrApprovalInProgress }

// MigrationError represents a row-level failure during migration. The row is
// marked FAILED with retry count incremented; the batch continues.
type MigrationError struct {
	StagingID string
	FormatID  string
	Err       error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration failed for staging row %s (format %s): %v", e.StagingID, e.FormatID, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// DataIntegrityWarning flags a symbol mismatch between a trade and one of its
// constituent orders. It indicates a matching bug and is logged loudly, but
// is not a hard failure: clobbering user data on a sanity-check failure is
// worse than flagging it.
type DataIntegrityWarning struct {
	TradeID     string
	TradeSymbol string
	OrderID     string
	OrderSymbol string
}

func (e *DataIntegrityWarning) Error() string {
	return fmt.Sprintf("data integrity warning: trade %s (%s) references order %s with symbol %s",
		e.TradeID, e.TradeSymbol, e.OrderID, e.OrderSymbol)
}

// IsRetryable reports whether the caller may safely retry the operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrApprovalInProgress) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited)
}

// Wrap wraps an error with a message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
