// Package errors provides the error taxonomy shared by all netpulse packages.
//
// This file provides:
//   - Sentinel errors for every store, config and daemon failure kind
//   - StoreError and ConfigError carrying operation context
//   - Category checks used by the daemon to pick a retry/abort policy
//   - The ValidationErrors collector used by config validation
//
// Probe failures have no sentinel. They are recorded as data in a failed
// CheckRecord and never surface as Go errors.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Store errors
	ErrIO                 = errors.New("store i/o error")
	ErrStoreNotFound      = fmt.Errorf("%w: store does not exist", ErrIO)
	ErrDecompress         = errors.New("store decompression failed")
	ErrDeserialize        = errors.New("store deserialization failed")
	ErrUnsupportedVersion = errors.New("unsupported store version")
	ErrAlreadyExists      = errors.New("store already exists")
	ErrReadonly           = errors.New("store is readonly")
	ErrNeedsMigration     = errors.New("store uses an older format and must be migrated")

	// Config errors
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrAmbiguousCombination = errors.New("ambiguous probe combination")
	ErrMissingCombination   = errors.New("missing probe combination")

	// Daemon errors
	ErrAlreadyRunning = errors.New("daemon is already running")

	// ErrAnalysis is reserved. The analyzer is total over well-formed input
	// and never returns it today.
	ErrAnalysis = errors.New("analysis failed")
)

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// ============================================================================
// StoreError
// ============================================================================

// StoreError describes a failed store operation.
//
// Kind is one of the store sentinels above; Err is the underlying cause
// (an *os.PathError, a zstd error, a protowire parse error...). errors.Is
// matches both.
type StoreError struct {
	Op   string
	Path string
	Kind error
	Err  error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *StoreError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewStoreError creates a StoreError.
func NewStoreError(op, path string, kind, cause error) *StoreError {
	return &StoreError{Op: op, Path: path, Kind: kind, Err: cause}
}

// ============================================================================
// ConfigError
// ============================================================================

// ConfigError describes a contradictory probe configuration.
type ConfigError struct {
	Field  string
	Kind   error
	Detail string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Field, e.Kind, e.Detail)
}

// Unwrap returns the kind sentinel.
func (e *ConfigError) Unwrap() error {
	return e.Kind
}

// NewAmbiguous creates an ambiguous-combination config error.
func NewAmbiguous(field, format string, args ...any) error {
	return &ConfigError{Field: field, Kind: ErrAmbiguousCombination, Detail: fmt.Sprintf(format, args...)}
}

// NewMissing creates a missing-combination config error.
func NewMissing(field, format string, args ...any) error {
	return &ConfigError{Field: field, Kind: ErrMissingCombination, Detail: fmt.Sprintf(format, args...)}
}

// NewInvalid creates a generic invalid-config error.
func NewInvalid(field, format string, args ...any) error {
	return &ConfigError{Field: field, Kind: ErrInvalidConfig, Detail: fmt.Sprintf(format, args...)}
}

// ============================================================================
// Category checks
// ============================================================================

// IsTransient returns true for store errors worth retrying on the next
// cycle: plain I/O failures such as a full disk or a permission hiccup.
func IsTransient(err error) bool {
	return errors.Is(err, ErrIO) && !IsFatal(err)
}

// IsFatal returns true for store errors that must stop the daemon.
// Corruption and version problems never heal by retrying.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDecompress) ||
		errors.Is(err, ErrDeserialize) ||
		errors.Is(err, ErrUnsupportedVersion) ||
		errors.Is(err, ErrNeedsMigration) ||
		errors.Is(err, ErrReadonly)
}

// IsConfig returns true if err is a configuration error.
func IsConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrAmbiguousCombination) ||
		errors.Is(err, ErrMissingCombination)
}

// Chain renders err and every error it wraps, outermost first.
// Used when logging fatal errors so the full cause is visible.
func Chain(err error) []string {
	var out []string
	for err != nil {
		out = append(out, err.Error())
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			errs := u.Unwrap()
			if len(errs) == 0 {
				return out
			}
			err = errs[len(errs)-1]
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		default:
			return out
		}
	}
	return out
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns all collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
