/*
errors.go - Centralized error types for the alarm engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every sentinel belongs to exactly one Kind; callers classify errors with
  KindOf/SeverityOf instead of matching strings.

ERROR KINDS:
  Validation     Field out of range, empty or too long. Rejected before any write.
  Constraint     Uniqueness violations. Rejected at write time, never retried.
  NotFound       Referenced record does not exist.
  Migration      Decode failure, corruption, count mismatch. Legacy data is kept.
  Integrity      Orphans and dangling references. Reported, not thrown.
  Resource       Storage, cache, timeout, batch failures. Transient, retryable.
  Configuration  Store or schema init failure. Fatal.

SEVERITY:
  low | medium | high | critical. Critical errors (init and rollback
  failures) require a restart; low and medium are transient.

USAGE:
    if alarm.IsRetryable(err) {
        // retry with backoff
    }
    if errors.Is(err, alarm.ErrDuplicateTemplate) {
        // reuse the existing template
    }

SEE ALSO:
  - validate.go: Produces ValidationError
  - store/sqlite/sqlite.go: Translates driver errors into these sentinels
*/
package alarm

import (
	"errors"
	"fmt"
)

// =============================================================================
// KINDS & SEVERITY
// =============================================================================

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConstraint
	KindNotFound
	KindMigration
	KindIntegrity
	KindResource
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConstraint:
		return "constraint"
	case KindNotFound:
		return "not_found"
	case KindMigration:
		return "migration"
	case KindIntegrity:
		return "integrity"
	case KindResource:
		return "resource"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is wrapped by every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateID is returned when an identity already exists.
	// A collision is a precondition violation and is never retried.
	ErrDuplicateID = errors.New("duplicate identity")

	// ErrDuplicateTemplate is returned when (name, scenario) is already taken.
	ErrDuplicateTemplate = errors.New("duplicate template key")

	ErrNotFound = errors.New("not found")

	// ErrMigration is matched by every MigrationError.
	ErrMigration      = errors.New("migration failed")
	ErrDecode         = errors.New("legacy data could not be decoded")
	ErrDataCorruption = errors.New("data corruption")

	ErrIntegrity = errors.New("integrity check found problems")

	ErrStorage        = errors.New("storage failure")
	ErrCommitFailed   = errors.New("commit failed")
	ErrRollbackFailed = errors.New("rollback failed")
	ErrTimeout        = errors.New("operation timed out")
	ErrBatchFailed    = errors.New("batch flush failed")
	ErrCache          = errors.New("cache failure")

	ErrStoreInit     = errors.New("store initialization failed")
	ErrInvalidConfig = errors.New("invalid configuration")
)

type class struct {
	err      error
	kind     Kind
	severity Severity
}

// classes is ordered most specific first; a rollback failure usually wraps
// the error that triggered it.
var classes = []class{
	{ErrRollbackFailed, KindResource, SeverityCritical},
	{ErrStoreInit, KindConfiguration, SeverityCritical},
	{ErrInvalidConfig, KindConfiguration, SeverityCritical},
	{ErrDataCorruption, KindMigration, SeverityHigh},
	{ErrDecode, KindMigration, SeverityHigh},
	{ErrMigration, KindMigration, SeverityHigh},
	{ErrValidation, KindValidation, SeverityLow},
	{ErrDuplicateID, KindConstraint, SeverityMedium},
	{ErrDuplicateTemplate, KindConstraint, SeverityLow},
	{ErrNotFound, KindNotFound, SeverityLow},
	{ErrIntegrity, KindIntegrity, SeverityMedium},
	{ErrCommitFailed, KindResource, SeverityMedium},
	{ErrTimeout, KindResource, SeverityMedium},
	{ErrBatchFailed, KindResource, SeverityMedium},
	{ErrCache, KindResource, SeverityLow},
	{ErrStorage, KindResource, SeverityMedium},
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Entity string // "alarm", "rule", "template"
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s: %s", e.Entity, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// MigrationError records the state a migration run failed in.
type MigrationError struct {
	State string
	Err   error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration failed in %s: %v", e.State, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

func (e *MigrationError) Is(target error) bool { return target == ErrMigration }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func classify(err error) (class, bool) {
	if err == nil {
		return class{}, false
	}
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c, true
		}
	}
	return class{}, false
}

// KindOf returns the kind of err, KindUnknown for foreign errors.
func KindOf(err error) Kind {
	c, _ := classify(err)
	return c.kind
}

// SeverityOf returns the severity tier of err. Unclassified errors are high.
func SeverityOf(err error) Severity {
	if c, ok := classify(err); ok {
		return c.severity
	}
	return SeverityHigh
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	c, ok := classify(err)
	return ok && c.kind == KindResource && c.severity != SeverityCritical
}

// IsClientError returns true if the error is due to invalid input.
func IsClientError(err error) bool {
	k := KindOf(err)
	return k == KindValidation || k == KindConstraint
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsFatal returns true for errors that require a restart.
func IsFatal(err error) bool { return SeverityOf(err) == SeverityCritical }

// Describe returns a human-readable message for presenting err to a user.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindValidation:
		return "Please check the input: " + err.Error()
	case KindConstraint:
		return "That record already exists."
	case KindNotFound:
		return "The requested record no longer exists."
	case KindMigration:
		return "Your saved alarms could not be upgraded. They are kept and the upgrade will be retried."
	case KindIntegrity:
		return "Some stored alarms are inconsistent."
	case KindResource:
		if IsFatal(err) {
			return "Storage is in an unknown state. Restart the application."
		}
		return "A temporary problem occurred. Please try again."
	case KindConfiguration:
		return "The alarm store could not be opened. Restart or reinstall the application."
	default:
		return "Unexpected error: " + err.Error()
	}
}
