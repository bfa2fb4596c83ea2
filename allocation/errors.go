/*
errors.go - Centralized error types for the allocation engine

ERROR CATEGORIES:
  1. Validation     - a row is missing identifiers or carries malformed values.
                      The row is dropped, the batch continues.
  2. Capacity       - the batch exceeds the row limit. Nothing is processed.
  3. Persistence    - a repository call failed. The batch aborts; earlier
                      bulk writes stay (recompute heals them).
  4. Reconciliation - syncing one preset's detail or ratio rows failed.

USAGE:
  if errors.Is(err, allocation.ErrPayloadTooLarge) {
      // ask the caller to split the batch
  }
*/
package allocation

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation marks a row rejected during intake.
	ErrValidation = errors.New("validation failed")

	// ErrPayloadTooLarge is returned when a batch exceeds the configured row limit.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrPersistence marks a failed repository call.
	ErrPersistence = errors.New("persistence failure")

	// ErrReconciliation marks a failed preset detail or ratio sync.
	ErrReconciliation = errors.New("preset reconciliation failed")

	// ErrPresetNotFound is returned when a referenced preset does not exist.
	ErrPresetNotFound = errors.New("preset not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// RowError describes one intake row that was dropped.
type RowError struct {
	Index   int
	Fields  []string // missing or malformed fields
	Message string
}

func (e *RowError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("row %d: %s", e.Index, e.Message)
	}
	return fmt.Sprintf("row %d: %s (%s)", e.Index, e.Message, strings.Join(e.Fields, ", "))
}

func (e *RowError) Unwrap() error {
	return ErrValidation
}

// CapacityError is returned when a batch has more rows than allowed.
type CapacityError struct {
	Limit int
	Got   int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("batch of %d rows exceeds the limit of %d; split it into smaller batches", e.Got, e.Limit)
}

func (e *CapacityError) Unwrap() error {
	return ErrPayloadTooLarge
}

// PersistenceError wraps a repository failure with the stage it happened in.
type PersistenceError struct {
	Stage string // prefetch, preset, commit, recalculate
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// ReconciliationError wraps a failure while syncing one preset's rows.
type ReconciliationError struct {
	PresetGUID PresetGUID
	Table      string // preset_details, preset_mappings
	Op         string // load, create, update, delete
	Err        error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile %s for preset %s: %s: %v", e.Table, e.PresetGUID, e.Op, e.Err)
}

func (e *ReconciliationError) Unwrap() []error {
	return []error{ErrReconciliation, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the submitted payload.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrPayloadTooLarge)
}

// IsRetryable returns true if resubmitting (possibly split) could succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPayloadTooLarge)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrPresetNotFound)
}
