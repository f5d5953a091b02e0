package domain

import (
	"errors"
	"fmt"
)

// Common domain errors that can occur during pipeline operations.
var (
	// ErrInvalidField indicates a record operation received an empty or
	// otherwise malformed field name.
	ErrInvalidField = errors.New("invalid field name")

	// ErrInvalidConfiguration indicates configuration is invalid or incomplete.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrContractViolation indicates two members of the same bag wrote
	// overlapping output-record fields during one batch. The behavior is
	// undefined but never fatal; violations are logged, not raised.
	ErrContractViolation = errors.New("bag contract violation")
)

// CapsuleError represents a failure scoped to a single capsule. The capsule
// is flagged and excluded from subsequent steps and the writer while the
// rest of the batch continues.
type CapsuleError struct {
	// CapsuleID identifies the capsule that failed.
	CapsuleID string

	// Step names the step that signaled the failure.
	Step string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface for CapsuleError.
func (e *CapsuleError) Error() string {
	return fmt.Sprintf("capsule %s failed at step %s: %v", e.CapsuleID, e.Step, e.Err)
}

// Unwrap returns the underlying error.
func (e *CapsuleError) Unwrap() error { return e.Err }

// NewCapsuleError creates a CapsuleError for the given capsule and step.
// Steps return it to mark one capsule as errored without failing the stage.
func NewCapsuleError(capsuleID, step string, err error) *CapsuleError {
	return &CapsuleError{CapsuleID: capsuleID, Step: step, Err: err}
}

// IsCapsuleError reports whether err is, or wraps, a CapsuleError.
func IsCapsuleError(err error) bool {
	var ce *CapsuleError
	return errors.As(err, &ce)
}

// StageFailure represents a subpipe or bag that cannot complete. It escapes
// to the pipeline and aborts the run.
type StageFailure struct {
	// Stage is the ID of the failed subpipe or bag.
	Stage string

	// Batch is the zero-based index of the batch being processed.
	Batch int

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface for StageFailure.
func (e *StageFailure) Error() string {
	return fmt.Sprintf("stage %s failed on batch %d: %v", e.Stage, e.Batch, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageFailure) Unwrap() error { return e.Err }

// ReaderError represents an I/O-boundary failure surfaced by a reader.
type ReaderError struct {
	// Batch is the zero-based index of the batch the reader was producing.
	Batch int

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface for ReaderError.
func (e *ReaderError) Error() string {
	return fmt.Sprintf("reader failed on batch %d: %v", e.Batch, e.Err)
}

// Unwrap returns the underlying error.
func (e *ReaderError) Unwrap() error { return e.Err }

// WriterError represents an I/O-boundary failure surfaced by a writer.
type WriterError struct {
	// Batch is the zero-based index of the batch being written.
	Batch int

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface for WriterError.
func (e *WriterError) Error() string {
	return fmt.Sprintf("writer failed on batch %d: %v", e.Batch, e.Err)
}

// Unwrap returns the underlying error.
func (e *WriterError) Unwrap() error { return e.Err }
