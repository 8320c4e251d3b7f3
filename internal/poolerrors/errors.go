// Package poolerrors defines the error taxonomy shared by the store,
// selector and coordinator layers: small structs wrapping an optional
// inner error, each matched with errors.Is against a package-level
// sentinel rather than by comparing concrete types directly.
package poolerrors

import (
	"errors"
	"fmt"

	jujuerrors "github.com/juju/errors"
)

// Sentinels. Callers match against these with errors.Is; the concrete
// error values below carry the structured detail (role, counts, exec id).
var (
	// ErrDuplicateExecution is the sentinel for a create_execution primary-key
	// collision. It is never retried: the caller's intent is ambiguous.
	ErrDuplicateExecution = errors.New("execution id already exists")

	// ErrAcquisitionTimedOut is the sentinel surfaced once an acquire loop
	// exhausts max_retries without satisfying every role.
	ErrAcquisitionTimedOut = errors.New("acquisition exhausted retries")

	// ErrStoreUnavailable is the sentinel for connectivity or serialization
	// failures from the directory store that are not the application's fault.
	ErrStoreUnavailable = errors.New("directory store unavailable")

	// ErrInvalidRequest is the sentinel for a malformed acquire request: an
	// empty role name, or a requested count below 1.
	ErrInvalidRequest = errors.New("invalid acquisition request")

	// errShortage is internal to the selector/coordinator boundary: an
	// attempt that received fewer entities than requested for some role.
	// It never escapes the coordinator.
	errShortage = errors.New("shortage")
)

// DuplicateExecutionError reports that exec_id was already present when
// create_execution ran.
type DuplicateExecutionError struct {
	ExecID string
}

func (e *DuplicateExecutionError) Error() string {
	return fmt.Sprintf("execution %q already exists", e.ExecID)
}

// Is lets DuplicateExecutionError be matched with errors.Is(err, ErrDuplicateExecution).
func (e *DuplicateExecutionError) Is(target error) bool {
	return target == ErrDuplicateExecution
}

// NewDuplicateExecution builds the error for a primary-key collision on exec_id.
func NewDuplicateExecution(execID string) error {
	return &DuplicateExecutionError{ExecID: execID}
}

// AcquisitionTimedOutError carries the last shortage observed before the
// attempt loop gave up, so the caller can decide whether to extend a
// timeout or provision more entities.
type AcquisitionTimedOutError struct {
	ExecID    string
	Role      string
	Required  int
	Available int
}

func (e *AcquisitionTimedOutError) Error() string {
	return fmt.Sprintf("acquisition %q timed out: role %q needed %d, only %d available",
		e.ExecID, e.Role, e.Required, e.Available)
}

func (e *AcquisitionTimedOutError) Is(target error) bool {
	return target == ErrAcquisitionTimedOut
}

// NewAcquisitionTimedOut builds the error returned once an acquire loop
// exhausts its retries, quoting the last-observed shortage.
func NewAcquisitionTimedOut(execID string, s Shortage) error {
	return &AcquisitionTimedOutError{
		ExecID:    execID,
		Role:      s.Role,
		Required:  s.Required,
		Available: s.Available,
	}
}

// InvalidRequestError reports a role in a request with count < 1, or an
// empty role name. Every role must request at least one entity; this is
// never retried, since retrying a malformed request cannot help.
type InvalidRequestError struct {
	Role  string
	Count int
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: role %q count %d", e.Role, e.Count)
}

func (e *InvalidRequestError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// NewInvalidRequest builds the error for a zero/negative count or empty
// role name in a requested_roles map.
func NewInvalidRequest(role string, count int) error {
	return &InvalidRequestError{Role: role, Count: count}
}

// StoreUnavailableError wraps a lower-level store failure (connectivity,
// serialization conflicts). The store adapters return it on the first
// failure of an operation; they do not retry before returning it.
type StoreUnavailableError struct {
	Op    string
	Cause error
}

func (e *StoreUnavailableError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("store unavailable: %v", e.Cause)
	}
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Cause)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Cause }

func (e *StoreUnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// NewStoreUnavailable wraps a transport/serialization error from the
// directory store, tagging it with the operation that failed.
func NewStoreUnavailable(op string, cause error) error {
	return &StoreUnavailableError{Op: op, Cause: cause}
}

// Shortage describes a single role that came up short during one attempt.
// It is returned internally between the selector and the coordinator and
// must never be returned to a caller of Coordinator.Acquire directly —
// it either triggers a retry or gets folded into AcquisitionTimedOutError.
type Shortage struct {
	Role      string
	Required  int
	Available int
}

func (s *Shortage) Error() string {
	return fmt.Sprintf("role %q: needed %d, only %d available", s.Role, s.Required, s.Available)
}

func (s *Shortage) Is(target error) bool {
	return target == errShortage
}

// NewShortage builds the internal shortage error for one role.
func NewShortage(role string, required, available int) error {
	return &Shortage{Role: role, Required: required, Available: available}
}

// IsShortage reports whether err (or anything it wraps) is a Shortage, and
// returns it for inspection.
func IsShortage(err error) (*Shortage, bool) {
	var s *Shortage
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

// Trace re-exports juju/errors.Trace so every layer annotates the call
// stack the same way on the way back up, without every file importing
// juju/errors directly.
func Trace(err error) error {
	return jujuerrors.Trace(err)
}

// Annotatef re-exports juju/errors.Annotatef for adding context at a layer
// boundary while preserving the original error for errors.Is/As.
func Annotatef(err error, format string, args ...interface{}) error {
	return jujuerrors.Annotatef(err, format, args...)
}
