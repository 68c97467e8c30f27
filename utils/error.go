package utils

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrorRecordNotFound = errors.New("record not found")

// Chain-layer sentinels. These are recorded on the anchor request and never
// surfaced as failures of the domain operation that triggered anchoring.
var (
	ErrorChainUnavailable = errors.New("chain node unavailable")
	ErrorChainTimeout     = errors.New("chain receipt timeout")
	ErrorChainReverted    = errors.New("chain transaction reverted")
)

// ValidationError is a caller-fault input error; it is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// InvalidTransitionError reports a contract status change outside the
// transition table.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot change status from %s to %s", e.From, e.To)
}

// InsufficientVolumeError carries the volume still allocatable so callers can
// render a specific message ("only 42.0 MT remaining on contract C-001").
type InsufficientVolumeError struct {
	ContractCode string
	Available    decimal.Decimal
}

func (e *InsufficientVolumeError) Error() string {
	return fmt.Sprintf("only %s MT remaining on contract %s", e.Available.String(), e.ContractCode)
}

// PermissionDeniedError names the missing capability for diagnostics only;
// control flow never branches on it.
type PermissionDeniedError struct {
	Missing string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: missing capability %s", e.Missing)
}

// HasDependentsError blocks deletion of a record that other records point at.
type HasDependentsError struct {
	Dependent string
}

func (e *HasDependentsError) Error() string {
	return fmt.Sprintf("cannot delete: record has existing %s", e.Dependent)
}

// AlreadyLockedError is returned for any metadata write after the one-way lock.
type AlreadyLockedError struct {
	LockedAt time.Time
}

func (e *AlreadyLockedError) Error() string {
	return fmt.Sprintf("metadata locked at %s; no further writes permitted", e.LockedAt.Format(time.RFC3339))
}

// IncompleteMetadataError lists the required fields still missing before lock.
type IncompleteMetadataError struct {
	Missing []string
}

func (e *IncompleteMetadataError) Error() string {
	return "metadata incomplete, missing: " + strings.Join(e.Missing, ", ")
}

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
