package types

import (
	"errors"
	"fmt"
)

// FaultKind classifies an operational error so the engine can decide
// between retry-next-tick, quarantine-for-tick, and fail-fast.
type FaultKind string

const (
	// FaultConfig is a malformed or invalid configuration document.
	// Fatal at load; the engine refuses to start until corrected.
	FaultConfig FaultKind = "config"

	// FaultState is an unreadable or corrupt state file. Fatal unless
	// the file is simply absent.
	FaultState FaultKind = "state"

	// FaultAuth is an invalid token or missing provider permission.
	// Fatal for every job needing that permission; others proceed.
	FaultAuth FaultKind = "auth"

	// FaultRecordScope means the specific record or zone cannot be
	// updated. The job is quarantined for the current tick and retried
	// on the next.
	FaultRecordScope FaultKind = "record_scope"

	// FaultTransient is a 5xx, timeout, or connection failure. State is
	// untouched and the job retries on the next tick.
	FaultTransient FaultKind = "transient"
)

// Fault is an operational error tagged with its kind
type Fault struct {
	Kind FaultKind
	Err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s fault: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// NewFault wraps err with a fault kind
func NewFault(kind FaultKind, err error) *Fault {
	return &Fault{Kind: kind, Err: err}
}

// Faultf builds a fault from a format string
func Faultf(kind FaultKind, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the fault kind from err, defaulting unclassified
// errors to transient so they are retried rather than dropped.
func KindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return FaultTransient
}

// IsRetryable reports whether the error should be retried on the next
// tick without quarantining the job.
func IsRetryable(err error) bool {
	return KindOf(err) == FaultTransient
}
