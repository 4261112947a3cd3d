package backend

import (
	"context"
	"errors"
	"io/fs"
	"net"

	"gocloud.dev/gcerrors"
)

// ErrRangedWrite is returned when a ranged write is attempted against a
// destination that cannot write at an offset.
var ErrRangedWrite = errors.New("backend does not support ranged writes")

// Class partitions backend errors for retry and abort decisions.
type Class int

const (
	// ClassNone marks a nil error.
	ClassNone Class = iota

	// ClassNotFound: the object or path does not exist. Permanent.
	ClassNotFound

	// ClassPermission: the caller is not allowed to touch the object. Permanent.
	ClassPermission

	// ClassTransient: timeouts, throttling, 5xx-style store errors. Retryable.
	ClassTransient

	// ClassFatal: everything else; treated as permanent.
	ClassFatal
)

// String returns the class name used in logs and metric labels.
func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassNotFound:
		return "not_found"
	case ClassPermission:
		return "permission_denied"
	case ClassTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// Classify maps an error from any backend implementation into the taxonomy.
// Context cancellation classifies as transient; the executor checks the
// context separately and never retries a canceled unit.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if errors.Is(err, fs.ErrNotExist) {
		return ClassNotFound
	}
	if errors.Is(err, fs.ErrPermission) {
		return ClassPermission
	}
	if errors.Is(err, ErrRangedWrite) {
		return ClassFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return ClassNotFound
	case gcerrors.PermissionDenied:
		return ClassPermission
	case gcerrors.ResourceExhausted, gcerrors.Internal, gcerrors.DeadlineExceeded, gcerrors.Canceled:
		return ClassTransient
	}

	return ClassFatal
}

// Retryable reports whether the executor may re-attempt a unit that failed
// with this error.
func Retryable(err error) bool {
	return Classify(err) == ClassTransient
}
