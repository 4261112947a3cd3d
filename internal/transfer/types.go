// Package transfer implements the parallel object transfer engine: transfer
// units, the bounded executor that runs them, and the batch coordinator that
// drives a whole copy request to completion.
package transfer

import (
	"errors"
	"fmt"
	"time"
)

// Status is the terminal outcome of a transfer unit.
type Status int

const (
	StatusOK Status = iota
	StatusSkipped
	StatusError
)

// String returns the status name used in logs and metrics.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusSkipped:
		return "skipped"
	default:
		return "error"
	}
}

// ManifestResult returns the status token written to the manifest Result
// column.
func (s Status) ManifestResult() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusSkipped:
		return "skip"
	default:
		return "error"
	}
}

// ByteRange is a half-open [Start, End) interval within the source object.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes in the range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start
}

// Unit is the smallest schedulable piece of copy work. Units are immutable
// after construction; results are reported out of band.
type Unit struct {
	Source      string
	Destination string

	// Range restricts the copy to a byte sub-range; nil means whole object.
	Range *ByteRange

	// ExpectedSize is the source size when known in advance; -1 otherwise.
	ExpectedSize int64

	// ContentMD5 is the source digest (lowercase hex) when known; used for
	// skip decisions and post-transfer verification.
	ContentMD5 string

	// PartCount is the number of sibling range parts the source was split
	// into. Zero or one means the unit stands alone; greater than one means
	// this unit is one part of a split pair whose manifest row is written
	// only after every part has finished.
	PartCount int

	// Metadata carries destination-side properties supplied by the caller.
	// Never mutated by the engine.
	Metadata map[string]string
}

// NewUnit builds a whole-object unit with an unknown size.
func NewUnit(source, destination string) (Unit, error) {
	u := Unit{
		Source:       source,
		Destination:  destination,
		ExpectedSize: -1,
	}
	if err := u.validate(); err != nil {
		return Unit{}, err
	}
	return u, nil
}

func (u Unit) validate() error {
	if u.Source == "" {
		return errors.New("transfer unit has empty source")
	}
	if u.Destination == "" {
		return errors.New("transfer unit has empty destination")
	}
	if u.Range != nil {
		if u.Range.Start < 0 || u.Range.End <= u.Range.Start {
			return fmt.Errorf("transfer unit has invalid range [%d,%d)", u.Range.Start, u.Range.End)
		}
	}
	return nil
}

// Key returns the unit's identity. Two units with the same key must never
// execute concurrently.
func (u Unit) Key() string {
	if u.Range == nil {
		return u.Source + "\x00" + u.Destination
	}
	return fmt.Sprintf("%s\x00%s\x00%d-%d", u.Source, u.Destination, u.Range.Start, u.Range.End)
}

// Pair identifies a transfer by its source and destination locators,
// ignoring any byte range. Resume filtering operates on pairs.
type Pair struct {
	Source      string
	Destination string
}

// Pair returns the unit's pair identity.
func (u Unit) Pair() Pair {
	return Pair{Source: u.Source, Destination: u.Destination}
}

// Result is the terminal outcome of executing one unit. Created exactly once
// by the worker that ran the unit; immutable afterwards.
type Result struct {
	Unit   Unit
	Status Status

	// BytesTransferred is the number of bytes actually moved; may be less
	// than ExpectedSize on partial failure.
	BytesTransferred int64

	// MD5 is the digest of the streamed bytes (lowercase hex), when computed.
	MD5 string

	StartedAt  time.Time
	FinishedAt time.Time

	// Attempts counts execution attempts, including the successful one.
	Attempts int

	// Description is the human-readable detail written to the manifest
	// (retry count, skip reason, error detail).
	Description string

	// Err holds the failure when Status is StatusError.
	Err error
}

// Failed reports whether the result is a terminal error.
func (r Result) Failed() bool {
	return r.Status == StatusError
}
