// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package failure defines the closed set of failure kinds produced
// by tracebag operations, the record used to persist a captured
// failure inside a container, and the mapping from failures to
// process exit codes.
package failure

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
)

// Kind classifies a failure.
type Kind int

const (
	// None indicates the absence of a failure.
	None Kind = iota
	// Unknown is any failure not otherwise classified.
	Unknown
	// Format indicates that container contents could not be decoded,
	// or that a size invariant was violated after a write.
	Format
	// Layout indicates an out-of-order write into a scratch store.
	Layout
	// Stale indicates access to a record log after its container
	// was rewritten.
	Stale
	// Closed indicates an operation on a closed sector or container.
	Closed
	// DeadlineExceeded indicates that protected work ran out of time.
	DeadlineExceeded
	// Interrupted indicates an external interrupt.
	Interrupted
	// MissingData indicates that a parser or matcher lacked data it
	// requires.
	MissingData

	maxKind
)

var kindNames = [...]string{
	None:             "none",
	Unknown:          "unknown",
	Format:           "format-error",
	Layout:           "layout-violation",
	Stale:            "stale-view",
	Closed:           "io-closed",
	DeadlineExceeded: "deadline-exceeded",
	Interrupted:      "interrupted",
	MissingData:      "missing-required-data",
}

// String returns the kind's name as recorded in container metadata.
func (k Kind) String() string {
	if k < 0 || k >= maxKind {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind returns the kind with the given name.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return Kind(k), nil
		}
	}
	return Unknown, errors.E(errors.Invalid, fmt.Sprintf("unknown failure kind %q", name))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unrecognized
// names decode as Unknown.
func (k *Kind) UnmarshalText(text []byte) error {
	kind, err := ParseKind(string(text))
	if err != nil {
		kind = Unknown
	}
	*k = kind
	return nil
}

// Kinder is implemented by errors that carry their own failure kind.
type Kinder interface {
	FailureKind() Kind
}

// Classify returns the kind of the provided error. Classify walks
// the error's cause chain; the first error that determines a kind
// wins.
func Classify(err error) Kind {
	if err == nil {
		return None
	}
	for err != nil {
		switch e := err.(type) {
		case Kinder:
			return e.FailureKind()
		case *errors.Error:
			switch e.Kind {
			case errors.Timeout:
				return DeadlineExceeded
			case errors.Canceled:
				return Interrupted
			case errors.Integrity:
				return Format
			case errors.Unavailable:
				return Stale
			case errors.NotExist:
				return MissingData
			}
			err = e.Err
			continue
		}
		switch err {
		case context.DeadlineExceeded:
			return DeadlineExceeded
		case context.Canceled:
			return Interrupted
		}
		err = stderrors.Unwrap(err)
	}
	return Unknown
}

// Benign tells whether a failure of kind k must not count as a
// completed attempt: deadlines and interrupts.
func (k Kind) Benign() bool {
	return k == DeadlineExceeded || k == Interrupted
}

// Exit codes returned by single compile and extract invocations.
const (
	ExitOK          = 0
	ExitUnknown     = 1
	ExitMissingData = 3
	ExitFormat      = 4
	ExitInternal    = 70
	ExitDeadline    = 124
	ExitInterrupted = 130
)

// ExitCode returns the process exit status for a failure kind.
func ExitCode(k Kind) int {
	switch k {
	case None:
		return ExitOK
	case MissingData:
		return ExitMissingData
	case Format:
		return ExitFormat
	case Layout, Stale, Closed:
		return ExitInternal
	case DeadlineExceeded:
		return ExitDeadline
	case Interrupted:
		return ExitInterrupted
	default:
		return ExitUnknown
	}
}

// A Record is the persisted, traceback-like form of a captured
// failure.
type Record struct {
	Kind    Kind     `json:"kind" yaml:"kind"`
	Message string   `json:"message" yaml:"message"`
	Trace   []string `json:"trace,omitempty" yaml:"trace,omitempty"`
}

// Capture returns the record for err, or nil if err is nil. The
// trace contains the messages of err's cause chain followed by the
// lines of stack, if any.
func Capture(err error, stack []byte) *Record {
	if err == nil {
		return nil
	}
	rec := &Record{Kind: Classify(err), Message: err.Error()}
	for cause := next(err); cause != nil; cause = next(cause) {
		rec.Trace = append(rec.Trace, cause.Error())
	}
	for _, line := range strings.Split(strings.TrimSpace(string(stack)), "\n") {
		if line != "" {
			rec.Trace = append(rec.Trace, line)
		}
	}
	return rec
}

func next(err error) error {
	if e, ok := err.(*errors.Error); ok {
		return e.Err
	}
	return stderrors.Unwrap(err)
}

// Error implements error, so that a recovered record may be returned
// to callers.
func (r *Record) Error() string {
	return fmt.Sprintf("%s: %s", r.Kind, r.Message)
}

// FailureKind implements Kinder.
func (r *Record) FailureKind() Kind {
	return r.Kind
}
