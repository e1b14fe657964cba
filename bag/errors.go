// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bag

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/tracebag/failure"
)

// A FormatError is returned when a container's header or one of its
// sections cannot be decoded. It carries the metadata that could be
// read, so that callers may still report on the container.
type FormatError struct {
	Path     string
	Metadata Metadata
	Err      error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("bag: %s: invalid container: %v", e.Path, e.Err)
}

// Unwrap returns the underlying decoding error.
func (e *FormatError) Unwrap() error { return e.Err }

// FailureKind implements failure.Kinder.
func (e *FormatError) FailureKind() failure.Kind { return failure.Format }

func (f *File) formatError(what string, err error) error {
	if _, ok := err.(*FormatError); ok {
		return err
	}
	return &FormatError{
		Path:     f.path,
		Metadata: f.hdr.meta.Clone(),
		Err:      errors.E(errors.Integrity, what, err),
	}
}

// IsNotSet tells whether err reports an absent section.
func IsNotSet(err error) bool {
	return errors.Is(errors.NotExist, err)
}

func (f *File) notSet(s Section) error {
	return errors.E(errors.NotExist, fmt.Sprintf("bag: %s: %s section is not set", f.path, s))
}
