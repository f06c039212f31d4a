// Package skerr provides error wrapping that records the call site of the
// wrap. Use Wrap when passing an error up unchanged, Wrapf when there is
// useful context to add, and Fmt to create a new error.
package skerr

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Fmt creates a new error with a stack trace recorded at the call site.
func Fmt(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Wrap annotates err with a stack trace. Returns nil if err is nil.
func Wrap(err error) error {
	return errors.WithStack(err)
}

// Wrapf annotates err with a stack trace and a message. Returns nil if err
// is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// Unwrap returns the innermost error in err's chain, which is the original
// error before any Wrap or Wrapf calls.
func Unwrap(err error) error {
	for {
		inner := stderrors.Unwrap(err)
		if inner == nil {
			return err
		}
		err = inner
	}
}
