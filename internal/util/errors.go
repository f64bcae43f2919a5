// Package util holds small helpers shared across rtckit packages.
package util

import (
	"errors"
	"strings"
)

// FlattenErrs combines multiple errors into one. Nil entries are discarded;
// a nil result means no error occurred.
func FlattenErrs(errs []error) error {
	flat := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			flat = append(flat, err)
		}
	}
	if len(flat) == 0 {
		return nil
	}
	return aggregateError(flat)
}

type aggregateError []error

func (ae aggregateError) Error() string {
	msgs := make([]string, len(ae))
	for i, err := range ae {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "\n")
}

// Is reports whether any aggregated error matches target, so errors.Is keeps
// working on the combined error.
func (ae aggregateError) Is(target error) bool {
	for _, err := range ae {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
