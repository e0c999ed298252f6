// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"errors"

	"github.com/bassosimone/errclass"
)

// ErrClassifier classifies errors into categorical strings for analysis.
//
// Implementations map errors to short, descriptive labels (e.g., "ETIMEDOUT",
// "ECONNRESET") that end up in the errClass field of *Done log events.
type ErrClassifier interface {
	Classify(err error) string
}

// ErrClassifierFunc adapts a function to the [ErrClassifier] interface.
//
// This allows using simple functions as classifiers:
//
//	cfg.ErrClassifier = ErrClassifierFunc(errclass.New)
type ErrClassifierFunc func(error) string

var _ ErrClassifier = ErrClassifierFunc(nil)

// Classify implements [ErrClassifier].
func (f ErrClassifierFunc) Classify(err error) string {
	return f(err)
}

// DefaultErrClassifier classifies using [errclass.New].
//
// It returns an empty string for nil and [errclass.ETIMEDOUT] for [ErrTimeout],
// which wraps a deadline error that errclass would otherwise see only through
// the cause (if any).
var DefaultErrClassifier = ErrClassifierFunc(func(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return errclass.ETIMEDOUT
	default:
		return errclass.New(err)
	}
})
