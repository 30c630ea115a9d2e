package rnn

import (
	"errors"
	"fmt"
)

// ErrNoMasks is returned by Cell.Step when the dropout
// masks have not been refreshed since construction.
// Masks must be refreshed explicitly; stepping never
// samples them implicitly.
var ErrNoMasks = errors.New("dropout masks have not been refreshed")

// A ConfigError is a fatal construction-time error caused
// by an out-of-range parameter.
type ConfigError struct {
	Param  string
	Reason string
}

func (c *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", c.Param, c.Reason)
}

// A ShapeError indicates that a tensor's dimensions are
// inconsistent with the configured sizes.
type ShapeError struct {
	Op     string
	Reason string
}

func (s *ShapeError) Error() string {
	return s.Op + ": " + s.Reason
}

func shapeErr(op, format string, args ...interface{}) error {
	return &ShapeError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// An UnsupportedInputError indicates that an input is not
// in packed form.
// The caller must pack the input; no implicit conversion
// is attempted.
type UnsupportedInputError struct {
	Reason string
}

func (u *UnsupportedInputError) Error() string {
	return "unsupported input: " + u.Reason
}

func unsupportedErr(format string, args ...interface{}) error {
	return &UnsupportedInputError{Reason: fmt.Sprintf(format, args...)}
}
