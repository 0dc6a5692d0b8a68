package model

import "errors"

var (
	// ErrParse is returned when a prompt is empty or carries nothing a
	// title could be built from.
	ErrParse = errors.New("parse error")
	// ErrValidation is returned when an event draft violates an invariant.
	ErrValidation = errors.New("validation error")
)
