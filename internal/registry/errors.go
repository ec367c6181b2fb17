package registry

import "errors"

var (
	ErrNilConnection     = errors.New("connection cannot be nil")
	ErrEmptyConnectionID = errors.New("connection id cannot be empty")
)
