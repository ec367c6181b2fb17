package router

import "errors"

var (
	ErrEmptyRoom         = errors.New("room name cannot be empty")
	ErrEmptyConnectionID = errors.New("connection id cannot be empty")
)
