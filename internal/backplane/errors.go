package backplane

import "errors"

var (
	ErrBusClosed  = errors.New("backplane is closed")
	ErrOutboxFull = errors.New("backplane outbox is full")
)
