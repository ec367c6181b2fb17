package database

import "errors"

var (
	ErrJournalClosed   = errors.New("journal is closed")
	ErrWriteQueueFull  = errors.New("journal write queue is full")
	ErrInvalidEntry    = errors.New("journal entry has no id")
	ErrInvalidSnapshot = errors.New("session snapshot has no id")
)
