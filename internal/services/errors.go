package services

import (
	"errors"
)

// Common errors
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrOperationPanicked = errors.New("operation panicked")
)
