package models

import "errors"

// Business errors. These are precondition violations: reported immediately,
// never retried.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrUnknownReference  = errors.New("unknown reference")
)
