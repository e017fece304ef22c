package models

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrJobRunning        = errors.New("an optimization job is already running for this shop")
	ErrInvalidTransition = errors.New("invalid status transition")
)
