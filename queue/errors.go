package queue

import "errors"

var (
	ErrHandlerRequired = errors.New("task handler is required")
	ErrQueueClosed     = errors.New("queue closed")
	ErrAlreadyRunning  = errors.New("queue dispatcher already running")
	ErrInvalidTask     = errors.New("invalid task")
)
