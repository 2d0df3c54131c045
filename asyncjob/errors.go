package asyncjob

import "errors"

var (
	ErrJobNotFound   = errors.New("async job not found")
	ErrJobSuperseded = errors.New("async job superseded by a newer submission")
	ErrJobFinished   = errors.New("async job already finished")
	ErrJobTimedOut   = errors.New("async job timed out")
	ErrEmptyHandle   = errors.New("provider returned an empty job handle")
	ErrStoreRequired = errors.New("state store is required")
)
