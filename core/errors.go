// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Domain validation errors
var (
	// ErrInvalidWorkItem indicates a WorkItem failed validation.
	ErrInvalidWorkItem = errors.New("invalid work item")

	// ErrEmptyItemID indicates the item ID is blank.
	ErrEmptyItemID = errors.New("item id cannot be empty")

	// ErrEmptyStageSequence indicates an item has no stages.
	ErrEmptyStageSequence = errors.New("stage sequence cannot be empty")

	// ErrDuplicateStage indicates a stage name appears twice in a sequence.
	ErrDuplicateStage = errors.New("duplicate stage in sequence")

	// ErrEmptyStageName indicates a blank stage name.
	ErrEmptyStageName = errors.New("stage name cannot be empty")

	// ErrInvalidPriority indicates an unknown priority lane.
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrInvalidStatus indicates an unknown item status.
	ErrInvalidStatus = errors.New("invalid item status")
)

// Category names the failure class recorded on an item.
type Category string

const (
	CategoryNone               Category = ""
	CategoryValidation         Category = "validation"
	CategoryTransientIO        Category = "transient_io"
	CategoryRateLimit          Category = "rate_limit"
	CategoryResourceExhaustion Category = "resource_exhaustion"
	CategoryExternalJob        Category = "external_job"
	CategoryCanceled           Category = "canceled"
)

// ValidationError marks malformed input. It is never retried.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "validation: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// TransientIOError marks a network or I/O failure worth retrying.
type TransientIOError struct {
	Err error
}

func (e *TransientIOError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientIOError) Unwrap() error { return e.Err }

// RateLimitError marks a throttled call. RetryAfter carries the server hint,
// zero when none was given.
type RateLimitError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return "rate limited: " + e.Err.Error()
}
func (e *RateLimitError) Unwrap() error { return e.Err }

// ResourceExhaustionError marks a failure caused by the size of the work,
// such as running out of memory on an oversized input.
type ResourceExhaustionError struct {
	Err error
}

func (e *ResourceExhaustionError) Error() string { return "resource exhausted: " + e.Err.Error() }
func (e *ResourceExhaustionError) Unwrap() error { return e.Err }

// ExternalJobFailure marks an async job that failed or timed out. It is
// classified by its cause.
type ExternalJobFailure struct {
	Handle string
	Err    error
}

func (e *ExternalJobFailure) Error() string {
	return fmt.Sprintf("external job %s: %v", e.Handle, e.Err)
}
func (e *ExternalJobFailure) Unwrap() error { return e.Err }

// Validation wraps err as a ValidationError.
func Validation(err error) error { return &ValidationError{Err: err} }

// Transient wraps err as a TransientIOError.
func Transient(err error) error { return &TransientIOError{Err: err} }

// RateLimited wraps err as a RateLimitError with an optional delay hint.
func RateLimited(err error, retryAfter time.Duration) error {
	return &RateLimitError{Err: err, RetryAfter: retryAfter}
}

// Exhausted wraps err as a ResourceExhaustionError.
func Exhausted(err error) error { return &ResourceExhaustionError{Err: err} }

// ExternalFailure wraps err as an ExternalJobFailure for handle.
func ExternalFailure(handle string, err error) error {
	return &ExternalJobFailure{Handle: handle, Err: err}
}

// CategoryOf returns the failure category of err. Wrapped job failures report
// the category of their cause when it has one. Unknown errors are transient.
func CategoryOf(err error) Category {
	var (
		validation *ValidationError
		exhausted  *ResourceExhaustionError
		limited    *RateLimitError
		transient  *TransientIOError
		job        *ExternalJobFailure
	)
	switch {
	case err == nil:
		return CategoryNone
	case errors.As(err, &validation):
		return CategoryValidation
	case errors.As(err, &exhausted):
		return CategoryResourceExhaustion
	case errors.As(err, &limited):
		return CategoryRateLimit
	case errors.As(err, &transient):
		return CategoryTransientIO
	case errors.Is(err, context.Canceled):
		return CategoryCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTransientIO
	case errors.As(err, &job):
		return CategoryExternalJob
	default:
		return CategoryTransientIO
	}
}
