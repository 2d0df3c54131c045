package stage

import "errors"

var (
	ErrUnknownStage     = errors.New("stage not registered")
	ErrDuplicateStage   = errors.New("stage already registered")
	ErrNoLogic          = errors.New("stage needs exactly one of logic or provider")
	ErrBreakerOpen      = errors.New("circuit breaker open")
	ErrStageLocked      = errors.New("stage is being executed by another worker")
	ErrMissingInput     = errors.New("upstream payload missing")
	ErrStagePanic       = errors.New("stage panicked")
	ErrStoreRequired    = errors.New("state store is required")
	ErrRegistryRequired = errors.New("stage registry is required")
	ErrNotAsync         = errors.New("stage has no async provider")
)
