package orchestrator

import "errors"

var (
	ErrItemExists        = errors.New("work item already exists")
	ErrItemNotFound      = errors.New("work item not found")
	ErrNotRestartable    = errors.New("only aborted or failed items can be restarted")
	ErrUnknownType       = errors.New("unknown item type")
	ErrStoreRequired     = errors.New("state store is required")
	ErrSchedulerRequired = errors.New("scheduler is required")
	ErrRegistryRequired  = errors.New("stage registry is required")
)
