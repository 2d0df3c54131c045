package batch

import "errors"

var (
	ErrEmptyBatch           = errors.New("batch has no items")
	ErrDuplicateItem        = errors.New("duplicate item id in batch")
	ErrBatchNotFound        = errors.New("batch not found")
	ErrStoreRequired        = errors.New("state store is required")
	ErrOrchestratorRequired = errors.New("orchestrator is required")
)
