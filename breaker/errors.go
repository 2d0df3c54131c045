package breaker

import "errors"

var (
	// ErrStoreRequired is returned when no state store is given.
	ErrStoreRequired = errors.New("state store is required")
)
