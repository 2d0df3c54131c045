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

package storage

import "errors"

var (
	// ErrNotFound indicates that the requested key does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStoreUnavailable indicates the backing store is closed or unreachable.
	// It is an infrastructure fault, never a stage failure.
	ErrStoreUnavailable = errors.New("state store unavailable")

	// ErrDuplicateKey indicates a create found an existing record.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrLockHeld indicates another holder owns the lock.
	ErrLockHeld = errors.New("lock held")

	// ErrNoChange is returned by an UpdateFunc to leave the value untouched.
	ErrNoChange = errors.New("no change")

	// ErrSerializationFailed indicates a serialization/deserialization failure.
	ErrSerializationFailed = errors.New("serialization failed")

	// ErrTruncatedData indicates that data was truncated during reading.
	ErrTruncatedData = errors.New("truncated data")

	// ErrInvalidTTL indicates a negative TTL.
	ErrInvalidTTL = errors.New("invalid ttl")
)
