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

// Package storage provides the state store abstraction for stagehand.
//
// All shared mutable pipeline state lives behind the StateStore interface and
// is changed only through its atomic primitives: TTL writes, increments,
// token-checked locks and read-modify-write updates. No component keeps
// cross-worker state in process memory.
//
// # Key Space
//
// Keys are namespaced by prefix (see keys.go). Breaker records, cache
// entries, locks, items, batches, async jobs, counters and payloads never
// share a prefix, so no two subsystems can collide.
//
// # Failure Semantics
//
// A backend that is closed or unreachable fails every operation with an
// error wrapping ErrStoreUnavailable. An absent key is reported as
// ErrNotFound. Callers must never treat the former as the latter.
//
// # Usage
//
// Open a persistent store:
//
//	store, err := badger.OpenStore("/path/to/db", false)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
// Use in tests with in-memory storage:
//
//	store, err := badger.NewMemoryStore()
//
// # Serialization
//
// Records are encoded with mus-go. Large payloads are split into chunks
// (see payload.go) and read back as a stream.
package storage
