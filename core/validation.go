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
	"fmt"
	"strings"
)

// maxIDLength bounds item and batch identifiers, which end up inside store keys.
const maxIDLength = 256

// ValidateWorkItem validates a WorkItem according to domain rules.
//
// Validation rules:
//   - ID must be a valid identifier
//   - Stages must be a valid stage sequence
//   - Priority must name a lane
//   - Status must be known
//   - Current must lie in [-1, len(Stages)]
func ValidateWorkItem(item *WorkItem) error {
	if item == nil {
		return fmt.Errorf("%w: item is nil", ErrInvalidWorkItem)
	}

	if err := ValidateItemID(item.ID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWorkItem, err)
	}

	if err := ValidateStageSequence(item.Stages); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWorkItem, err)
	}

	if !item.Priority.Valid() {
		return fmt.Errorf("%w: %w: %d", ErrInvalidWorkItem, ErrInvalidPriority, int(item.Priority))
	}

	if !item.Status.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidWorkItem, ErrInvalidStatus, item.Status)
	}

	if item.Current < -1 || item.Current > len(item.Stages) {
		return fmt.Errorf("%w: stage index %d out of range", ErrInvalidWorkItem, item.Current)
	}

	return nil
}

// ValidateItemID checks that id is usable as a store key component.
func ValidateItemID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrEmptyItemID
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("id longer than %d bytes", maxIDLength)
	}
	if strings.ContainsAny(id, ":\x00") {
		return fmt.Errorf("id %q contains a reserved character", id)
	}
	return nil
}

// ValidateStageSequence checks that stages is non-empty with unique,
// non-blank names.
func ValidateStageSequence(stages []string) error {
	if len(stages) == 0 {
		return ErrEmptyStageSequence
	}
	seen := make(map[string]struct{}, len(stages))
	for _, name := range stages {
		if strings.TrimSpace(name) == "" {
			return ErrEmptyStageName
		}
		if strings.ContainsAny(name, ":\x00") {
			return fmt.Errorf("stage %q contains a reserved character", name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateStage, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
