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
	"maps"
	"slices"
	"strings"
	"time"
)

// ItemStatus is the lifecycle state of a WorkItem.
type ItemStatus string

const (
	StatusPending     ItemStatus = "pending"
	StatusInProgress  ItemStatus = "in_progress"
	StatusStageFailed ItemStatus = "stage_failed"
	StatusFinalized   ItemStatus = "finalized"
	StatusAborted     ItemStatus = "aborted"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []ItemStatus{StatusPending, StatusInProgress, StatusStageFailed, StatusFinalized, StatusAborted}

// Terminal reports whether no further transitions are possible without an
// explicit restart.
func (s ItemStatus) Terminal() bool {
	return s == StatusFinalized || s == StatusAborted
}

// Valid reports whether s is a known status.
func (s ItemStatus) Valid() bool {
	return slices.Contains(AllStatuses, s)
}

// Priority selects the task queue lane. Lower values are served first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// Priorities lists every lane in dispatch order.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p names one of the three lanes.
func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// ParsePriority converts a lane name into a Priority. An empty string maps to
// PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// WorkItem is one unit of work moving through a fixed stage sequence.
type WorkItem struct {
	ID       string
	Type     string
	Stages   []string // fixed at creation
	Current  int      // -1 before start, len(Stages) once finalized
	Attempts map[string]int
	// Downshift counts resource exhaustion failures per stage; each level
	// halves the chunk size handed to the stage.
	Downshift         map[string]int
	Status            ItemStatus
	Priority          Priority
	BatchID           string
	InputKey          string // payload key of the current stage input
	LastError         string
	LastErrorCategory Category
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Stage returns the name of the stage at the current index, or "" when the
// item has not started or is finalized.
func (w *WorkItem) Stage() string {
	if w.Current < 0 || w.Current >= len(w.Stages) {
		return ""
	}
	return w.Stages[w.Current]
}

// Clone returns a deep copy of w.
func (w *WorkItem) Clone() *WorkItem {
	c := *w
	c.Stages = slices.Clone(w.Stages)
	c.Attempts = maps.Clone(w.Attempts)
	c.Downshift = maps.Clone(w.Downshift)
	return &c
}

// Outcome tags a StageResult.
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeRetryable
	OutcomePermanent
	OutcomeDeferred
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable_failure"
	case OutcomePermanent:
		return "permanent_failure"
	case OutcomeDeferred:
		return "deferred"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// StageResult is the outcome of one Stage Executor invocation.
type StageResult struct {
	ItemID   string
	Stage    string
	Outcome  Outcome
	CacheKey string
	// PayloadKey references the stored stage output. The orchestrator never
	// looks inside it.
	PayloadKey string
	// Handle is set for deferred results.
	Handle   string
	Delay    time.Duration
	Category Category
	Err      error
	// Executed is false when the attempt was rejected before any stage work
	// ran (open breaker, lock contention, shutdown) or when a poll tick found
	// the job still pending. Only executed results count as attempts.
	Executed bool
	CacheHit bool
	// Stale marks a result that no longer applies, such as a poll for a
	// superseded job.
	Stale       bool
	CompletedAt time.Time
}

// JobState is the lifecycle of an AsyncJob.
type JobState string

const (
	JobSubmitted JobState = "submitted"
	JobPolling   JobState = "polling"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobTimedOut  JobState = "timed_out"
)

// Live reports whether the job may still produce a result.
func (s JobState) Live() bool {
	return s == JobSubmitted || s == JobPolling
}

// AsyncJob tracks a deferred external operation for one (item, stage) pair.
type AsyncJob struct {
	Handle       string
	ItemID       string
	Stage        string
	Fingerprint  string
	State        JobState
	SubmittedAt  time.Time
	LastPolledAt time.Time
	PollBackoff  time.Duration
	Polls        int
	Error        string
}

// BreakerRecord is the persisted state of one circuit breaker key.
type BreakerRecord struct {
	ConsecutiveFailures int
	OpenedAt            time.Time // zero when closed
	Cooldown            time.Duration
	TrialUntil          time.Time // lease on the single post-cooldown trial
}

// Open reports whether the breaker rejects attempts at now.
func (r *BreakerRecord) Open(now time.Time) bool {
	return !r.OpenedAt.IsZero() && now.Sub(r.OpenedAt) < r.Cooldown
}

// BatchJob groups WorkItems submitted together under one priority.
type BatchJob struct {
	ID          string
	Priority    Priority
	ItemIDs     []string
	Counts      map[ItemStatus]int // filled on read
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Complete reports whether every item in the batch reached a terminal status.
func (b *BatchJob) Complete() bool {
	return !b.CompletedAt.IsZero()
}

// StageOutput is the cached record of a successful stage execution.
type StageOutput struct {
	ItemID      string
	Stage       string
	CacheKey    string
	PayloadKey  string
	CompletedAt time.Time
}
