package queue

import (
	"container/heap"
	"fmt"
	"time"

	"github.com/poiesic/stagehand/core"
)

// Kind distinguishes stage executions from async poll ticks.
type Kind int

const (
	KindStage Kind = iota
	KindPoll
)

func (k Kind) String() string {
	if k == KindPoll {
		return "poll"
	}
	return "stage"
}

// Task is one unit of dispatch: run or poll Stage for ItemID.
type Task struct {
	ItemID   string
	Stage    string
	Priority core.Priority
	Kind     Kind
	// Handle is the async job handle of a poll task.
	Handle string
}

func (t Task) String() string {
	return fmt.Sprintf("%s %s/%s@%s", t.Kind, t.ItemID, t.Stage, t.Priority)
}

func (t Task) validate() error {
	if t.ItemID == "" || t.Stage == "" {
		return fmt.Errorf("%w: item and stage are required", ErrInvalidTask)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: %w", ErrInvalidTask, core.ErrInvalidPriority)
	}
	if t.Kind == KindPoll && t.Handle == "" {
		return fmt.Errorf("%w: poll task without handle", ErrInvalidTask)
	}
	return nil
}

type delayed struct {
	task    Task
	readyAt time.Time
	seq     uint64
}

// delayHeap orders delayed tasks by ready time, then insertion order.
type delayHeap []delayed

var _ heap.Interface = (*delayHeap)(nil)

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}

func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayHeap) Push(x any) { *h = append(*h, x.(delayed)) }

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
