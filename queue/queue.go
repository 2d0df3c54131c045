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

// Package queue dispatches tasks to one bounded worker pool per priority
// lane.
//
// Lanes are served in strict priority order: a lower lane only receives
// work while every higher lane that is not paused has an empty ready list.
// Within a lane tasks run in FIFO order. Delayed tasks wait in a min-heap
// until their ready time and then join the tail of their lane.
package queue

import (
	"container/heap"
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/stagehand/core"
	"github.com/poiesic/stagehand/metrics"
	"github.com/poiesic/stagehand/storage"
)

const (
	DefaultHighWorkers   = 4
	DefaultNormalWorkers = 8
	DefaultLowWorkers    = 4
	DefaultPauseFor      = 5 * time.Second
	DefaultRetryDelay    = 5 * time.Second
)

// Handler processes one task. An error wrapping storage.ErrStoreUnavailable
// pauses the task's lane and puts the task back at the head of the lane.
type Handler func(ctx context.Context, t Task) error

type lane struct {
	priority    core.Priority
	size        int
	pool        *ants.Pool
	ready       *list.List
	delayed     delayHeap
	running     int
	pausedUntil time.Time
}

// antsLoggerAdapter adapts slog.Logger to the ants.Logger interface.
type antsLoggerAdapter struct {
	logger *slog.Logger
}

var _ ants.Logger = (*antsLoggerAdapter)(nil)

func (a *antsLoggerAdapter) Printf(format string, args ...any) {
	a.logger.Warn(fmt.Sprintf(format, args...))
}

// Queue is a multi-lane dispatcher.
type Queue struct {
	handler    Handler
	pauseFor   time.Duration
	retryDelay time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu      sync.Mutex
	lanes   []*lane // indexed by core.Priority
	seq     uint64
	running bool
	closed  bool
	wake    chan struct{}
	idle    *sync.Cond
	workers sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue) error

// WithPoolSize sets the worker count of the lane for p.
func WithPoolSize(p core.Priority, size int) Option {
	return func(q *Queue) error {
		if !p.Valid() {
			return core.ErrInvalidPriority
		}
		if size < 1 {
			return fmt.Errorf("queue: pool size for %s lane must be positive", p)
		}
		q.lanes[p].size = size
		return nil
	}
}

// WithPauseFor sets how long a lane pauses after a store outage.
func WithPauseFor(d time.Duration) Option {
	return func(q *Queue) error {
		if d <= 0 {
			return fmt.Errorf("queue: pause must be positive")
		}
		q.pauseFor = d
		return nil
	}
}

// WithRetryDelay sets when a task whose handler failed for another reason
// is tried again.
func WithRetryDelay(d time.Duration) Option {
	return func(q *Queue) error {
		if d <= 0 {
			return fmt.Errorf("queue: retry delay must be positive")
		}
		q.retryDelay = d
		return nil
	}
}

// WithMetrics records lane depth and pauses.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) error {
		q.metrics = m
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) error {
		if logger == nil {
			logger = slog.Default()
		}
		q.logger = logger
		return nil
	}
}

// New creates a Queue delivering tasks to handler.
func New(handler Handler, opts ...Option) (*Queue, error) {
	if handler == nil {
		return nil, ErrHandlerRequired
	}
	q := &Queue{
		handler:    handler,
		pauseFor:   DefaultPauseFor,
		retryDelay: DefaultRetryDelay,
		logger:     slog.Default(),
		wake:       make(chan struct{}, 1),
	}
	q.idle = sync.NewCond(&q.mu)
	sizes := map[core.Priority]int{
		core.PriorityHigh:   DefaultHighWorkers,
		core.PriorityNormal: DefaultNormalWorkers,
		core.PriorityLow:    DefaultLowWorkers,
	}
	for _, p := range core.Priorities {
		q.lanes = append(q.lanes, &lane{priority: p, size: sizes[p], ready: list.New()})
	}
	for _, opt := range opts {
		if err := opt(q); err != nil {
			return nil, err
		}
	}
	q.logger = q.logger.With("component", "queue")

	for _, l := range q.lanes {
		pool, err := ants.NewPool(l.size, ants.WithLogger(&antsLoggerAdapter{logger: q.logger.With("lane", l.priority.String())}))
		if err != nil {
			q.Release()
			return nil, err
		}
		l.pool = pool
	}
	return q, nil
}

// Enqueue adds t to the tail of its lane.
func (q *Queue) Enqueue(t Task) error {
	return q.EnqueueAfter(t, 0)
}

// EnqueueAfter makes t ready after d. A non-positive d is Enqueue.
func (q *Queue) EnqueueAfter(t Task, d time.Duration) error {
	if err := t.validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	l := q.lanes[t.Priority]
	if d <= 0 {
		l.ready.PushBack(t)
	} else {
		q.seq++
		heap.Push(&l.delayed, delayed{task: t, readyAt: time.Now().Add(d), seq: q.seq})
	}
	q.signal()
	return nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run dispatches tasks until ctx is done, then waits for running tasks to
// return. Handlers receive ctx.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return ErrAlreadyRunning
	}
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.running = true
	q.mu.Unlock()

	q.logger.Info("dispatcher started")
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next := q.dispatch(ctx)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)

		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.running = false
			q.mu.Unlock()
			q.workers.Wait()
			q.logger.Info("dispatcher stopped")
			return nil
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// dispatch promotes due tasks and hands ready tasks to free workers. It
// returns how long the dispatcher may sleep before something becomes due.
func (q *Queue) dispatch(ctx context.Context) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	wait := time.Hour
	blocked := false
	for _, l := range q.lanes {
		for l.delayed.Len() > 0 && !l.delayed[0].readyAt.After(now) {
			l.ready.PushBack(heap.Pop(&l.delayed).(delayed).task)
		}
		if l.delayed.Len() > 0 {
			wait = min(wait, l.delayed[0].readyAt.Sub(now))
		}

		if now.Before(l.pausedUntil) {
			wait = min(wait, l.pausedUntil.Sub(now))
		} else if !blocked {
			for l.ready.Len() > 0 && l.running < l.size {
				t := l.ready.Remove(l.ready.Front()).(Task)
				q.start(ctx, l, t)
			}
			// strict priority: waiting work here holds back lower lanes
			blocked = l.ready.Len() > 0
		}
		q.metrics.LaneDepth(l.priority.String(), l.ready.Len()+l.delayed.Len(), l.running)
	}
	return max(wait, time.Millisecond)
}

// start runs t on the lane's pool. Called with q.mu held.
func (q *Queue) start(ctx context.Context, l *lane, t Task) {
	l.running++
	q.workers.Add(1)
	err := l.pool.Submit(func() {
		defer q.workers.Done()
		var err error
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("task handler panicked: %v", p)
			}
			q.finish(ctx, l, t, err)
		}()
		err = q.handler(ctx, t)
	})
	if err != nil {
		// the pool is released; keep the task for a later run
		l.running--
		q.workers.Done()
		l.ready.PushFront(t)
		q.logger.Error("failed to submit task to pool", "task", t.String(), "err", err)
	}
}

func (q *Queue) finish(ctx context.Context, l *lane, t Task, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l.running--

	switch {
	case err == nil:
	case errors.Is(err, storage.ErrStoreUnavailable):
		l.pausedUntil = time.Now().Add(q.pauseFor)
		l.ready.PushFront(t)
		q.metrics.LanePause(l.priority.String())
		q.logger.Error("state store unavailable, pausing lane", "lane", l.priority.String(), "pause", q.pauseFor, "task", t.String(), "err", err)
	case ctx.Err() != nil:
		// shutdown; the task is recovered by resumption on the next start
		q.logger.Debug("task interrupted by shutdown", "task", t.String(), "err", err)
	default:
		q.seq++
		heap.Push(&l.delayed, delayed{task: t, readyAt: time.Now().Add(q.retryDelay), seq: q.seq})
		q.logger.Error("task handler failed, retrying later", "task", t.String(), "retry_in", q.retryDelay, "err", err)
	}
	q.signal()
	q.idle.Broadcast()
}

// LaneStats is a snapshot of one lane.
type LaneStats struct {
	Lane     string `json:"lane"`
	Ready    int    `json:"ready"`
	Delayed  int    `json:"delayed"`
	Running  int    `json:"running"`
	Capacity int    `json:"capacity"`
	Paused   bool   `json:"paused"`
}

// Stats returns a snapshot of every lane, highest priority first.
func (q *Queue) Stats() []LaneStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	stats := make([]LaneStats, 0, len(q.lanes))
	for _, l := range q.lanes {
		stats = append(stats, LaneStats{
			Lane:     l.priority.String(),
			Ready:    l.ready.Len(),
			Delayed:  l.delayed.Len(),
			Running:  l.running,
			Capacity: l.size,
			Paused:   now.Before(l.pausedUntil),
		})
	}
	return stats
}

// WaitIdle blocks until no task is ready, delayed or running, or ctx is
// done.
func (q *Queue) WaitIdle(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.idle.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.isIdle() {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.idle.Wait()
	}
	return nil
}

func (q *Queue) isIdle() bool {
	for _, l := range q.lanes {
		if l.ready.Len() > 0 || l.delayed.Len() > 0 || l.running > 0 {
			return false
		}
	}
	return true
}

// Release stops accepting tasks and frees the worker pools. Call it after
// Run has returned.
func (q *Queue) Release() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	for _, l := range q.lanes {
		if l.pool != nil {
			l.pool.Release()
		}
	}
}
