package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/stagehand/core"
	"github.com/poiesic/stagehand/metrics"
	"github.com/poiesic/stagehand/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	tasks []Task
}

func (r *recorder) add(t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
}

func (r *recorder) items() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.tasks))
	for i, t := range r.tasks {
		ids[i] = t.ItemID
	}
	return ids
}

func startQueue(t *testing.T, handler Handler, opts ...Option) (*Queue, context.CancelFunc) {
	t.Helper()
	q, err := New(handler, opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, q.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		q.Release()
	})
	return q, cancel
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.WaitIdle(ctx))
}

func task(item string, p core.Priority) Task {
	return Task{ItemID: item, Stage: "parse", Priority: p}
}

func TestQueue_FIFOWithinLane(t *testing.T) {
	rec := &recorder{}
	q, err := New(func(ctx context.Context, t Task) error {
		rec.add(t)
		return nil
	}, WithPoolSize(core.PriorityNormal, 1))
	require.NoError(t, err)

	for i := range 5 {
		require.NoError(t, q.Enqueue(task(fmt.Sprintf("doc-%d", i), core.PriorityNormal)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	waitIdle(t, q)

	assert.Equal(t, []string{"doc-0", "doc-1", "doc-2", "doc-3", "doc-4"}, rec.items())
	cancel()
}

func TestQueue_StrictPriority(t *testing.T) {
	rec := &recorder{}
	release := make(chan struct{})
	q, err := New(func(ctx context.Context, t Task) error {
		rec.add(t)
		if t.Priority == core.PriorityHigh {
			<-release
		}
		return nil
	}, WithPoolSize(core.PriorityHigh, 1), WithPoolSize(core.PriorityLow, 1))
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(task("low-1", core.PriorityLow)))
	require.NoError(t, q.Enqueue(task("high-1", core.PriorityHigh)))
	require.NoError(t, q.Enqueue(task("high-2", core.PriorityHigh)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	// high-1 occupies the only high worker, high-2 waits and holds back low
	require.Eventually(t, func() bool { return len(rec.items()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"high-1"}, rec.items())

	close(release)
	waitIdle(t, q)
	assert.Equal(t, []string{"high-1", "high-2", "low-1"}, rec.items())
	cancel()
}

func TestQueue_EnqueueAfter(t *testing.T) {
	rec := &recorder{}
	q, _ := startQueue(t, func(ctx context.Context, t Task) error {
		rec.add(t)
		return nil
	})

	start := time.Now()
	require.NoError(t, q.EnqueueAfter(task("later", core.PriorityNormal), 100*time.Millisecond))
	require.NoError(t, q.Enqueue(task("now", core.PriorityNormal)))

	stats := q.Stats()
	assert.Equal(t, 1, stats[core.PriorityNormal].Delayed)

	waitIdle(t, q)
	assert.Equal(t, []string{"now", "later"}, rec.items())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestQueue_PausesLaneOnStoreOutage(t *testing.T) {
	m := metrics.New()
	rec := &recorder{}
	var mu sync.Mutex
	failures := 1
	q, _ := startQueue(t, func(ctx context.Context, t Task) error {
		rec.add(t)
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return fmt.Errorf("load item: %w", storage.ErrStoreUnavailable)
		}
		return nil
	}, WithPauseFor(150*time.Millisecond), WithMetrics(m), WithPoolSize(core.PriorityNormal, 1))

	require.NoError(t, q.Enqueue(task("doc-1", core.PriorityNormal)))
	require.NoError(t, q.Enqueue(task("doc-2", core.PriorityNormal)))

	require.Eventually(t, func() bool { return q.Stats()[core.PriorityNormal].Paused }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"doc-1"}, rec.items(), "nothing dispatched while paused")

	waitIdle(t, q)
	assert.Equal(t, []string{"doc-1", "doc-1", "doc-2"}, rec.items(), "failed task requeued at the head")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LanePaused.WithLabelValues("normal")))
}

func TestQueue_PausedLaneDoesNotBlockLowerLanes(t *testing.T) {
	rec := &recorder{}
	var once sync.Once
	q, _ := startQueue(t, func(ctx context.Context, t Task) error {
		rec.add(t)
		var err error
		if t.Priority == core.PriorityHigh {
			once.Do(func() { err = storage.ErrStoreUnavailable })
		}
		return err
	}, WithPauseFor(200*time.Millisecond))

	require.NoError(t, q.Enqueue(task("high-1", core.PriorityHigh)))
	require.Eventually(t, func() bool { return q.Stats()[core.PriorityHigh].Paused }, time.Second, 5*time.Millisecond)
	require.NoError(t, q.Enqueue(task("low-1", core.PriorityLow)))

	require.Eventually(t, func() bool { return len(rec.items()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"high-1", "low-1"}, rec.items())
	waitIdle(t, q)
}

func TestQueue_OtherErrorsRetryLater(t *testing.T) {
	rec := &recorder{}
	var once sync.Once
	q, _ := startQueue(t, func(ctx context.Context, t Task) error {
		rec.add(t)
		var err error
		once.Do(func() { err = errors.New("corrupt record") })
		return err
	}, WithRetryDelay(20*time.Millisecond))

	require.NoError(t, q.Enqueue(task("doc-1", core.PriorityLow)))
	waitIdle(t, q)
	assert.Equal(t, []string{"doc-1", "doc-1"}, rec.items())
}

func TestQueue_HandlerPanicDoesNotKillWorker(t *testing.T) {
	rec := &recorder{}
	var once sync.Once
	q, _ := startQueue(t, func(ctx context.Context, t Task) error {
		rec.add(t)
		once.Do(func() { panic("boom") })
		return nil
	}, WithRetryDelay(10*time.Millisecond), WithPoolSize(core.PriorityNormal, 1))

	require.NoError(t, q.Enqueue(task("doc-1", core.PriorityNormal)))
	waitIdle(t, q)
	assert.Equal(t, []string{"doc-1", "doc-1"}, rec.items())
}

func TestQueue_Validation(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrHandlerRequired)

	q, err := New(func(context.Context, Task) error { return nil })
	require.NoError(t, err)

	assert.ErrorIs(t, q.Enqueue(Task{Stage: "parse"}), ErrInvalidTask)
	assert.ErrorIs(t, q.Enqueue(Task{ItemID: "doc-1", Stage: "parse", Priority: core.Priority(9)}), ErrInvalidTask)
	assert.ErrorIs(t, q.Enqueue(Task{ItemID: "doc-1", Stage: "ocr", Kind: KindPoll}), ErrInvalidTask)

	q.Release()
	assert.ErrorIs(t, q.Enqueue(task("doc-1", core.PriorityNormal)), ErrQueueClosed)
	assert.ErrorIs(t, q.Run(context.Background()), ErrQueueClosed)

	_, err = New(func(context.Context, Task) error { return nil }, WithPoolSize(core.PriorityHigh, 0))
	assert.Error(t, err)
}

func TestQueue_Stats(t *testing.T) {
	q, err := New(func(context.Context, Task) error { return nil }, WithPoolSize(core.PriorityHigh, 2))
	require.NoError(t, err)
	defer q.Release()

	require.NoError(t, q.Enqueue(task("a", core.PriorityHigh)))
	require.NoError(t, q.EnqueueAfter(task("b", core.PriorityLow), time.Minute))

	stats := q.Stats()
	require.Len(t, stats, 3)
	assert.Equal(t, LaneStats{Lane: "high", Ready: 1, Capacity: 2}, stats[0])
	assert.Equal(t, LaneStats{Lane: "normal", Capacity: DefaultNormalWorkers}, stats[1])
	assert.Equal(t, LaneStats{Lane: "low", Delayed: 1, Capacity: DefaultLowWorkers}, stats[2])
}
