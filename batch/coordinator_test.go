package batch_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/poiesic/stagehand/batch"
	"github.com/poiesic/stagehand/core"
	"github.com/poiesic/stagehand/events"
	"github.com/poiesic/stagehand/orchestrator"
	"github.com/poiesic/stagehand/queue"
	"github.com/poiesic/stagehand/stage"
	"github.com/poiesic/stagehand/stage/mock"
	"github.com/poiesic/stagehand/storage"
	"github.com/poiesic/stagehand/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type taskList struct {
	mu    sync.Mutex
	tasks []queue.Task
}

func (l *taskList) Enqueue(t queue.Task) error { return l.EnqueueAfter(t, 0) }

func (l *taskList) EnqueueAfter(t queue.Task, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = append(l.tasks, t)
	return nil
}

func (l *taskList) pop() (queue.Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) == 0 {
		return queue.Task{}, false
	}
	t := l.tasks[0]
	l.tasks = l.tasks[1:]
	return t, true
}

type fixture struct {
	store *badger.Store
	tasks *taskList
	exec  *stage.Executor
	orch  *orchestrator.Orchestrator
	coord *batch.Coordinator
	bus   *events.Bus
}

func setup(t *testing.T, defs ...stage.Definition) *fixture {
	t.Helper()
	store, err := badger.NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := stage.NewRegistry()
	for _, def := range defs {
		require.NoError(t, registry.Register(def))
	}
	exec, err := stage.NewExecutor(store, registry)
	require.NoError(t, err)

	f := &fixture{store: store, tasks: &taskList{}, exec: exec, bus: events.NewBus(nil)}
	f.orch, err = orchestrator.New(store, f.tasks, registry, orchestrator.WithEvents(f.bus))
	require.NoError(t, err)
	f.coord, err = batch.New(store, f.orch, batch.WithEvents(f.bus))
	require.NoError(t, err)
	f.orch.SetNotifier(f.coord)
	return f
}

// run executes queued tasks until none are left, skipping retries.
func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for task, ok := f.tasks.pop(); ok; task, ok = f.tasks.pop() {
		runnable, err := f.orch.Runnable(ctx, task)
		require.NoError(t, err)
		if !runnable {
			continue
		}
		res, err := f.exec.Execute(ctx, task.ItemID, task.Stage)
		require.NoError(t, err)
		require.NoError(t, f.orch.Advance(ctx, res))
	}
}

func specs(stages []string, ids ...string) []batch.ItemSpec {
	out := make([]batch.ItemSpec, len(ids))
	for i, id := range ids {
		out[i] = batch.ItemSpec{ItemID: id, Stages: stages, Input: strings.NewReader(id)}
	}
	return out
}

func TestCoordinator_BatchCompletes(t *testing.T) {
	bad := mock.NewMockLogic()
	bad.RunFunc = func(ctx context.Context, in stage.Input, call int) (stage.Output, error) {
		if in.ItemID == "doc-3" {
			return stage.Output{}, core.Validation(errors.New("corrupt"))
		}
		return stage.Bytes([]byte("ok")), nil
	}
	f := setup(t, stage.Definition{Name: "A", Logic: bad})
	ctx := context.Background()

	batchID, err := f.coord.SubmitBatch(ctx, specs([]string{"A"}, "doc-1", "doc-2", "doc-3"), core.PriorityLow)
	require.NoError(t, err)
	sub, unsub := f.bus.Subscribe(batchID)
	defer unsub()

	progress, err := f.coord.GetProgress(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 3, progress.Total)
	assert.Equal(t, 3, progress.Counts[core.StatusInProgress])
	assert.False(t, progress.Complete)
	assert.Equal(t, core.PriorityLow, progress.Priority)

	for _, task := range f.tasks.tasks {
		assert.Equal(t, core.PriorityLow, task.Priority)
	}

	f.run(t)

	progress, err = f.coord.GetProgress(ctx, batchID)
	require.NoError(t, err)
	assert.True(t, progress.Complete)
	assert.Equal(t, 2, progress.Counts[core.StatusFinalized])
	assert.Equal(t, 1, progress.Counts[core.StatusAborted])
	assert.Equal(t, 3, progress.Terminal)
	assert.Equal(t, 3, progress.Done())
	assert.False(t, progress.CompletedAt.IsZero())

	complete := 0
	for len(sub) > 0 {
		if e := <-sub; e.Type == events.TypeBatchComplete {
			complete++
		}
	}
	assert.Equal(t, 1, complete)
}

func TestCoordinator_CountsOnce(t *testing.T) {
	f := setup(t, stage.Definition{Name: "A", Logic: mock.NewMockLogic()})
	ctx := context.Background()

	batchID, err := f.coord.SubmitBatch(ctx, specs([]string{"A"}, "doc-1", "doc-2"), core.PriorityNormal)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.coord.ItemTerminal(ctx, batchID, "doc-1", core.StatusFinalized))
		}()
	}
	wg.Wait()

	progress, err := f.coord.GetProgress(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Terminal)
	assert.False(t, progress.Complete)
}

func TestCoordinator_SubmitValidatesAllFirst(t *testing.T) {
	f := setup(t, stage.Definition{Name: "A", Logic: mock.NewMockLogic()})
	ctx := context.Background()

	items := specs([]string{"A"}, "doc-1", "doc-2")
	items = append(items, batch.ItemSpec{ItemID: "doc-3", Stages: []string{"nope"}})
	_, err := f.coord.SubmitBatch(ctx, items, core.PriorityNormal)
	assert.ErrorIs(t, err, stage.ErrUnknownStage)

	_, err = f.coord.SubmitBatch(ctx, specs([]string{"A"}, "doc-1", "doc-1"), core.PriorityNormal)
	assert.ErrorIs(t, err, batch.ErrDuplicateItem)

	_, err = f.coord.SubmitBatch(ctx, nil, core.PriorityNormal)
	assert.ErrorIs(t, err, batch.ErrEmptyBatch)

	_, err = storage.LoadItem(ctx, f.store, "doc-1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "no item is created when the batch is rejected")
	assert.Empty(t, f.tasks.tasks)

	_, err = f.orch.Submit(ctx, orchestrator.SubmitRequest{ItemID: "doc-1", Stages: []string{"A"}})
	require.NoError(t, err)
	_, err = f.coord.SubmitBatch(ctx, specs([]string{"A"}, "doc-1", "doc-2"), core.PriorityNormal)
	assert.ErrorIs(t, err, orchestrator.ErrItemExists)
}

func TestCoordinator_FailedSubmissionSettlesRest(t *testing.T) {
	f := setup(t, stage.Definition{Name: "A", Logic: mock.NewMockLogic()})
	ctx := context.Background()

	items := specs([]string{"A"}, "doc-1", "doc-2", "doc-3")
	items[1].Input = iotest.ErrReader(errors.New("disk read failed"))

	batchID, err := f.coord.SubmitBatch(ctx, items, core.PriorityNormal)
	require.Error(t, err)
	require.NotEmpty(t, batchID, "the batch exists")

	for _, id := range []string{"doc-2", "doc-3"} {
		item, err := storage.LoadItem(ctx, f.store, id)
		require.NoError(t, err)
		assert.Equal(t, core.StatusAborted, item.Status, id)
		assert.Contains(t, item.LastError, "batch submission failed")
		assert.Contains(t, item.LastError, "disk read failed")
	}

	progress, err := f.coord.GetProgress(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 2, progress.Terminal)
	assert.Equal(t, 1, progress.Counts[core.StatusInProgress])
	assert.Zero(t, progress.Counts[core.StatusPending])
	assert.False(t, progress.Complete)

	f.run(t)

	progress, err = f.coord.GetProgress(ctx, batchID)
	require.NoError(t, err)
	assert.True(t, progress.Complete, "the batch completes without a restart")
	assert.Equal(t, 1, progress.Counts[core.StatusFinalized])
	assert.Equal(t, 2, progress.Counts[core.StatusAborted])
}

func TestCoordinator_AbortBatch(t *testing.T) {
	f := setup(t, stage.Definition{Name: "A", Logic: mock.NewMockLogic()}, stage.Definition{Name: "B", Logic: mock.NewMockLogic()})
	ctx := context.Background()

	batchID, err := f.coord.SubmitBatch(ctx, specs([]string{"A", "B"}, "doc-1", "doc-2"), core.PriorityNormal)
	require.NoError(t, err)

	n, err := f.coord.AbortBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f.run(t)

	progress, err := f.coord.GetProgress(ctx, batchID)
	require.NoError(t, err)
	assert.True(t, progress.Complete)
	assert.Equal(t, 2, progress.Counts[core.StatusAborted])

	n, err = f.coord.AbortBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.coord.AbortBatch(ctx, "missing")
	assert.ErrorIs(t, err, batch.ErrBatchNotFound)
}

func TestCoordinator_RestartReopensBatch(t *testing.T) {
	logic := mock.NewMockLogic()
	logic.RunFunc = mock.Fail(1, core.Validation(errors.New("bad")))
	f := setup(t, stage.Definition{Name: "A", Logic: logic})
	ctx := context.Background()

	batchID, err := f.coord.SubmitBatch(ctx, specs([]string{"A"}, "doc-1"), core.PriorityNormal)
	require.NoError(t, err)
	f.run(t)

	progress, err := f.coord.GetProgress(ctx, batchID)
	require.NoError(t, err)
	require.True(t, progress.Complete)

	_, err = f.orch.Restart(ctx, "doc-1")
	require.NoError(t, err)

	progress, err = f.coord.GetProgress(ctx, batchID)
	require.NoError(t, err)
	assert.False(t, progress.Complete)
	assert.Zero(t, progress.Terminal)

	f.run(t)

	progress, err = f.coord.GetProgress(ctx, batchID)
	require.NoError(t, err)
	assert.True(t, progress.Complete)
	assert.Equal(t, 1, progress.Counts[core.StatusFinalized])
	assert.Equal(t, 1, progress.Terminal)
}

func TestCoordinator_Reconcile(t *testing.T) {
	f := setup(t, stage.Definition{Name: "A", Logic: mock.NewMockLogic()})
	ctx := context.Background()

	// a batch whose notifications were lost and whose last item was never
	// created
	require.NoError(t, storage.SaveBatch(ctx, f.store, &core.BatchJob{
		ID:       "batch-1",
		Priority: core.PriorityNormal,
		ItemIDs:  []string{"doc-1", "doc-2"},
	}))
	require.NoError(t, storage.CreateItem(ctx, f.store, &core.WorkItem{
		ID: "doc-1", Stages: []string{"A"}, Current: 1, Status: core.StatusFinalized, BatchID: "batch-1",
	}))

	progress, err := f.coord.GetProgress(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Counts[core.StatusPending], "missing items stay visible")

	n, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	progress, err = f.coord.GetProgress(ctx, "batch-1")
	require.NoError(t, err)
	assert.True(t, progress.Complete)
	assert.Equal(t, 1, progress.Counts[core.StatusFinalized])
	assert.Equal(t, 1, progress.Counts[core.StatusAborted])
	assert.Equal(t, 2, progress.Terminal)

	n, err = f.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "completed batches are skipped")
}

func TestCoordinator_GetProgressUnknown(t *testing.T) {
	f := setup(t)
	_, err := f.coord.GetProgress(context.Background(), "nope")
	assert.ErrorIs(t, err, batch.ErrBatchNotFound)
}

func TestNew_Validation(t *testing.T) {
	_, err := batch.New(nil, nil)
	assert.ErrorIs(t, err, batch.ErrStoreRequired)

	store, err := badger.NewMemoryStore()
	require.NoError(t, err)
	defer store.Close()
	_, err = batch.New(store, nil)
	assert.ErrorIs(t, err, batch.ErrOrchestratorRequired)
}
