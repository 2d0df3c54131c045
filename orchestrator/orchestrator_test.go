package orchestrator_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/stagehand/asyncjob"
	asyncmock "github.com/poiesic/stagehand/asyncjob/mock"
	"github.com/poiesic/stagehand/breaker"
	"github.com/poiesic/stagehand/core"
	"github.com/poiesic/stagehand/events"
	"github.com/poiesic/stagehand/orchestrator"
	"github.com/poiesic/stagehand/persist"
	"github.com/poiesic/stagehand/queue"
	"github.com/poiesic/stagehand/retry"
	"github.com/poiesic/stagehand/stage"
	"github.com/poiesic/stagehand/stage/mock"
	"github.com/poiesic/stagehand/storage"
	"github.com/poiesic/stagehand/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scheduled struct {
	task  queue.Task
	delay time.Duration
}

// recordingScheduler collects tasks so tests can run them one at a time.
type recordingScheduler struct {
	mu    sync.Mutex
	tasks []scheduled
	err   error
}

func (s *recordingScheduler) Enqueue(t queue.Task) error {
	return s.EnqueueAfter(t, 0)
}

func (s *recordingScheduler) EnqueueAfter(t queue.Task, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.tasks = append(s.tasks, scheduled{task: t, delay: d})
	return nil
}

func (s *recordingScheduler) pop() (scheduled, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return scheduled{}, false
	}
	next := s.tasks[0]
	s.tasks = s.tasks[1:]
	return next, true
}

func (s *recordingScheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

type notification struct {
	batchID   string
	itemID    string
	status    core.ItemStatus
	restarted bool
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notification
}

func (n *recordingNotifier) ItemTerminal(_ context.Context, batchID, itemID string, status core.ItemStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{batchID: batchID, itemID: itemID, status: status})
	return nil
}

func (n *recordingNotifier) ItemRestarted(_ context.Context, batchID, itemID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{batchID: batchID, itemID: itemID, restarted: true})
	return nil
}

func (n *recordingNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.calls...)
}

type fixture struct {
	store    *badger.Store
	sched    *recordingScheduler
	exec     *stage.Executor
	orch     *orchestrator.Orchestrator
	sink     *persist.Memory
	notifier *recordingNotifier
	bus      *events.Bus
	clock    *core.ManualClock
}

func setup(t *testing.T, defs []stage.Definition, opts ...orchestrator.Option) *fixture {
	t.Helper()
	store, err := badger.NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := stage.NewRegistry()
	for _, def := range defs {
		require.NoError(t, registry.Register(def))
	}

	clock := core.NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	b, err := breaker.New(store, breaker.WithClock(clock))
	require.NoError(t, err)
	classifier, err := retry.NewClassifier(retry.DefaultPolicy(), retry.WithJitter(func() float64 { return 0 }))
	require.NoError(t, err)
	poller, err := asyncjob.NewPoller(store, asyncjob.WithClock(clock))
	require.NoError(t, err)
	exec, err := stage.NewExecutor(store, registry,
		stage.WithBreaker(b),
		stage.WithClassifier(classifier),
		stage.WithPoller(poller),
		stage.WithClock(clock),
	)
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		sched:    &recordingScheduler{},
		exec:     exec,
		sink:     persist.NewMemory(),
		notifier: &recordingNotifier{},
		bus:      events.NewBus(nil),
		clock:    clock,
	}
	base := []orchestrator.Option{
		orchestrator.WithSink(f.sink),
		orchestrator.WithNotifier(f.notifier),
		orchestrator.WithEvents(f.bus),
		orchestrator.WithClock(clock),
		orchestrator.WithSinkRetry(2, time.Millisecond),
	}
	f.orch, err = orchestrator.New(store, f.sched, registry, append(base, opts...)...)
	require.NoError(t, err)
	return f
}

// step runs the next scheduled task the way a queue worker does and
// advances the clock by its delay. It returns false when nothing is queued.
func (f *fixture) step(t *testing.T) bool {
	t.Helper()
	next, ok := f.sched.pop()
	if !ok {
		return false
	}
	f.clock.Advance(next.delay)
	ctx := context.Background()
	runnable, err := f.orch.Runnable(ctx, next.task)
	require.NoError(t, err)
	if !runnable {
		return true
	}
	var res core.StageResult
	if next.task.Kind == queue.KindPoll {
		res, err = f.exec.Poll(ctx, next.task.ItemID, next.task.Stage, next.task.Handle)
	} else {
		res, err = f.exec.Execute(ctx, next.task.ItemID, next.task.Stage)
	}
	require.NoError(t, err)
	require.NoError(t, f.orch.Advance(ctx, res))
	return true
}

func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	steps := 0
	for f.step(t) {
		steps++
		require.Less(t, steps, 100, "pipeline did not settle")
	}
	return steps
}

func (f *fixture) item(t *testing.T, id string) *core.WorkItem {
	t.Helper()
	item, err := storage.LoadItem(context.Background(), f.store, id)
	require.NoError(t, err)
	return item
}

func echoStages(names ...string) []stage.Definition {
	defs := make([]stage.Definition, 0, len(names))
	for _, name := range names {
		defs = append(defs, stage.Definition{Name: name, Logic: mock.NewMockLogic()})
	}
	return defs
}

func TestOrchestrator_HappyPath(t *testing.T) {
	f := setup(t, echoStages("A", "B", "C"))
	ctx := context.Background()
	sub, unsub := f.bus.Subscribe("doc-1")
	defer unsub()

	item, err := f.orch.Submit(ctx, orchestrator.SubmitRequest{
		ItemID: "doc-1",
		Stages: []string{"A", "B", "C"},
		Input:  strings.NewReader("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusInProgress, item.Status)
	assert.Equal(t, 0, item.Current)
	require.Equal(t, 1, f.sched.len())

	assert.Equal(t, 3, f.drain(t))

	done := f.item(t, "doc-1")
	assert.Equal(t, core.StatusFinalized, done.Status)
	assert.Equal(t, 3, done.Current)
	assert.Empty(t, done.LastError)

	out, ok := f.sink.Get("doc-1", "C")
	require.True(t, ok)
	assert.Equal(t, "C:B:A:hello", string(out))
	assert.Equal(t, 1, f.sink.Deliveries("doc-1", "A"))

	var indexes []int
	for len(sub) > 0 {
		e := <-sub
		if e.Type == events.TypeItemAdvanced {
			indexes = append(indexes, e.Index)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, indexes)

	report, err := f.orch.Status(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusFinalized, report.Status)
	assert.Equal(t, 3, report.CurrentStageIndex)
}

func TestOrchestrator_SubmitByType(t *testing.T) {
	f := setup(t, echoStages("A", "B"), orchestrator.WithPipelines(map[string][]string{"doc": {"A", "B"}}))
	ctx := context.Background()

	item, err := f.orch.Submit(ctx, orchestrator.SubmitRequest{Type: "doc", Priority: core.PriorityHigh})
	require.NoError(t, err)
	assert.NotEmpty(t, item.ID, "id is generated")
	assert.Equal(t, []string{"A", "B"}, item.Stages)

	next, ok := f.sched.pop()
	require.True(t, ok)
	assert.Equal(t, core.PriorityHigh, next.task.Priority)
	assert.Equal(t, "A", next.task.Stage)

	_, err = f.orch.Submit(ctx, orchestrator.SubmitRequest{Type: "video"})
	assert.ErrorIs(t, err, orchestrator.ErrUnknownType)
	assert.Equal(t, core.CategoryValidation, core.CategoryOf(err))
}

func TestOrchestrator_SubmitRejects(t *testing.T) {
	f := setup(t, echoStages("A"))
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, orchestrator.SubmitRequest{ItemID: "doc-1", Stages: []string{"A"}})
	require.NoError(t, err)

	_, err = f.orch.Submit(ctx, orchestrator.SubmitRequest{ItemID: "doc-1", Stages: []string{"A"}})
	assert.ErrorIs(t, err, orchestrator.ErrItemExists)

	_, err = f.orch.Submit(ctx, orchestrator.SubmitRequest{ItemID: "doc-2", Stages: []string{"A", "missing"}})
	assert.ErrorIs(t, err, stage.ErrUnknownStage)

	_, err = f.orch.Submit(ctx, orchestrator.SubmitRequest{ItemID: "doc-3"})
	assert.ErrorIs(t, err, core.ErrEmptyStageSequence)

	_, err = f.orch.Submit(ctx, orchestrator.SubmitRequest{ItemID: "doc:4", Stages: []string{"A"}})
	assert.Equal(t, core.CategoryValidation, core.CategoryOf(err))

	assert.Equal(t, 1, f.sched.len(), "rejected submissions schedule nothing")
}

func TestOrchestrator_ConcurrentDuplicateSubmit(t *testing.T) {
	f := setup(t, echoStages("A"))
	ctx := context.Background()

	const submitters = 8
	inputs := make([][]byte, submitters)
	for i := range inputs {
		inputs[i] = bytes.Repeat([]byte{byte('a' + i)}, 3*storage.DefaultChunkSize/2)
	}

	var wg sync.WaitGroup
	winners := make(chan int, submitters)
	for i := range submitters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Submit(ctx, orchestrator.SubmitRequest{
				ItemID: "doc-1",
				Stages: []string{"A"},
				Input:  bytes.NewReader(inputs[i]),
			})
			if err == nil {
				winners <- i
				return
			}
			assert.ErrorIs(t, err, orchestrator.ErrItemExists)
		}()
	}
	wg.Wait()
	close(winners)

	require.Len(t, winners, 1)
	winner := <-winners

	item := f.item(t, "doc-1")
	r, _, err := storage.OpenPayload(ctx, f.store, item.InputKey)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, inputs[winner], got, "the accepted input is intact")

	// losing submissions leave no input behind
	var manifests []string
	require.NoError(t, f.store.Scan(ctx, storage.PayloadKey("in:doc-1:"), func(key string, _ []byte) error {
		if !strings.Contains(key, "#") {
			manifests = append(manifests, key)
		}
		return nil
	}))
	assert.Equal(t, []string{storage.PayloadKey(item.InputKey)}, manifests)
}

func TestOrchestrator_PermanentFailure(t *testing.T) {
	logic := mock.NewMockLogic()
	logic.RunFunc = mock.Fail(100, core.Validation(errors.New("bad document")))
	f := setup(t, []stage.Definition{{Name: "A", Logic: logic}, {Name: "B", Logic: mock.NewMockLogic()}})
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, orchestrator.SubmitRequest{ItemID: "doc-1", Stages: []string{"A", "B"}, BatchID: "batch-1"})
	require.NoError(t, err)
	f.drain(t)

	item := f.item(t, "doc-1")
	assert.Equal(t, core.StatusAborted, item.Status)
	assert.Equal(t, 1, item.Attempts["A"])
	assert.Equal(t, core.CategoryValidation, item.LastErrorCategory)
	assert.Contains(t, item.LastError, "bad document")
	assert.Equal(t, 1, logic.CallCount())

	calls := f.notifier.all()
	require.Len(t, calls, 1)
	assert.Equal(t, notification{batchID: "batch-1", itemID: "doc-1", status: core.StatusAborted}, calls[0])
}

func TestOrchestrator_RetryExhaustion(t *testing.T) {
	logic := mock.NewMockLogic()
	logic.RunFunc = mock.Fail(100, core.Transient(errors.New("connection reset")))
	f := setup(t, []stage.Definition{{Name: "A", Logic: logic}})
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, orchestrator.SubmitRequest{ItemID: "doc-1", Stages: []string{"A"}})
	require.NoError(t, err)

	for range 3 {
		require.True(t, f.step(t))
		item := f.item(t, "doc-1")
		assert.Equal(t, core.StatusStageFailed, item.Status)
		assert.Equal(t, core.CategoryTransientIO, item.LastErrorCategory)
	}
	assert.Equal(t, 3, f.item(t, "doc-1").Attempts["A"])

	// the item breaker opened on the third failure; the rejection does not
	// count and the trial after the cooldown is the fourth attempt
	f.drain(t)

	item := f.item(t, "doc-1")
	assert.Equal(t, core.StatusAborted, item.Status)
	assert.Equal(t, 4, item.Attempts["A"])
	assert.Equal(t, 4, logic.CallCount())
}

func TestOrchestrator_TransientThenSuccess(t *testing.T) {
	logic := mock.NewMockLogic()
	logic.RunFunc = mock.Fail(2, core.Transient(errors.New("flaky")))
	f := setup(t, []stage.Definition{{Name: "A", Logic: logic}})
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, orchestrator.SubmitRequest{ItemID: "doc-1", Stages: []string{"A"}, Input: strings.NewReader("x")})
	require.NoError(t, err)
	f.drain(t)

	item := f.item(t, "doc-1")
	assert.Equal(t, core.StatusFinalized, item.Status)
	assert.Equal(t, 2, item.Attempts["A"], "attempts are kept until an explicit restart")
	assert.Empty(t, item.LastError)
}

func TestOrchestrator_ResourceExhaustionDownshifts(t *testing.T) {
	logic := mock.NewMockLogic()
	logic.RunFunc = mock.Fail(1, core.Exhausted(errors.New("out of memory")))
	f := setup(t, []stage.Definition{{Name: "A", Logic: logic, ChunkSize: 64 << 10}})
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, orchestrator.SubmitRequest{ItemID: "doc-1", Stages: []string{"A"}})
	require.NoError(t, err)

	require.True(t, f.step(t))
	item := f.item(t, "doc-1")
	assert.Equal(t, 1, item.Downshift["A"])

	next, ok := f.sched.pop()
	require.True(t, ok)
	assert.Equal(t, 15*time.Second, next.delay, "half the resource base delay at zero jitter")
	require.NoError(t, f.sched.EnqueueAfter(next.task, next.delay))

	f.drain(t)
	assert.Equal(t, core.StatusFinalized, f.item(t, "doc-1").Status)
	assert.Equal(t, 32<<10, logic.Input(1).ChunkSize)
}

func TestOrchestrator_AsyncStage(t *testing.T) {
	provider := asyncmock.NewMockProvider()
	provider.PollFunc = asyncmock.PendingThenDone(2, []byte("ocr text"))
	f := setup(t, []stage.Definition{
		{Name: "ocr", Provider: provider},
		{Name: "index", Logic: mock.NewMockLogic()},
	})
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, orchestrator.SubmitRequest{ItemID: "doc-1", Stages: []string{"ocr", "index"}, Input: strings.NewReader("scan")})
	require.NoError(t, err)

	require.True(t, f.step(t))
	next, ok := f.sched.pop()
	require.True(t, ok)
	assert.Equal(t, queue.KindPoll, next.task.Kind)
	assert.NotEmpty(t, next.task.Handle)
	assert.Equal(t, 10*time.Second, next.delay)
	require.NoError(t, f.sched.EnqueueAfter(next.task, next.delay))

	f.drain(t)

	item := f.item(t, "doc-1")
	assert.Equal(t, core.StatusFinalized, item.Status)
	assert.Zero(t, item.Attempts["ocr"], "pending polls are not attempts")
	assert.Equal(t, 1, provider.SubmitCount())
	assert.Equal(t, 3, provider.PollCount(next.task.Handle))

	out, ok := f.sink.Get("doc-1", "index")
	require.True(t, ok)
	assert.Equal(t, "index:ocr text", string(out))
}

func TestOrchestrator_StaleResultsAreDropped(t *testing.T) {
	f := setup(t, echoStages("A", "B"))
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, orchestrator.SubmitRequest{ItemID: "doc-1", Stages: []string{"A", "B"}})
	require.NoError(t, err)
	next, _ := f.sched.pop()

	res, err := f.exec.Execute(ctx, "doc-1", "A")
	require.NoError(t, err)
	require.NoError(t, f.orch.Advance(ctx, res))
	assert.Equal(t, 1, f.item(t, "doc-1").Current)

	// duplicate delivery of the same result
	require.NoError(t, f.orch.Advance(ctx, res))
	assert.Equal(t, 1, f.item(t, "doc-1").Current)

	runnable, err := f.orch.Runnable(ctx, next.task)
	require.NoError(t, err)
	assert.False(t, runnable, "task for a completed stage is no longer current")

	// a failure for the old stage must not touch the item
	require.NoError(t, f.orch.Advance(ctx, core.StageResult{
		ItemID: "doc-1", Stage: "A", Outcome: core.OutcomePermanent, Executed: true,
		Category: core.CategoryValidation, Err: core.Validation(errors.New("late")),
	}))
	item := f.item(t, "doc-1")
	assert.Equal(t, core.StatusInProgress, item.Status)
	assert.Zero(t, item.Attempts["A"])

	require.NoError(t, f.orch.Advance(ctx, core.StageResult{ItemID: "ghost", Stage: "A", Outcome: core.OutcomeSuccess}))
}

func TestOrchestrator_AbortStopsAdvancing(t *testing.T) {
	f := setup(t, echoStages("A", "B"))
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, orchestrator.SubmitRequest{ItemID: "doc-1", Stages: []string{"A", "B"}, BatchID: "batch-1"})
	require.NoError(t, err)

	res, err := f.exec.Execute(ctx, "doc-1", "A")
	require.NoError(t, err)

	item, err := f.orch.Abort(ctx, "doc-1", "operator request")
	require.NoError(t, err)
	assert.Equal(t, core.StatusAborted, item.Status)

	// the in-flight result arrives after the abort
	require.NoError(t, f.orch.Advance(ctx, res))
	assert.Equal(t, 0, f.item(t, "doc-1").Current)
	assert.Equal(t, core.StatusAborted, f.item(t, "doc-1").Status)

	f.drain(t)
	assert.Equal(t, core.StatusAborted, f.item(t, "doc-1").Status)

	// aborting again is a no-op
	_, err = f.orch.Abort(ctx, "doc-1", "")
	require.NoError(t, err)
	assert.Len(t, f.notifier.all(), 1)

	_, err = f.orch.Abort(ctx, "ghost", "")
	assert.ErrorIs(t, err, orchestrator.ErrItemNotFound)
}

func TestOrchestrator_Restart(t *testing.T) {
	logic := mock.NewMockLogic()
	logic.RunFunc = mock.Fail(1, core.Validation(errors.New("bad")))
	f := setup(t, []stage.Definition{{Name: "A", Logic: logic}})
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, orchestrator.SubmitRequest{ItemID: "doc-1", Stages: []string{"A"}, BatchID: "batch-1"})
	require.NoError(t, err)
	f.drain(t)
	require.Equal(t, core.StatusAborted, f.item(t, "doc-1").Status)

	item, err := f.orch.Restart(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusInProgress, item.Status)
	assert.Zero(t, item.Attempts["A"])
	assert.Empty(t, item.LastError)

	f.drain(t)
	assert.Equal(t, core.StatusFinalized, f.item(t, "doc-1").Status)

	calls := f.notifier.all()
	require.Len(t, calls, 3)
	assert.True(t, calls[1].restarted)
	assert.Equal(t, core.StatusFinalized, calls[2].status)

	_, err = f.orch.Restart(ctx, "doc-1")
	assert.ErrorIs(t, err, orchestrator.ErrNotRestartable)
}

func TestOrchestrator_Resume(t *testing.T) {
	provider := asyncmock.NewMockProvider()
	provider.PollFunc = asyncmock.PendingThenDone(1, []byte("done"))
	f := setup(t, []stage.Definition{
		{Name: "A", Logic: mock.NewMockLogic()},
		{Name: "ocr", Provider: provider},
	})
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, orchestrator.SubmitRequest{ItemID: "doc-1", Stages: []string{"A"}})
	require.NoError(t, err)
	_, err = f.orch.Submit(ctx, orchestrator.SubmitRequest{ItemID: "doc-2", Stages: []string{"ocr"}})
	require.NoError(t, err)
	require.True(t, f.step(t))
	require.True(t, f.step(t))

	// an item created but never started, as after a crash inside Submit
	require.NoError(t, storage.CreateItem(ctx, f.store, &core.WorkItem{
		ID: "doc-3", Stages: []string{"A"}, Current: -1, Status: core.StatusPending,
	}))

	// simulate a restart: the in-memory queue is lost
	f.sched = &recordingScheduler{}
	registry := f.exec.Registry()
	f.orch, err = orchestrator.New(f.store, f.sched, registry, orchestrator.WithClock(f.clock), orchestrator.WithSink(f.sink))
	require.NoError(t, err)

	n, err := f.orch.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "finalized items are not resumed")

	kinds := map[string]queue.Kind{}
	for _, s := range f.sched.tasks {
		kinds[s.task.ItemID] = s.task.Kind
	}
	assert.Equal(t, queue.KindPoll, kinds["doc-2"], "live async job is polled, not resubmitted")
	assert.Equal(t, queue.KindStage, kinds["doc-3"])

	f.drain(t)
	for _, id := range []string{"doc-1", "doc-2", "doc-3"} {
		assert.Equal(t, core.StatusFinalized, f.item(t, id).Status, id)
	}
	assert.Equal(t, 1, provider.SubmitCount())
}

func TestOrchestrator_SinkFailureReschedules(t *testing.T) {
	failing := true
	var mu sync.Mutex
	sink := persist.SinkFunc(func(_ context.Context, _, _ string, payload io.Reader) error {
		mu.Lock()
		defer mu.Unlock()
		_, _ = io.Copy(io.Discard, payload)
		if failing {
			return errors.New("disk full")
		}
		return nil
	})
	logic := mock.NewMockLogic()
	f := setup(t, []stage.Definition{{Name: "A", Logic: logic}}, orchestrator.WithSink(sink))
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, orchestrator.SubmitRequest{ItemID: "doc-1", Stages: []string{"A"}, Input: bytes.NewReader([]byte("x"))})
	require.NoError(t, err)
	require.True(t, f.step(t))

	item := f.item(t, "doc-1")
	assert.Equal(t, 0, item.Current, "item does not advance past an undelivered output")
	assert.Zero(t, item.Attempts["A"])
	require.Equal(t, 1, f.sched.len())

	mu.Lock()
	failing = false
	mu.Unlock()
	f.drain(t)

	assert.Equal(t, core.StatusFinalized, f.item(t, "doc-1").Status)
	assert.Equal(t, 1, logic.CallCount(), "redelivery comes from the cache")
}

func TestOrchestrator_ClosedSchedulerDoesNotFailTransition(t *testing.T) {
	f := setup(t, echoStages("A"))
	f.sched.err = queue.ErrQueueClosed

	item, err := f.orch.Submit(context.Background(), orchestrator.SubmitRequest{ItemID: "doc-1", Stages: []string{"A"}})
	require.NoError(t, err)
	assert.Equal(t, core.StatusInProgress, item.Status)
}

func TestNew_Validation(t *testing.T) {
	store, err := badger.NewMemoryStore()
	require.NoError(t, err)
	defer store.Close()
	registry := stage.NewRegistry()
	sched := &recordingScheduler{}

	_, err = orchestrator.New(nil, sched, registry)
	assert.ErrorIs(t, err, orchestrator.ErrStoreRequired)
	_, err = orchestrator.New(store, nil, registry)
	assert.ErrorIs(t, err, orchestrator.ErrSchedulerRequired)
	_, err = orchestrator.New(store, sched, nil)
	assert.ErrorIs(t, err, orchestrator.ErrRegistryRequired)
	_, err = orchestrator.New(store, sched, registry, orchestrator.WithPipelines(map[string][]string{"doc": {"missing"}}))
	assert.ErrorIs(t, err, stage.ErrUnknownStage)
	_, err = orchestrator.New(store, sched, registry, orchestrator.WithSinkRetry(0, time.Second))
	assert.ErrorIs(t, err, retry.ErrInvalidMaxAttempts)
}
