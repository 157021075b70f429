// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/valpere/marketrunner/internal/utils"
	"github.com/valpere/marketrunner/pkg/types"
)

const (
	DefaultMaxConcurrencyPerWorker = 4
	DefaultTaskTimeout             = 30 * time.Second
	DefaultMaxRetries              = 3
	DefaultPollInterval            = 50 * time.Millisecond
	DefaultMonitorInterval         = 5 * time.Second
	DefaultShrinkFactor            = 0.8
	DefaultLowLatency              = 2 * time.Second
	DefaultEventBuffer             = 256

	// resource pressure requeues do not consume retries, but are capped so a
	// task that always reports exhaustion still terminates.
	maxResourceRequeues = 10
	latencyAlpha        = 0.2
)

// ErrShutdown is returned for work submitted to or interrupted by a shut down engine.
var ErrShutdown = utils.NewError(utils.ErrCodeShutdown, "engine is shut down").Build()

// Executor runs one attempt of a task.
type Executor interface {
	Execute(ctx context.Context, target types.Target) (types.Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, target types.Target) (types.Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, target types.Target) (types.Outcome, error) {
	return f(ctx, target)
}

// MetricsRecorder receives engine measurements.
type MetricsRecorder interface {
	TaskFinished(method string, success bool, category string, elapsed time.Duration)
	TaskRetried(category string)
	WorkerRestarted()
	SetQueueDepth(n int)
	SetConcurrency(ceiling int)
	SetResources(memoryBytes uint64, cpuFraction float64)
}

// Config holds engine settings. Zero values fall back to defaults, except
// MaxRetries where zero means no retries.
type Config struct {
	MaxWorkers              int
	MaxConcurrencyPerWorker int
	// MaxConcurrencyCeiling bounds adaptive growth of the per-worker ceiling.
	MaxConcurrencyCeiling int
	TaskTimeout           time.Duration
	MaxRetries            int
	PollInterval          time.Duration

	AdaptiveConcurrency bool
	MonitorInterval     time.Duration
	MemoryHighWater     uint64
	MemoryLowWater      uint64
	// CPUHighWater is a CPU fraction (0-1) above which the ceiling shrinks.
	// Zero disables it.
	CPUHighWater        float64
	CPULowWater         float64
	LowLatency          time.Duration
	ShrinkFactor        float64

	EventBuffer int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	c := Config{AdaptiveConcurrency: true, MaxRetries: DefaultMaxRetries}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = runtime.NumCPU()
	}
	if c.MaxConcurrencyPerWorker <= 0 {
		c.MaxConcurrencyPerWorker = DefaultMaxConcurrencyPerWorker
	}
	if c.MaxConcurrencyCeiling < c.MaxConcurrencyPerWorker {
		c.MaxConcurrencyCeiling = c.MaxConcurrencyPerWorker * 2
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = DefaultMonitorInterval
	}
	if c.LowLatency <= 0 {
		c.LowLatency = DefaultLowLatency
	}
	if c.ShrinkFactor <= 0 || c.ShrinkFactor >= 1 {
		c.ShrinkFactor = DefaultShrinkFactor
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l utils.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSampler overrides the resource sampler used by adaptive concurrency.
func WithSampler(s ResourceSampler) Option {
	return func(e *Engine) { e.sampler = s }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine schedules tasks from a priority queue onto a fixed pool of
// workers, each allowed a bounded number of concurrent attempts.
type Engine struct {
	config   Config
	executor Executor
	logger   utils.Logger
	sampler  ResourceSampler
	metrics  MetricsRecorder
	now      func() time.Time

	mu          sync.Mutex
	queue       *taskQueue
	workers     []*worker
	ceiling     int
	batches     map[string]*batch
	seq         uint64
	closed      bool
	latencyEMA  time.Duration
	latencySeen bool

	wake     chan struct{}
	failures *failureCounter

	events        chan Event
	evMu          sync.RWMutex
	evClosed      bool
	droppedEvents atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	batchWG sync.WaitGroup
}

// New creates an engine and starts its dispatcher and, when enabled, the
// resource monitor.
func New(config Config, executor Executor, opts ...Option) (*Engine, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	config.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:   config,
		executor: executor,
		logger:   utils.NewComponentLogger("engine"),
		now:      time.Now,
		queue:    newTaskQueue(),
		ceiling:  config.MaxConcurrencyPerWorker,
		batches:  make(map[string]*batch),
		wake:     make(chan struct{}, 1),
		failures: newFailureCounter(),
		events:   make(chan Event, config.EventBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sampler == nil {
		e.sampler = NewResourceSampler()
	}

	e.workers = make([]*worker, config.MaxWorkers)
	for i := range e.workers {
		e.workers[i] = newWorker(ctx, i+1, e.now())
	}
	if e.metrics != nil {
		e.metrics.SetConcurrency(e.ceiling)
	}

	e.wg.Add(1)
	go e.dispatchLoop()
	if config.AdaptiveConcurrency {
		e.wg.Add(1)
		go e.monitorLoop()
	}

	e.logger.Infof("engine started: %d workers, %d tasks per worker, %d retries",
		config.MaxWorkers, config.MaxConcurrencyPerWorker, config.MaxRetries)
	return e, nil
}

// Submit enqueues a batch and blocks until every task is terminal. It always
// returns one result per input, in input order. The error is non-nil when
// the batch was aborted by a fatal condition, cancellation or shutdown.
func (e *Engine) Submit(ctx context.Context, inputs []types.TaskInput) ([]types.Result, error) {
	bctx, bcancel := context.WithCancel(ctx)
	defer bcancel()
	b := &batch{
		id:     uuid.NewString(),
		tasks:  make([]*Task, len(inputs)),
		done:   make(chan struct{}),
		ctx:    bctx,
		cancel: bcancel,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return failAll(inputs, ErrShutdown), ErrShutdown
	}
	e.batchWG.Add(1)
	defer e.batchWG.Done()

	now := e.now()
	var queued []*Task
	for i, in := range inputs {
		t := &Task{
			ID:         uuid.NewString(),
			Input:      in,
			Target:     in.Target(),
			Priority:   in.EffectivePriority(),
			State:      TaskPending,
			MaxRetries: e.config.MaxRetries,
			batch:      b,
			index:      i,
		}
		b.tasks[i] = t
		b.remaining++
		if err := t.Target.Validate(); err != nil {
			t.err = utils.NewError(utils.ErrCodeMalformedTarget, err.Error()).
				WithContext("url", in.URL).Build()
			continue
		}
		e.seq++
		t.seq = e.seq
		queued = append(queued, t)
	}

	// Malformed targets are terminal before anything is scheduled.
	for _, t := range b.tasks {
		if t.err != nil {
			t.State = TaskFailed
			t.firstStart = now
			e.recordTerminalFailure(t)
			b.complete(t, now)
		}
	}
	if len(inputs) == 0 {
		b.finished = true
		close(b.done)
	}
	if len(queued) > 0 {
		e.batches[b.id] = b
		for _, t := range queued {
			e.queue.Push(t)
		}
	}
	depth := e.queue.Len()
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.SetQueueDepth(depth)
	}
	for _, t := range queued {
		e.emit(Event{Type: EventTaskQueued, TaskID: t.ID, URL: t.Target.URL})
	}
	e.signal()

	select {
	case <-b.done:
	case <-ctx.Done():
		err := utils.NewError(utils.ErrCodeContextCanceled, "submission canceled").WithCause(ctx.Err()).Build()
		e.mu.Lock()
		e.abortBatch(b, err)
		e.mu.Unlock()
		<-b.done
	}

	e.mu.Lock()
	delete(e.batches, b.id)
	results := make([]types.Result, len(b.tasks))
	for i, t := range b.tasks {
		results[i] = t.result()
	}
	abortErr := b.abortErr
	e.mu.Unlock()
	return results, abortErr
}

func failAll(inputs []types.TaskInput, err error) []types.Result {
	out := make([]types.Result, len(inputs))
	for i, in := range inputs {
		out[i] = types.Result{URL: in.URL, Error: err.Error()}
	}
	return out
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()
	for {
		e.assign()
		select {
		case <-e.ctx.Done():
			return
		case <-e.wake:
		case <-ticker.C:
		}
	}
}

// assign hands queued tasks to the least-loaded workers until the queue is
// empty or every worker is at the ceiling.
func (e *Engine) assign() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.queue.Len() > 0 {
		w := e.leastLoaded()
		if w == nil {
			break
		}
		t := e.queue.Pop()
		if t.batch.finished || t.State.IsTerminal() {
			continue
		}
		e.start(w, t)
	}
	if e.metrics != nil {
		e.metrics.SetQueueDepth(e.queue.Len())
	}
}

func (e *Engine) leastLoaded() *worker {
	var best *worker
	for _, w := range e.workers {
		if w.load() >= e.ceiling {
			continue
		}
		if best == nil || w.load() < best.load() {
			best = w
		}
	}
	return best
}

// start must be called with e.mu held.
func (e *Engine) start(w *worker, t *Task) {
	now := e.now()
	t.State = TaskAssigned
	t.worker = w.id
	t.gen = w.gen
	if t.firstStart.IsZero() {
		t.firstStart = now
	}
	w.inflight[t.ID] = t
	w.lastActivity = now

	e.wg.Add(1)
	go e.run(w, w.gen, w.ctx, t)
}

func (e *Engine) run(w *worker, gen uint64, wctx context.Context, t *Task) {
	defer e.wg.Done()

	e.mu.Lock()
	if w.gen == gen && t.State == TaskAssigned {
		t.State = TaskRunning
	}
	attempt := t.RetryCount + 1
	target := t.Target
	bctx := t.batch.ctx
	e.mu.Unlock()
	e.emit(Event{Type: EventTaskStarted, TaskID: t.ID, URL: target.URL, WorkerID: w.id, Attempt: attempt})

	ctx, cancel := context.WithTimeout(wctx, e.config.TaskTimeout)
	stop := context.AfterFunc(bctx, cancel)
	defer stop()
	defer cancel()

	started := e.now()
	outcome, crashed, err := e.execute(ctx, target)
	elapsed := e.now().Sub(started)

	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && bctx.Err() == nil {
		err = utils.NewError(utils.ErrCodeTaskTimeout, fmt.Sprintf("task exceeded %s", e.config.TaskTimeout)).
			WithCause(err).WithContext("url", target.URL).Build()
	}
	e.finish(w, gen, t, outcome, err, crashed, elapsed)
}

// execute runs one attempt, converting a panic into a worker crash.
func (e *Engine) execute(ctx context.Context, target types.Target) (outcome types.Outcome, crashed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			err = utils.NewError(utils.ErrCodeWorkerCrashed, fmt.Sprintf("worker crashed: %v", r)).
				WithContext("url", target.URL).Build()
		}
	}()
	outcome, err = e.executor.Execute(ctx, target)
	return outcome, false, err
}

func (e *Engine) finish(w *worker, gen uint64, t *Task, outcome types.Outcome, err error, crashed bool, elapsed time.Duration) {
	e.mu.Lock()
	defer e.signal()
	defer e.mu.Unlock()

	if w.gen != gen {
		// The worker was recreated while this attempt ran. The task is
		// settled only now that its attempt has returned.
		if _, ok := w.orphans[t.ID]; !ok {
			return
		}
		delete(w.orphans, t.ID)
		if err != nil {
			err = utils.NewError(utils.ErrCodeWorkerCrashed,
				fmt.Sprintf("worker %d restarted while task was in flight", w.id)).
				WithContext("url", t.Target.URL).Build()
		}
	} else {
		delete(w.inflight, t.ID)
		if crashed {
			e.restartWorker(w, err)
		}
	}
	now := e.now()
	w.lastActivity = now
	if t.batch.finished || t.State.IsTerminal() {
		return
	}

	if err == nil {
		t.State = TaskCompleted
		t.outcome = outcome
		t.err = nil
		w.completed++
		w.totalLatency += elapsed
		e.observeLatency(elapsed)
		t.batch.complete(t, now)
		e.failures.update(func(s *FailureStats) { s.Completed++ })
		if e.metrics != nil {
			e.metrics.TaskFinished(string(outcome.Method), true, "", now.Sub(t.firstStart))
		}
		e.emit(Event{Type: EventTaskCompleted, TaskID: t.ID, URL: t.Target.URL, WorkerID: w.id, Attempt: t.RetryCount + 1})
		return
	}

	w.failed++
	e.handleFailure(t, err)
}

// handleFailure applies the retry policy. Must be called with e.mu held.
func (e *Engine) handleFailure(t *Task, err error) {
	category := utils.Categorize(err)
	t.err = err

	if category == utils.CategoryResource && t.resourceRequeues < maxResourceRequeues {
		t.resourceRequeues++
		t.State = TaskPending
		e.queue.PushFront(t)
		e.shrinkLocked("task reported resource exhaustion")
		return
	}

	e.failures.update(func(s *FailureStats) { s.Attempts[category]++ })

	switch {
	case category == utils.CategoryFatal:
		e.abortBatch(t.batch, err)
	case category == utils.CategoryPermanent || t.RetryCount >= t.MaxRetries:
		t.State = TaskFailed
		e.recordTerminalFailure(t)
		t.batch.complete(t, e.now())
		e.emit(Event{Type: EventTaskFailed, TaskID: t.ID, URL: t.Target.URL, Attempt: t.RetryCount + 1, Message: err.Error()})
	default:
		t.RetryCount++
		t.State = TaskPending
		e.queue.PushFront(t)
		e.failures.update(func(s *FailureStats) { s.Retries++ })
		if e.metrics != nil {
			e.metrics.TaskRetried(string(category))
		}
		e.logger.Debugf("retrying %s (%d/%d): %v", t.Target.URL, t.RetryCount, t.MaxRetries, err)
		e.emit(Event{Type: EventTaskRetrying, TaskID: t.ID, URL: t.Target.URL, Attempt: t.RetryCount + 1, Message: err.Error()})
	}
}

func (e *Engine) recordTerminalFailure(t *Task) {
	category := utils.Categorize(t.err)
	e.failures.update(func(s *FailureStats) { s.Terminal[category]++ })
	if e.metrics != nil {
		elapsed := time.Duration(0)
		if !t.firstStart.IsZero() {
			elapsed = e.now().Sub(t.firstStart)
		}
		e.metrics.TaskFinished("", false, string(category), elapsed)
	}
}

// abortBatch fails every non-terminal task of b with err and cancels its
// in-flight attempts. Must be called with e.mu held.
func (e *Engine) abortBatch(b *batch, err error) {
	if b.finished {
		return
	}
	now := e.now()
	for _, t := range b.tasks {
		if t.State.IsTerminal() {
			continue
		}
		t.State = TaskFailed
		t.err = err
		e.recordTerminalFailure(t)
		b.complete(t, now)
	}
	b.abortErr = err
	b.cancel()
	e.failures.update(func(s *FailureStats) { s.BatchesAborted++ })
	e.logger.Warnf("batch %s aborted: %v", b.id, err)
	e.emit(Event{Type: EventBatchAborted, Message: err.Error()})
}

// restartWorker recreates w with the same id. Its in-flight attempts are
// canceled and their tasks requeued by finish once each attempt returns.
// Must be called with e.mu held.
func (e *Engine) restartWorker(w *worker, cause error) {
	orphans := w.recreate(e.ctx, e.now())
	e.failures.update(func(s *FailureStats) { s.WorkerCrashes++ })
	if e.metrics != nil {
		e.metrics.WorkerRestarted()
	}
	e.logger.Warnf("worker %d crashed and was restarted (%d in-flight tasks canceled): %v", w.id, orphans, cause)
	e.emit(Event{Type: EventWorkerRestarted, WorkerID: w.id, Message: cause.Error()})
}

func (e *Engine) observeLatency(d time.Duration) {
	if !e.latencySeen {
		e.latencyEMA = d
		e.latencySeen = true
		return
	}
	e.latencyEMA = time.Duration(latencyAlpha*float64(d) + (1-latencyAlpha)*float64(e.latencyEMA))
}

func (e *Engine) recentLatency() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latencyEMA, e.latencySeen
}

// Workers returns a snapshot of every worker.
func (e *Engine) Workers() []WorkerSlot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]WorkerSlot, len(e.workers))
	for i, w := range e.workers {
		out[i] = w.snapshot()
	}
	return out
}

// Ceiling returns the current per-worker concurrency ceiling.
func (e *Engine) Ceiling() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ceiling
}

// QueueDepth returns the number of tasks waiting for a worker.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

// FailureStats returns aggregate failure counts since the engine started.
func (e *Engine) FailureStats() FailureStats {
	return e.failures.snapshot()
}

// Events returns the status event stream. It is closed by Shutdown.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// DroppedEvents returns how many events were discarded because the stream was full.
func (e *Engine) DroppedEvents() int64 {
	return e.droppedEvents.Load()
}

// Shutdown stops accepting work and waits for running batches to drain.
// If ctx expires first, remaining work is canceled and every pending task
// fails with ErrShutdown. Workers are terminated before it returns.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		e.batchWG.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		e.mu.Lock()
		for _, b := range e.batches {
			e.abortBatch(b, ErrShutdown)
		}
		e.mu.Unlock()
	}

	e.cancel()
	e.mu.Lock()
	for _, w := range e.workers {
		w.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
	<-drained
	e.closeEvents()
	e.logger.Info("engine stopped")
	return err
}
