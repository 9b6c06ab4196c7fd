package work

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/aristath/riskdesk/internal/domain"
	"github.com/aristath/riskdesk/internal/events"
	"github.com/aristath/riskdesk/internal/modules/riskcache"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownWorkType is returned for an unregistered work type id
	ErrUnknownWorkType = errors.New("unknown work type")
	// ErrAlreadyQueued is returned when the same item is queued or running
	ErrAlreadyQueued = errors.New("work already queued or running")
	// ErrQueueFull is returned when the queue has no room
	ErrQueueFull = errors.New("work queue is full")
	// ErrStopped is returned after Stop
	ErrStopped = errors.New("work processor stopped")
)

// Emitter publishes job lifecycle events
type Emitter interface {
	Emit(module string, data events.EventData)
}

// RunRecorder persists run history
type RunRecorder interface {
	Start(ctx context.Context, item *WorkItem) (string, time.Time, error)
	Finish(ctx context.Context, id string, started time.Time, err error) error
}

// RunObserver is told about every finished execution
type RunObserver interface {
	WorkFinished(typeID string, err error, elapsed time.Duration)
}

// Options sizes the processor
type Options struct {
	Workers    int
	QueueSize  int
	Timeout    time.Duration
	MaxRetries int
	// RetryDelay is multiplied by the attempt number
	RetryDelay time.Duration
	// ScanEvery is how often the loop looks for due interval-driven work
	ScanEvery time.Duration
}

// Stats is a point-in-time view of the processor
type Stats struct {
	Workers  int `json:"workers"`
	Queued   int `json:"queued"`
	Pending  int `json:"pending"`
	Retrying int `json:"retrying"`
}

// Processor executes work items on a fixed pool of workers.
type Processor struct {
	registry   *Registry
	completion *CompletionTracker
	runs       RunRecorder
	emitter    Emitter
	observers  []RunObserver
	opts       Options
	log        zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	queue   chan *WorkItem
	trigger chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[string]bool
	timers  map[string]*time.Timer
	started bool
	stopped bool
}

// NewProcessor creates a new work processor. runs and emitter may be nil.
func NewProcessor(registry *Registry, completion *CompletionTracker, runs RunRecorder, emitter Emitter, opts Options, log zerolog.Logger) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = 3
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = WorkTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = MaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 30 * time.Second
	}
	if opts.ScanEvery <= 0 {
		opts.ScanEvery = 10 * time.Second
	}
	if completion == nil {
		completion = NewCompletionTracker(domain.SystemClock{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		registry:   registry,
		completion: completion,
		runs:       runs,
		emitter:    emitter,
		opts:       opts,
		log:        log.With().Str("component", "work_processor").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		queue:      make(chan *WorkItem, opts.QueueSize),
		trigger:    make(chan struct{}, 1),
		pending:    make(map[string]bool),
		timers:     make(map[string]*time.Timer),
	}
}

// AddObserver registers o for finished executions. Call before Start.
func (p *Processor) AddObserver(o RunObserver) {
	p.observers = append(p.observers, o)
}

// Registry returns the work type registry
func (p *Processor) Registry() *Registry {
	return p.registry
}

// Start launches the workers and the scan loop
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.wg.Add(1)
	go p.loop()

	p.log.Info().Int("workers", p.opts.Workers).Msg("Work processor started")
}

// Stop cancels running work, drops pending retries and waits for the workers to exit
func (p *Processor) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.log.Info().Msg("Work processor stopped")
}

// Trigger wakes up the scan loop ahead of its next tick. Non-blocking.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Enqueue queues one item for the worker pool
func (p *Processor) Enqueue(typeID, subject string) error {
	wt := p.registry.Get(typeID)
	if wt == nil {
		return fmt.Errorf("%w: %s", ErrUnknownWorkType, typeID)
	}
	return p.enqueue(NewWorkItem(wt, subject, time.Now()))
}

// ScheduleRefresh implements riskcache.Scheduler by queueing a cache refresh
func (p *Processor) ScheduleRefresh(key riskcache.Key) {
	err := p.Enqueue(WorkCacheRefresh, key.String())
	if err != nil && !errors.Is(err, ErrAlreadyQueued) {
		p.log.Warn().Err(err).Str("key", key.String()).Msg("Failed to schedule cache refresh")
	}
}

// ExecuteNow runs a work type synchronously on the caller's goroutine, bypassing the
// queue and interval checks. It still refuses to run an item that is queued or running.
func (p *Processor) ExecuteNow(ctx context.Context, typeID, subject string) error {
	wt := p.registry.Get(typeID)
	if wt == nil {
		return fmt.Errorf("%w: %s", ErrUnknownWorkType, typeID)
	}
	item := NewWorkItem(wt, subject, time.Now())

	p.mu.Lock()
	if p.pending[item.ID] {
		p.mu.Unlock()
		return ErrAlreadyQueued
	}
	p.pending[item.ID] = true
	p.mu.Unlock()
	defer p.release(item)

	err := p.execute(ctx, wt, item)
	if err == nil {
		p.completion.MarkCompleted(item)
	}
	return err
}

// Stats reports queue depth and pending items
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Workers:  p.opts.Workers,
		Queued:   len(p.queue),
		Pending:  len(p.pending),
		Retrying: len(p.timers),
	}
}

func (p *Processor) enqueue(item *WorkItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrStopped
	}
	if p.pending[item.ID] {
		return ErrAlreadyQueued
	}
	select {
	case p.queue <- item:
		p.pending[item.ID] = true
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Processor) release(item *WorkItem) {
	p.mu.Lock()
	delete(p.pending, item.ID)
	p.mu.Unlock()
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case item := <-p.queue:
			p.process(item)
		}
	}
}

func (p *Processor) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.ScanEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.scan()
		case <-p.trigger:
			p.scan()
		}
	}
}

// scan queues every due subject of every interval-driven work type
func (p *Processor) scan() {
	for _, wt := range p.registry.ByPriority() {
		if wt.FindSubjects == nil {
			continue
		}
		for _, subject := range wt.FindSubjects(p.ctx) {
			if !p.completion.IsStale(wt.ID, subject, wt.Interval) {
				continue
			}
			err := p.enqueue(NewWorkItem(wt, subject, time.Now()))
			if err != nil && !errors.Is(err, ErrAlreadyQueued) {
				p.log.Warn().Err(err).Str("work_type", wt.ID).Msg("Failed to queue scanned work")
			}
		}
	}
}

func (p *Processor) process(item *WorkItem) {
	wt := p.registry.Get(item.TypeID)
	if wt == nil {
		p.release(item)
		return
	}

	err := p.execute(p.ctx, wt, item)
	p.release(item)
	if err == nil {
		p.completion.MarkCompleted(item)
		return
	}
	if p.ctx.Err() != nil {
		return
	}

	item.Retries++
	if item.Retries > p.opts.MaxRetries {
		p.log.Warn().Str("work", item.ID).Int("retries", item.Retries-1).Msg("Max retries reached, giving up")
		return
	}
	p.retryLater(item)
}

func (p *Processor) retryLater(item *WorkItem) {
	delay := p.opts.RetryDelay * time.Duration(item.Retries)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if old := p.timers[item.ID]; old != nil {
		old.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		if p.timers[item.ID] == timer {
			delete(p.timers, item.ID)
		}
		p.mu.Unlock()

		if err := p.enqueue(item); err != nil && !errors.Is(err, ErrAlreadyQueued) && !errors.Is(err, ErrStopped) {
			p.log.Warn().Err(err).Str("work", item.ID).Msg("Failed to requeue work")
		}
	})
	p.timers[item.ID] = timer
}

// execute runs one item with the work timeout, run history and lifecycle events
func (p *Processor) execute(parent context.Context, wt *WorkType, item *WorkItem) error {
	ctx, cancel := context.WithTimeout(parent, p.opts.Timeout)
	defer cancel()

	var runID string
	started := time.Now()
	if p.runs != nil {
		id, at, err := p.runs.Start(ctx, item)
		if err != nil {
			p.log.Warn().Err(err).Str("work", item.ID).Msg("Failed to record run")
		}
		runID, started = id, at
	}
	p.emit(&events.JobStatusData{
		RunID:       runID,
		WorkType:    item.TypeID,
		Subject:     item.Subject,
		Status:      "started",
		Description: wt.Description,
		Timestamp:   started,
	})

	err := p.call(ctx, wt, item)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("work timed out after %s: %w", p.opts.Timeout, err)
	}
	elapsed := time.Since(started)

	if p.runs != nil && runID != "" {
		if ferr := p.runs.Finish(context.WithoutCancel(ctx), runID, started, err); ferr != nil {
			p.log.Warn().Err(ferr).Str("work", item.ID).Msg("Failed to record run outcome")
		}
	}
	for _, o := range p.observers {
		o.WorkFinished(item.TypeID, err, elapsed)
	}

	status := &events.JobStatusData{
		RunID:       runID,
		WorkType:    item.TypeID,
		Subject:     item.Subject,
		Status:      "completed",
		Description: wt.Description,
		Duration:    elapsed.Seconds(),
		Metadata:    map[string]interface{}{"attempt": item.Retries + 1},
		Timestamp:   time.Now(),
	}
	if err != nil {
		status.Status = "failed"
		status.Error = err.Error()
		p.log.Error().Err(err).Str("work", item.ID).Int("attempt", item.Retries+1).Msg("Work failed")
	} else {
		p.log.Debug().Str("work", item.ID).Dur("elapsed", elapsed).Msg("Work completed")
	}
	p.emit(status)
	return err
}

func (p *Processor) call(ctx context.Context, wt *WorkType, item *WorkItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Str("work", item.ID).
				Msg("Work panicked")
			err = fmt.Errorf("work %s panicked: %v", item.ID, r)
		}
	}()
	return wt.Execute(ctx, item.Subject)
}

func (p *Processor) emit(data events.EventData) {
	if p.emitter != nil {
		p.emitter.Emit("work", data)
	}
}
