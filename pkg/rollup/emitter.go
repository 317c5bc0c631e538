package rollup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinyrollup/pkg/observability"
)

// Sink receives emitted batches. WriteBatch is called from one dispatcher
// goroutine per sink, never concurrently for the same sink.
type Sink interface {
	Name() string
	WriteBatch(ctx context.Context, b Batch) error
}

// DeliveryRecorder observes the outcome of each delivery attempt.
type DeliveryRecorder interface {
	RecordSuccess(sink string)
	RecordFailure(sink string, err error)
}

var (
	// ErrEmitterClosed is returned when adding a sink after Close
	ErrEmitterClosed = errors.New("emitter closed")

	// ErrDuplicateSink is returned when a sink name is already registered
	ErrDuplicateSink = errors.New("sink already registered")
)

// EmitterOptions configures an Emitter.
type EmitterOptions struct {
	// QueueSize is the number of batches buffered per sink
	QueueSize int

	// MaxRetries is how often a failed write is retried before the batch
	// is dropped
	MaxRetries int

	// RetryBackoff is the delay before the first retry; it doubles per attempt
	RetryBackoff time.Duration

	Stats    *observability.Stats
	Recorder DeliveryRecorder
}

// Emitter fans batches out to sinks. Every sink has its own bounded queue
// and dispatcher, so a slow sink never blocks aggregation or other sinks.
type Emitter struct {
	opts EmitterOptions

	mu      sync.RWMutex
	queues  map[string]*sinkQueue
	closed  bool
	nextSub int

	// ctx is cancelled when Close gives up waiting for queued batches
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type sinkQueue struct {
	sink   Sink
	queue  chan Batch
	ctx    context.Context
	cancel context.CancelFunc
	onDone func()
}

// NewEmitter creates an emitter with no sinks.
func NewEmitter(opts EmitterOptions) *Emitter {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.Stats == nil {
		opts.Stats = observability.NewStats(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Emitter{
		opts:   opts,
		queues: make(map[string]*sinkQueue),
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddSink registers a sink and starts its dispatcher.
func (e *Emitter) AddSink(s Sink) error {
	_, err := e.addSink(s, nil)
	return err
}

func (e *Emitter) addSink(s Sink, onDone func()) (*sinkQueue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEmitterClosed
	}
	if _, ok := e.queues[s.Name()]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSink, s.Name())
	}

	ctx, cancel := context.WithCancel(e.ctx)
	q := &sinkQueue{
		sink:   s,
		queue:  make(chan Batch, e.opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		onDone: onDone,
	}
	e.queues[s.Name()] = q

	e.wg.Add(1)
	go e.run(q)
	return q, nil
}

// RemoveSink stops delivering to the named sink. Batches still queued for
// it are discarded.
func (e *Emitter) RemoveSink(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, ok := e.queues[name]
	if !ok {
		return false
	}
	delete(e.queues, name)
	q.cancel()
	close(q.queue)
	return true
}

// Sinks returns the registered sink names, sorted.
func (e *Emitter) Sinks() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.queues))
	for name := range e.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribe returns a channel that receives every published batch, and a
// function that ends the subscription and closes the channel. A subscriber
// that stops reading loses batches once its queue is full.
func (e *Emitter) Subscribe(buffer int) (<-chan Batch, func(), error) {
	ch := make(chan Batch, buffer)

	e.mu.Lock()
	e.nextSub++
	name := fmt.Sprintf("subscriber-%d", e.nextSub)
	e.mu.Unlock()

	var once sync.Once
	_, err := e.addSink(&chanSink{name: name, ch: ch}, func() { close(ch) })
	if err != nil {
		return nil, nil, err
	}
	return ch, func() { once.Do(func() { e.RemoveSink(name) }) }, nil
}

// Publish enqueues a batch for every sink. It never blocks: when a sink's
// queue is full the batch is dropped for that sink and counted. It returns
// the number of sinks the batch was queued for.
func (e *Emitter) Publish(b Batch) int {
	if b.Len() == 0 {
		return 0
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		e.opts.Stats.AddBatchesDropped(1)
		return 0
	}

	queued := 0
	for name, q := range e.queues {
		select {
		case q.queue <- b:
			queued++
		default:
			e.opts.Stats.AddBatchesDropped(1)
			log.Printf("Sink %s queue full, dropping %s batch (%d records)", name, b.Interval, b.Len())
		}
	}
	return queued
}

// Close stops accepting batches and waits for queued batches to be
// delivered. If ctx expires first, in-flight writes are cancelled.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for name, q := range e.queues {
		close(q.queue)
		delete(e.queues, name)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return fmt.Errorf("emitter close: %w", ctx.Err())
	}
}

func (e *Emitter) run(q *sinkQueue) {
	defer e.wg.Done()
	defer func() {
		if q.onDone != nil {
			q.onDone()
		}
	}()

	for b := range q.queue {
		if q.ctx.Err() != nil {
			continue
		}
		e.deliver(q, b)
	}
}

// deliver writes one batch, retrying with exponential backoff.
func (e *Emitter) deliver(q *sinkQueue, b Batch) {
	name := q.sink.Name()
	var lastErr error

	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.opts.RetryBackoff * time.Duration(1<<(attempt-1))
			observability.Debugf("Retrying sink %s in %v (attempt %d/%d)", name, delay, attempt+1, e.opts.MaxRetries+1)
			select {
			case <-time.After(delay):
			case <-q.ctx.Done():
				e.fail(name, b, q.ctx.Err())
				return
			}
		}

		err := q.sink.WriteBatch(q.ctx, b)
		if err == nil {
			if e.opts.Recorder != nil {
				e.opts.Recorder.RecordSuccess(name)
			}
			return
		}

		lastErr = err
		if e.opts.Recorder != nil {
			e.opts.Recorder.RecordFailure(name, err)
		}
		log.Printf("Sink %s write failed (attempt %d/%d): %v", name, attempt+1, e.opts.MaxRetries+1, err)
	}

	e.fail(name, b, lastErr)
}

func (e *Emitter) fail(name string, b Batch, err error) {
	e.opts.Stats.AddSinkFailures(1)
	log.Printf("Sink %s: dropping %s batch (%d records): %v", name, b.Interval, b.Len(), err)
}

// chanSink delivers batches to a subscriber channel.
type chanSink struct {
	name string
	ch   chan Batch
}

func (c *chanSink) Name() string { return c.name }

func (c *chanSink) WriteBatch(ctx context.Context, b Batch) error {
	select {
	case c.ch <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
