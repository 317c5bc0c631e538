package client

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/tinyrollup/pkg/metrics"
)

// Config holds configuration for the batcher
type Config struct {
	MaxBatchSize int
	FlushEvery   time.Duration
	SendTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 1000
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
}

// Batcher buffers samples and sends them when the batch fills up or the
// flush interval passes.
type Batcher struct {
	config    Config
	transport Transport

	mu      sync.Mutex
	pending []metrics.Metric

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// only one flush runs at a time
	flushing atomic.Bool

	sent     atomic.Uint64
	rejected atomic.Uint64
	failed   atomic.Uint64
}

// NewBatcher creates a batcher over transport.
func NewBatcher(transport Transport, config Config) *Batcher {
	config.applyDefaults()
	return &Batcher{
		config:    config,
		transport: transport,
		pending:   make([]metrics.Metric, 0, config.MaxBatchSize),
		done:      make(chan struct{}),
	}
}

// Start starts the periodic flush loop.
func (b *Batcher) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	go b.flushLoop()
}

// Add queues a sample. A full batch is sent in the background.
func (b *Batcher) Add(m metrics.Metric) {
	b.mu.Lock()
	b.pending = append(b.pending, m)
	full := len(b.pending) >= b.config.MaxBatchSize
	b.mu.Unlock()

	if full && b.flushing.CompareAndSwap(false, true) {
		go func() {
			defer b.flushing.Store(false)
			b.send(b.take())
		}()
	}
}

// Flush sends everything pending and waits for the result.
func (b *Batcher) Flush() error {
	return b.send(b.take())
}

// Stop stops the flush loop and sends what is left.
func (b *Batcher) Stop() error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	return b.Flush()
}

// Stats returns how many samples were accepted, rejected by the server,
// and lost to failed requests.
func (b *Batcher) Stats() (sent, rejected, failed uint64) {
	return b.sent.Load(), b.rejected.Load(), b.failed.Load()
}

func (b *Batcher) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if b.flushing.CompareAndSwap(false, true) {
				b.send(b.take())
				b.flushing.Store(false)
			}
		}
	}
}

func (b *Batcher) take() []metrics.Metric {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	out := make([]metrics.Metric, len(b.pending))
	copy(out, b.pending)
	b.pending = b.pending[:0]
	return out
}

func (b *Batcher) send(samples []metrics.Metric) error {
	if len(samples) == 0 {
		return nil
	}

	// the final flush runs after the loop context is cancelled
	ctx, cancel := context.WithTimeout(context.Background(), b.config.SendTimeout)
	defer cancel()

	res, err := b.transport.Send(ctx, samples)
	if err != nil {
		b.failed.Add(uint64(len(samples)))
		log.Printf("Failed to send %d samples: %v", len(samples), err)
		return err
	}
	b.sent.Add(uint64(res.Accepted))
	b.rejected.Add(uint64(res.Rejected()))
	return nil
}
