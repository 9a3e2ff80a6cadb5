package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// BatchConfig tunes the batcher.
type BatchConfig struct {
	MaxBatchSize int
	FlushEvery   time.Duration
}

// Batcher buffers records and sends them in batches, either when the
// buffer fills or on the flush interval. Records that fail to send are
// put back at the front of the buffer and retried on the next flush,
// so a transient exposer outage loses nothing.
type Batcher struct {
	config    BatchConfig
	transport Transport

	records []OutgoingRecord
	mu      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	flushing atomic.Bool // one in-flight flush at a time
}

// NewBatcher creates a batcher over the transport.
func NewBatcher(transport Transport, config BatchConfig) *Batcher {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 100
	}
	if config.FlushEvery <= 0 {
		config.FlushEvery = 5 * time.Second
	}
	return &Batcher{
		config:    config,
		transport: transport,
		records:   make([]OutgoingRecord, 0, config.MaxBatchSize),
		done:      make(chan struct{}),
	}
}

// Start begins the periodic flush loop.
func (b *Batcher) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	go b.flushLoop()
}

// Add buffers one record, triggering an async flush when the batch is
// full. CompareAndSwap keeps a single flush goroutine under load.
func (b *Batcher) Add(rec OutgoingRecord) {
	b.mu.Lock()
	b.records = append(b.records, rec)
	shouldFlush := len(b.records) >= b.config.MaxBatchSize
	b.mu.Unlock()

	if shouldFlush && b.flushing.CompareAndSwap(false, true) {
		go func() {
			b.Flush(b.ctx)
			b.flushing.Store(false)
		}()
	}
}

// Flush sends everything buffered. On failure the records go back to
// the front of the buffer.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.records) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := make([]OutgoingRecord, len(b.records))
	copy(batch, b.records)
	b.records = b.records[:0]
	b.mu.Unlock()

	if err := b.transport.Send(ctx, batch); err != nil {
		b.mu.Lock()
		b.records = append(batch, b.records...)
		b.mu.Unlock()
		return err
	}
	return nil
}

// Stop flushes once more and shuts the loop down.
func (b *Batcher) Stop() error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return b.Flush(ctx)
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
			// Failed records stay buffered for the next tick.
			b.Flush(b.ctx)
		}
	}
}
