// Package embedworker runs the background pool that turns queued text into
// stored vectors. Writes to an embeddable field return as soon as the row
// is committed; embedding happens out-of-band here, batched for API
// efficiency and bounded so a burst of writes cannot exhaust memory.
package embedworker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/percolation-labs/rem/internal/embed"
	"github.com/percolation-labs/rem/internal/storage"
)

// Config tunes the pool. Defaults mirror the original single-process
// worker: a small pool, small batches, a short batch window.
type Config struct {
	Workers      int
	QueueSize    int
	BatchSize    int
	BatchTimeout time.Duration
	Provider     string // registry provider key and the value stored in embeddings_<table>.provider
	Model        string
	Logger       *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Workers == 0 {
		c.Workers = 2
	}
	if c.QueueSize == 0 {
		c.QueueSize = 1000
	}
	if c.BatchSize == 0 {
		c.BatchSize = 10
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = time.Second
	}
	if c.Provider == "" {
		c.Provider = "openai"
	}
	if c.Model == "" {
		c.Model = embed.DefaultModel
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Pool is a bounded, batching embedding worker pool. The queue drops the
// oldest pending task when full rather than blocking the writer that
// enqueued it — embeddings are a derived index, not the system of record,
// so losing one under sustained overload is an acceptable, explicit
// trade-off.
type Pool struct {
	cfg      Config
	store    storage.Store
	embedder embed.Embedder
	log      *slog.Logger

	mu      sync.Mutex
	queue   []storage.EmbedTask
	notify  chan struct{}
	dropped uint64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Pool. Call Start to launch its workers and Stop to shut
// them down.
func New(store storage.Store, embedder embed.Embedder, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:      cfg,
		store:    store,
		embedder: embedder,
		log:      cfg.Logger.With("component", "embedworker"),
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue implements storage.EmbedSink. Non-blocking: it always returns
// immediately, dropping the oldest queued task if the queue is already at
// QueueSize.
func (p *Pool) Enqueue(task storage.EmbedTask) {
	p.mu.Lock()
	if len(p.queue) >= p.cfg.QueueSize {
		p.queue = p.queue[1:]
		p.dropped++
		p.log.Warn("embed queue full, dropped oldest task", "dropped_total", p.dropped)
	}
	p.queue = append(p.queue, task)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Dropped returns the number of tasks dropped so far due to overflow.
func (p *Pool) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Start launches the configured number of worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
}

// Stop cancels the workers' context and waits for them to exit. Workers
// keep taking tasks until the queue is empty, but a batch that is in flight
// or taken after the cancellation is embedded with the cancelled context,
// so an embedder that honours cancellation fails it and the failure is
// logged. There is no grace period during which queued tasks are still
// embedded.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With("worker", id)
	for {
		batch := p.collectBatch(ctx)
		if ctx.Err() != nil && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			continue
		}
		if err := p.processBatch(ctx, batch); err != nil {
			log.Error("embed batch failed", "error", err, "batch_size", len(batch))
		}
	}
}

// collectBatch waits for at least one task, then greedily adds more until
// the batch holds BatchSize or BatchTimeout has passed — the same two-stage
// wait the original worker uses (a long wait for the first item, a short
// one for the rest).
func (p *Pool) collectBatch(ctx context.Context) []storage.EmbedTask {
	first, ok := p.waitForTask(ctx, -1)
	if !ok {
		return nil
	}
	batch := []storage.EmbedTask{first}

	deadline := time.NewTimer(p.cfg.BatchTimeout)
	defer deadline.Stop()
	for len(batch) < p.cfg.BatchSize {
		task, ok := p.tryDequeue()
		if ok {
			batch = append(batch, task)
			continue
		}
		select {
		case <-p.notify:
			continue
		case <-deadline.C:
			return batch
		case <-ctx.Done():
			return batch
		}
	}
	return batch
}

func (p *Pool) waitForTask(ctx context.Context, timeout time.Duration) (storage.EmbedTask, bool) {
	for {
		if task, ok := p.tryDequeue(); ok {
			return task, true
		}
		select {
		case <-p.notify:
			continue
		case <-ctx.Done():
			return storage.EmbedTask{}, false
		}
	}
}

func (p *Pool) tryDequeue() (storage.EmbedTask, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return storage.EmbedTask{}, false
	}
	task := p.queue[0]
	p.queue = p.queue[1:]
	return task, true
}

func (p *Pool) processBatch(ctx context.Context, batch []storage.EmbedTask) error {
	texts := make([]string, len(batch))
	for i, t := range batch {
		texts[i] = t.Content
	}

	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}

	for i, task := range batch {
		if err := p.store.UpsertEmbedding(ctx, task.Table, task.RowID, task.Field, p.cfg.Provider, p.cfg.Model, vectors[i]); err != nil {
			p.log.Error("upsert embedding failed", "table", task.Table, "row_id", task.RowID, "error", err)
		}
	}
	return nil
}
