package embedworker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/percolation-labs/rem/internal/storage"
	"github.com/percolation-labs/rem/internal/storage/storagetest"
)

type fakeEmbedder struct {
	calls int32
	dim   int
}

func (f *fakeEmbedder) Dimension() int { return f.dim }

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt32(&f.calls, 1)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func TestPoolEmbedsEnqueuedTasks(t *testing.T) {
	store := storagetest.New()
	embedder := &fakeEmbedder{dim: 3}
	pool := New(store, embedder, Config{BatchTimeout: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	pool.Enqueue(storage.EmbedTask{Table: "resources", RowID: "r1", Field: "content", Content: "hello"})

	deadline := time.After(2 * time.Second)
	for {
		if _, err := store.Search(ctx, "resources", "content", []float32{1, 0, 0}, 1); err == nil {
			results, _ := store.Search(ctx, "resources", "content", []float32{1, 0, 0}, 1)
			if len(results) > 0 {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("embedding never landed in storage")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPoolDropsOldestOnOverflow(t *testing.T) {
	store := storagetest.New()
	embedder := &fakeEmbedder{dim: 3}
	pool := New(store, embedder, Config{QueueSize: 2, Workers: 0})

	pool.Enqueue(storage.EmbedTask{Table: "t", RowID: "a", Field: "content", Content: "a"})
	pool.Enqueue(storage.EmbedTask{Table: "t", RowID: "b", Field: "content", Content: "b"})
	pool.Enqueue(storage.EmbedTask{Table: "t", RowID: "c", Field: "content", Content: "c"})

	if got := pool.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
	if len(pool.queue) != 2 {
		t.Fatalf("queue length = %d, want 2", len(pool.queue))
	}
	if pool.queue[0].RowID != "b" {
		t.Fatalf("oldest surviving task RowID = %q, want %q", pool.queue[0].RowID, "b")
	}
}
