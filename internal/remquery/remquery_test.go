package remquery

import (
	"context"
	"testing"

	"github.com/percolation-labs/rem/internal/embed"
	"github.com/percolation-labs/rem/internal/models"
	"github.com/percolation-labs/rem/internal/remquery/dialect"
	"github.com/percolation-labs/rem/internal/storage"
	"github.com/percolation-labs/rem/internal/storage/storagetest"
)

type constantEmbedder struct{ vector []float32 }

func (c constantEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = c.vector
	}
	return out, nil
}

func (c constantEmbedder) Dimension() int { return len(c.vector) }

func newTestEngine(t *testing.T) (*Engine, *storagetest.Fake) {
	t.Helper()
	store := storagetest.New()
	store.SetEntityKind("resources", "Resource")
	store.SetEntityKind("moments", "Moment")

	reg := models.CoreRegistry()
	embeds := embed.NewRegistry()
	embeds.Register("openai", constantEmbedder{vector: []float32{1, 0, 0}})

	return New(store, reg, embeds), store
}

func seedResource(t *testing.T, store *storagetest.Fake, uri, content string, edges []storage.Edge) string {
	t.Helper()
	cols := map[string]any{
		"uri": uri, "content": content, "tenant_id": "acme", "category": "doc",
	}
	if edges != nil {
		cols["graph_edges"] = edges
	}
	id, _, err := store.Upsert(context.Background(), "resources", "uri", cols)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestLookupConcatenatesInRequestOrder(t *testing.T) {
	engine, store := newTestEngine(t)
	seedResource(t, store, "doc-b", "second", nil)
	seedResource(t, store, "doc-a", "first", nil)

	res, err := engine.Execute(context.Background(), "acme", nil, dialect.Query{
		Mode: dialect.ModeLookup, Params: map[string]any{"key": []string{"doc-a", "missing-key", "doc-b"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Keys) != 2 {
		t.Fatalf("got %d keys, want 2 (unknown key silently dropped)", len(res.Keys))
	}
	if res.Keys[0].EntityKey != "doc-a" || res.Keys[1].EntityKey != "doc-b" {
		t.Fatalf("keys out of request order: %+v", res.Keys)
	}
}

func TestFuzzyRanksBySimilarity(t *testing.T) {
	engine, store := newTestEngine(t)
	seedResource(t, store, "project-update-q3", "content", nil)
	seedResource(t, store, "unrelated-entry", "content", nil)

	res, err := engine.Execute(context.Background(), "acme", nil, dialect.Query{
		Mode: dialect.ModeFuzzy, Params: map[string]any{"query_text": "project update", "threshold": 0.2, "limit": 5},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.ScoredKeys) == 0 {
		t.Fatal("expected at least one fuzzy match")
	}
	if res.ScoredKeys[0].EntityKey != "project-update-q3" {
		t.Fatalf("top match = %q, want project-update-q3", res.ScoredKeys[0].EntityKey)
	}
}

func TestSearchRejectsNonEmbeddableField(t *testing.T) {
	engine, store := newTestEngine(t)
	seedResource(t, store, "doc-a", "hello", nil)

	_, err := engine.Execute(context.Background(), "acme", nil, dialect.Query{
		Mode: dialect.ModeSearch,
		Params: map[string]any{
			"query_text": "hello", "table_name": "resources", "field_name": "category",
		},
	})
	if err == nil {
		t.Fatal("expected EmbeddingFieldNotFoundError for a non-embeddable field")
	}
}

func TestSearchReturnsScoredRows(t *testing.T) {
	engine, store := newTestEngine(t)
	id := seedResource(t, store, "doc-a", "hello world", nil)
	store.SeedVector("resources", id, "content", []float32{1, 0, 0})

	res, err := engine.Execute(context.Background(), "acme", nil, dialect.Query{
		Mode: dialect.ModeSearch,
		Params: map[string]any{
			"query_text": "hello", "table_name": "resources", "min_similarity": 0.1, "limit": 5,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rows) != 1 || res.Rows[0].ID != id {
		t.Fatalf("got %+v, want one row for %s", res.Rows, id)
	}
}

func TestTraversePlanModeSummarizesWithoutExpanding(t *testing.T) {
	engine, store := newTestEngine(t)
	seedResource(t, store, "doc-b", "b", nil)
	seedResource(t, store, "doc-c", "c", nil)
	seedResource(t, store, "doc-a", "a", []storage.Edge{
		{Dst: "doc-b", RelType: "references", Weight: 0.9},
		{Dst: "doc-c", RelType: "references", Weight: 0.5},
		{Dst: "doc-b", RelType: "builds_on", Weight: 0.3},
	})

	res, err := engine.Execute(context.Background(), "acme", nil, dialect.Query{
		Mode: dialect.ModeTraverse, Params: map[string]any{"key": "doc-a", "max_depth": 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Traversal) != 0 {
		t.Fatalf("PLAN mode must not expand: got %d rows", len(res.Traversal))
	}
	want := map[string]int{"references": 2, "builds_on": 1}
	if len(res.EdgePlan) != 2 {
		t.Fatalf("got %d edge-type summaries, want 2", len(res.EdgePlan))
	}
	for _, s := range res.EdgePlan {
		if want[s.RelType] != s.Count {
			t.Fatalf("rel_type %q count = %d, want %d", s.RelType, s.Count, want[s.RelType])
		}
	}
}

func TestTraverseDepthOneFiltersByRelType(t *testing.T) {
	engine, store := newTestEngine(t)
	seedResource(t, store, "doc-b", "b", nil)
	seedResource(t, store, "doc-c", "c", nil)
	seedResource(t, store, "doc-a", "a", []storage.Edge{
		{Dst: "doc-b", RelType: "references", Weight: 0.9},
		{Dst: "doc-c", RelType: "builds_on", Weight: 0.5},
	})

	res, err := engine.Execute(context.Background(), "acme", nil, dialect.Query{
		Mode: dialect.ModeTraverse,
		Params: map[string]any{"key": "doc-a", "max_depth": 1, "edge_types": []string{"references"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Traversal) != 1 || res.Traversal[0].Key != "doc-b" {
		t.Fatalf("got %+v, want exactly doc-b via references", res.Traversal)
	}
}

func TestTraverseSkipsTombstonedTargetButReportsItOnce(t *testing.T) {
	engine, store := newTestEngine(t)
	seedResource(t, store, "doc-a", "a", []storage.Edge{
		{Dst: "doc-missing", RelType: "references", Weight: 1, Properties: map[string]any{"dst_entity_type": "Resource"}},
	})

	res, err := engine.Execute(context.Background(), "acme", nil, dialect.Query{
		Mode: dialect.ModeTraverse, Params: map[string]any{"key": "doc-a", "max_depth": 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Traversal) != 1 {
		t.Fatalf("got %d rows, want exactly one tombstoned report", len(res.Traversal))
	}
	if !res.Traversal[0].Tombstoned || res.Traversal[0].Key != "doc-missing" {
		t.Fatalf("got %+v, want a single tombstoned row for doc-missing", res.Traversal[0])
	}
}
