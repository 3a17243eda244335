package toolregistry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/percolation-labs/rem/internal/agentfactory"
	"github.com/percolation-labs/rem/internal/embed"
	"github.com/percolation-labs/rem/internal/llm"
	"github.com/percolation-labs/rem/internal/models"
	"github.com/percolation-labs/rem/internal/remquery"
	"github.com/percolation-labs/rem/internal/storage/storagetest"
)

type fakeFileStore struct {
	stored map[string][]byte
}

func newFakeFileStore() *fakeFileStore { return &fakeFileStore{stored: map[string][]byte{}} }

func (f *fakeFileStore) Put(ctx context.Context, name, mimeType string, data []byte) (string, error) {
	uri := "file://" + name
	f.stored[uri] = data
	return uri, nil
}

func (f *fakeFileStore) Get(ctx context.Context, uri string) ([]byte, error) {
	data, ok := f.stored[uri]
	if !ok {
		return nil, context.Canceled
	}
	return data, nil
}

type fakePlannerProvider struct {
	content string
}

func (f *fakePlannerProvider) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	content := f.content
	return llm.Response{Content: &content}, nil
}

func newTestDeps(t *testing.T) (Deps, *storagetest.Fake) {
	t.Helper()
	store := storagetest.New()
	entities := models.NewRegistry()
	entities.Register(models.EntityDescriptor{Kind: "Resource", TableName: "resources", EntityKeyField: "uri"})
	entities.Register(models.EntityDescriptor{Kind: "Moment", TableName: "moments", EntityKeyField: "name"})

	llms := llm.NewRegistry()
	llms.Register("fake", &fakePlannerProvider{content: `{"query":"LOOKUP sarah-chen","confidence":0.95,"reasoning":""}`})

	engine := remquery.New(store, entities, embed.NewRegistry())

	return Deps{
		Store:        store,
		Query:        engine,
		Entities:     entities,
		LLMs:         llms,
		PlannerModel: "fake:test-model",
		Files:        newFakeFileStore(),
	}, store
}

func TestCreateResourceThenLookupRoundTrip(t *testing.T) {
	deps, _ := newTestDeps(t)
	registry := New(deps)
	caller := agentfactory.CallerContext{TenantID: "t1", UserID: "u1"}

	createArgs := `{"uri":"sarah-chen","content":"Sarah Chen is a product manager."}`
	out, err := invokeTool(t, registry, "create_resource", caller, createArgs)
	if err != nil {
		t.Fatalf("create_resource: %v", err)
	}
	if out == "" {
		t.Fatal("expected non-empty create_resource result")
	}

	queryOut, err := invokeTool(t, registry, "query", caller, `{"query":"LOOKUP sarah-chen"}`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(queryOut), &result); err != nil {
		t.Fatalf("decoding query result: %v", err)
	}
	keys, _ := result["Keys"].([]any)
	if len(keys) != 1 {
		t.Fatalf("expected 1 resolved key, got %v", result)
	}
}

func TestAskToolPlansAndExecutes(t *testing.T) {
	deps, _ := newTestDeps(t)
	registry := New(deps)
	caller := agentfactory.CallerContext{TenantID: "t1"}

	if _, err := invokeTool(t, registry, "create_resource", caller, `{"uri":"sarah-chen","content":"Sarah Chen bio"}`); err != nil {
		t.Fatalf("seeding resource: %v", err)
	}

	out, err := invokeTool(t, registry, "ask", caller, `{"question":"Show me Sarah Chen"}`)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	var decoded struct {
		Query      string  `json:"query"`
		Confidence float64 `json:"confidence"`
		Result     any     `json:"result"`
	}
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("decoding ask result: %v", err)
	}
	if decoded.Query != "LOOKUP sarah-chen" {
		t.Fatalf("unexpected planned query: %q", decoded.Query)
	}
	if decoded.Confidence != 0.95 {
		t.Fatalf("unexpected confidence: %v", decoded.Confidence)
	}
}

func TestCreateMomentTool(t *testing.T) {
	deps, store := newTestDeps(t)
	registry := New(deps)
	caller := agentfactory.CallerContext{TenantID: "t1", UserID: "u1"}

	out, err := invokeTool(t, registry, "create_moment", caller,
		`{"name":"trip-planning","summary":"Planned a trip","topic_tags":["travel"]}`)
	if err != nil {
		t.Fatalf("create_moment: %v", err)
	}
	if out == "" {
		t.Fatal("expected non-empty result")
	}
	row, err := store.GetByNaturalKey(context.Background(), "moments", "name", "trip-planning")
	if err != nil {
		t.Fatalf("fetching created moment: %v", err)
	}
	if row.Columns["summary"] != "Planned a trip" {
		t.Fatalf("unexpected stored summary: %v", row.Columns["summary"])
	}
}

func TestUpdateGraphEdgesAppendsToExistingEdges(t *testing.T) {
	deps, store := newTestDeps(t)
	registry := New(deps)
	caller := agentfactory.CallerContext{TenantID: "t1"}

	id, _, err := store.Upsert(context.Background(), "resources", "uri", map[string]any{
		"tenant_id": "t1",
		"uri":       "doc-1",
		"content":   "hello",
		"graph_edges": []models.InlineEdge{
			{Dst: "doc-0", RelType: "references"},
		},
	})
	if err != nil {
		t.Fatalf("seeding resource: %v", err)
	}

	out, err := invokeTool(t, registry, "update_graph_edges", caller,
		`{"table":"resources","id":"`+id+`","edges":[{"dst":"doc-2","rel_type":"references"}]}`)
	if err != nil {
		t.Fatalf("update_graph_edges: %v", err)
	}
	if out == "" {
		t.Fatal("expected non-empty result")
	}

	row, err := store.GetByID(context.Background(), "resources", id)
	if err != nil {
		t.Fatalf("refetching resource: %v", err)
	}
	edges, ok := row.Columns["graph_edges"].([]models.InlineEdge)
	if !ok || len(edges) != 2 || edges[0].Dst != "doc-0" || edges[1].Dst != "doc-2" {
		t.Fatalf("expected the existing edge to doc-0 followed by a new edge to doc-2, got %v", row.Columns["graph_edges"])
	}
}

func TestUploadAndDownloadFileRoundTrip(t *testing.T) {
	deps, _ := newTestDeps(t)
	registry := New(deps)
	caller := agentfactory.CallerContext{TenantID: "t1"}

	uploadOut, err := invokeTool(t, registry, "upload_file", caller,
		`{"name":"notes.txt","mime_type":"text/plain","content_base64":"aGVsbG8="}`)
	if err != nil {
		t.Fatalf("upload_file: %v", err)
	}
	var uploaded struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal([]byte(uploadOut), &uploaded); err != nil {
		t.Fatalf("decoding upload result: %v", err)
	}

	downloadOut, err := invokeTool(t, registry, "download_file", caller, `{"uri":"`+uploaded.URI+`"}`)
	if err != nil {
		t.Fatalf("download_file: %v", err)
	}
	var downloaded struct {
		ContentBase64 string `json:"content_base64"`
	}
	if err := json.Unmarshal([]byte(downloadOut), &downloaded); err != nil {
		t.Fatalf("decoding download result: %v", err)
	}
	if downloaded.ContentBase64 != "aGVsbG8=" {
		t.Fatalf("unexpected roundtripped content: %q", downloaded.ContentBase64)
	}
}

func TestResolveUnknownToolFails(t *testing.T) {
	deps, _ := newTestDeps(t)
	registry := New(deps)
	if _, err := registry.Resolve(context.Background(), "does-not-exist", agentfactory.CallerContext{}); err == nil {
		t.Fatal("expected error resolving an unregistered tool")
	}
}

func invokeTool(t *testing.T, registry *Registry, name string, caller agentfactory.CallerContext, argsJSON string) (string, error) {
	t.Helper()
	bound, err := registry.Resolve(context.Background(), name, caller)
	if err != nil {
		return "", err
	}
	return bound.Invoke(context.Background(), argsJSON)
}
