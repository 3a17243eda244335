package agentfactory

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/percolation-labs/rem/internal/llm"
	"github.com/percolation-labs/rem/internal/storage/storagetest"
)

type fakeProvider struct {
	responses []llm.Response
	calls     int
}

func (f *fakeProvider) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if f.calls >= len(f.responses) {
		return llm.Response{}, fmt.Errorf("fakeProvider: no more canned responses")
	}
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

type fakeToolProvider struct {
	tools map[string]BoundTool
}

func (f *fakeToolProvider) Resolve(ctx context.Context, name string, caller CallerContext) (BoundTool, error) {
	tool, ok := f.tools[name]
	if !ok {
		return BoundTool{}, fmt.Errorf("fakeToolProvider: unknown tool %q", name)
	}
	return tool, nil
}

func seedSchema(t *testing.T, store *storagetest.Fake, name string, spec map[string]any) {
	t.Helper()
	_, _, err := store.Upsert(context.Background(), "schemas", "name", map[string]any{
		"name": name,
		"spec": spec,
	})
	if err != nil {
		t.Fatalf("seeding schema %q: %v", name, err)
	}
}

func strPtr(s string) *string { return &s }

func TestBuildLoadsAndParsesSchema(t *testing.T) {
	store := storagetest.New()
	seedSchema(t, store, "test-agent", map[string]any{
		"description": "You are a helpful assistant.",
		"properties": map[string]any{
			"answer": map[string]any{"type": "string"},
		},
		"required":         []any{"answer"},
		"x-max-iterations": 3,
	})

	registry := llm.NewRegistry()
	provider := &fakeProvider{responses: []llm.Response{{Content: strPtr(`{"answer":"hi"}`)}}}
	registry.Register("fake", provider)

	factory := New(NewCache(store), &fakeToolProvider{tools: map[string]BoundTool{}}, registry)
	agent, err := factory.Build(context.Background(), "test-agent", "fake:test-model", CallerContext{TenantID: "t1"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	content, events, err := agent.Run(context.Background(), []llm.Message{{Role: "user", Content: strPtr("hello")}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if content != `{"answer":"hi"}` {
		t.Fatalf("unexpected content: %q", content)
	}
	if len(events) != 2 || events[len(events)-1].Type != EventDone {
		t.Fatalf("expected content+done events, got %+v", events)
	}

	out, err := agent.ValidateOutput(content)
	if err != nil {
		t.Fatalf("ValidateOutput: %v", err)
	}
	if out["answer"] != "hi" {
		t.Fatalf("unexpected validated output: %v", out)
	}
}

func TestBuildAppliesOpenAICompatibilityPass(t *testing.T) {
	store := storagetest.New()
	seedSchema(t, store, "strict-agent", map[string]any{
		"description": "strict",
		"properties": map[string]any{
			"required_field": map[string]any{"type": "string"},
			"optional_field": map[string]any{"type": "string"},
		},
		"required": []any{"required_field"},
	})

	registry := llm.NewRegistry()
	registry.Register("openai", &fakeProvider{responses: []llm.Response{{Content: strPtr("{}")}}})

	factory := New(NewCache(store), &fakeToolProvider{tools: map[string]BoundTool{}}, registry)
	agent, err := factory.Build(context.Background(), "strict-agent", "openai:gpt-test", CallerContext{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	schema := agent.OutputSchema()
	if schema.AdditionalProperties == nil {
		t.Fatal("expected additionalProperties forced false for openai")
	}
	requiredSet := map[string]bool{}
	for _, r := range schema.Required {
		requiredSet[r] = true
	}
	if !requiredSet["required_field"] || !requiredSet["optional_field"] {
		t.Fatalf("expected all properties required under strict mode, got %v", schema.Required)
	}
}

func TestRunInvokesToolsAndFeedsResultsBack(t *testing.T) {
	store := storagetest.New()
	seedSchema(t, store, "tool-agent", map[string]any{
		"description": "uses a tool",
		"properties":  map[string]any{"result": map[string]any{"type": "string"}},
		"x-tools":     []any{"echo"},
	})

	toolArgs := map[string]any{"text": "ping"}
	argsJSON, _ := json.Marshal(toolArgs)
	toolCallMsg := llm.Response{
		ToolCalls: []llm.ToolCall{{ID: "call-1", Type: "function", Function: llm.FunctionCall{Name: "echo", Arguments: string(argsJSON)}}},
	}
	finalMsg := llm.Response{Content: strPtr(`{"result":"ok"}`)}

	registry := llm.NewRegistry()
	registry.Register("fake", &fakeProvider{responses: []llm.Response{toolCallMsg, finalMsg}})

	var invokedWith string
	tools := &fakeToolProvider{tools: map[string]BoundTool{
		"echo": {
			Definition: llm.ToolDefinition{Name: "echo", Description: "echoes input"},
			Invoke: func(ctx context.Context, argsJSON string) (string, error) {
				invokedWith = argsJSON
				return `{"echoed":"ping"}`, nil
			},
		},
	}}

	factory := New(NewCache(store), tools, registry)
	agent, err := factory.Build(context.Background(), "tool-agent", "fake:test-model", CallerContext{TenantID: "t1", UserID: "u1"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	content, events, err := agent.Run(context.Background(), []llm.Message{{Role: "user", Content: strPtr("go")}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if content != `{"result":"ok"}` {
		t.Fatalf("unexpected final content: %q", content)
	}
	if invokedWith != string(argsJSON) {
		t.Fatalf("expected tool invoked with %q, got %q", argsJSON, invokedWith)
	}

	var sawToolStart, sawToolDone bool
	for _, e := range events {
		if e.Type == EventToolStart {
			sawToolStart = true
		}
		if e.Type == EventToolDone {
			sawToolDone = true
		}
	}
	if !sawToolStart || !sawToolDone {
		t.Fatalf("expected tool_start and tool_done events, got %+v", events)
	}
}

func TestRunFailsWhenMaxIterationsExceeded(t *testing.T) {
	store := storagetest.New()
	seedSchema(t, store, "looping-agent", map[string]any{
		"description":      "loops forever",
		"x-tools":          []any{"echo"},
		"x-max-iterations": 2,
	})

	loopCall := llm.Response{
		ToolCalls: []llm.ToolCall{{ID: "call-1", Type: "function", Function: llm.FunctionCall{Name: "echo", Arguments: `{}`}}},
	}
	registry := llm.NewRegistry()
	registry.Register("fake", &fakeProvider{responses: []llm.Response{loopCall, loopCall, loopCall}})

	tools := &fakeToolProvider{tools: map[string]BoundTool{
		"echo": {
			Definition: llm.ToolDefinition{Name: "echo"},
			Invoke: func(ctx context.Context, argsJSON string) (string, error) {
				return `{}`, nil
			},
		},
	}}

	factory := New(NewCache(store), tools, registry)
	agent, err := factory.Build(context.Background(), "looping-agent", "fake:test-model", CallerContext{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	_, _, err = agent.Run(context.Background(), []llm.Message{{Role: "user", Content: strPtr("go")}})
	if err == nil {
		t.Fatal("expected max_iterations error")
	}
}

func TestBuildFailsOnUnknownTool(t *testing.T) {
	store := storagetest.New()
	seedSchema(t, store, "bad-agent", map[string]any{
		"description": "refers to a missing tool",
		"x-tools":     []any{"does-not-exist"},
	})

	registry := llm.NewRegistry()
	registry.Register("fake", &fakeProvider{})

	factory := New(NewCache(store), &fakeToolProvider{tools: map[string]BoundTool{}}, registry)
	_, err := factory.Build(context.Background(), "bad-agent", "fake:test-model", CallerContext{})
	if err == nil {
		t.Fatal("expected error resolving unknown tool")
	}
}

func TestCacheLoadsOncePerName(t *testing.T) {
	store := storagetest.New()
	seedSchema(t, store, "cached-agent", map[string]any{"description": "v1"})

	cache := NewCache(store)
	first, err := cache.Load(context.Background(), "cached-agent")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	seedSchema(t, store, "cached-agent", map[string]any{"description": "v2"})
	second, err := cache.Load(context.Background(), "cached-agent")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if first.Description != second.Description {
		t.Fatalf("expected cached definition to be stable across storage updates, got %q then %q", first.Description, second.Description)
	}

	cache.Evict("cached-agent")
	third, err := cache.Load(context.Background(), "cached-agent")
	if err != nil {
		t.Fatalf("Load after evict: %v", err)
	}
	if third.Description != "v2" {
		t.Fatalf("expected evicted cache to reload, got %q", third.Description)
	}
}
