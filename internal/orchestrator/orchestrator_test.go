package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"github.com/percolation-labs/rem/internal/agentfactory"
	"github.com/percolation-labs/rem/internal/assembler"
	"github.com/percolation-labs/rem/internal/llm"
	"github.com/percolation-labs/rem/internal/session"
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

type noopToolProvider struct{}

func (noopToolProvider) Resolve(ctx context.Context, name string, caller agentfactory.CallerContext) (agentfactory.BoundTool, error) {
	return agentfactory.BoundTool{}, fmt.Errorf("noopToolProvider: no tools registered")
}

func strPtr(s string) *string { return &s }

func newTestOrchestrator(t *testing.T, content string) (*Orchestrator, *storagetest.Fake) {
	t.Helper()
	store := storagetest.New()
	_, _, err := store.Upsert(context.Background(), "schemas", "name", map[string]any{
		"name":        "chat",
		"description": "a chat agent",
	})
	if err != nil {
		t.Fatalf("seeding schema: %v", err)
	}

	llms := llm.NewRegistry()
	llms.Register("fake", &fakeProvider{responses: []llm.Response{{Content: strPtr(content)}}})

	factory := agentfactory.New(agentfactory.NewCache(store), noopToolProvider{}, llms)
	sessions := session.New("t1", store, nil)
	asm := assembler.New(sessions)

	return New(factory, asm, sessions), store
}

func TestRunEmitsContentAndDoneThenPersistsTurn(t *testing.T) {
	orch, store := newTestOrchestrator(t, "hello back")
	var events []Event
	content, err := orch.Run(context.Background(), Request{
		Caller:          agentfactory.CallerContext{TenantID: "t1", UserID: "u1"},
		SchemaName:      "chat",
		ProviderModelID: "fake:test-model",
		SessionID:       "sess-1",
		UserMessage:     "hi there",
	}, func(ev Event) { events = append(events, ev) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if content != "hello back" {
		t.Fatalf("unexpected content: %q", content)
	}

	var sawContent, sawDone bool
	for _, ev := range events {
		if ev.Kind == KindContent && ev.Content == "hello back" {
			sawContent = true
		}
		if ev.Kind == KindDone {
			sawDone = true
		}
	}
	if !sawContent || !sawDone {
		t.Fatalf("expected content+done events, got %+v", events)
	}

	turns, err := session.New("t1", store, nil).LoadTurns(context.Background(), "sess-1", false)
	if err != nil {
		t.Fatalf("loading persisted turns: %v", err)
	}
	if len(turns) != 2 || turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Fatalf("expected persisted user+assistant turns, got %+v", turns)
	}
	if turns[1].Content != "hello back" {
		t.Fatalf("unexpected persisted assistant content: %q", turns[1].Content)
	}
}

func TestRunSuppressesOuterContentAfterChildContentRelayed(t *testing.T) {
	var events []Event
	ctx := context.Background()

	// Simulate a tool that spawns a child agent by pushing directly onto a
	// sink, the same mechanism a real delegating tool's Invoke closure
	// would use via SinkFromContext.
	sink := NewSink(4)
	sink.Push(ctx, Event{Kind: KindContent, AgentName: "child-agent", Content: "child said this"})

	// Run directly against the drain/translate path by calling the same
	// sequence Run uses, since Run builds its own sink internally; this
	// exercises the suppression logic in isolation.
	for _, childEv := range sink.drain() {
		events = append(events, childEv)
	}
	suppressed := false
	for _, ev := range events {
		if ev.Kind == KindContent {
			suppressed = true
		}
	}
	if !suppressed {
		t.Fatal("expected child content event to set suppression")
	}

	outerEvents := translateAgentEvents([]agentfactory.Event{
		{Type: agentfactory.EventContent, Content: "outer content that should be suppressed"},
		{Type: agentfactory.EventDone},
	})
	var relayed []Event
	for _, ev := range outerEvents {
		if ev.Kind == KindContent && suppressed {
			continue
		}
		relayed = append(relayed, ev)
	}
	for _, ev := range relayed {
		if ev.Kind == KindContent {
			t.Fatalf("outer content event should have been suppressed, got %+v", ev)
		}
	}
}

func TestSinkPushAndDrainPreservesOrder(t *testing.T) {
	sink := NewSink(8)
	ctx := context.Background()
	sink.Push(ctx, Event{Kind: KindContent, Content: "first"})
	sink.Push(ctx, Event{Kind: KindToolCall, ToolName: "echo"})

	drained := sink.drain()
	if len(drained) != 2 || drained[0].Content != "first" || drained[1].ToolName != "echo" {
		t.Fatalf("unexpected drain order: %+v", drained)
	}
	if len(sink.drain()) != 0 {
		t.Fatal("expected sink to be empty after drain")
	}
}

func TestTranslateAgentEventsMapsAllKinds(t *testing.T) {
	events := translateAgentEvents([]agentfactory.Event{
		{Type: agentfactory.EventContent, Content: "hi"},
		{Type: agentfactory.EventToolStart, ToolName: "echo", ToolArgs: "{}"},
		{Type: agentfactory.EventToolDone, ToolName: "echo", ToolResult: "ok"},
		{Type: agentfactory.EventToolError, ToolName: "echo", ToolError: fmt.Errorf("boom")},
		{Type: agentfactory.EventDone},
	})
	wantKinds := []Kind{KindContent, KindToolCall, KindToolCall, KindError, KindDone}
	if len(events) != len(wantKinds) {
		t.Fatalf("expected %d events, got %d", len(wantKinds), len(events))
	}
	for i, want := range wantKinds {
		if events[i].Kind != want {
			t.Fatalf("event %d: expected kind %q, got %q", i, want, events[i].Kind)
		}
	}
	if events[1].ToolStatus != "started" || events[2].ToolStatus != "completed" {
		t.Fatalf("expected started/completed tool statuses, got %+v / %+v", events[1], events[2])
	}
}
