package assembler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/percolation-labs/rem/internal/llm"
	"github.com/percolation-labs/rem/internal/session"
	"github.com/percolation-labs/rem/internal/storage/storagetest"
)

func strPtr(s string) *string { return &s }

func TestAssembleWithAuthenticatedUserIncludesLookupHint(t *testing.T) {
	nowFunc = func() time.Time { return time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC) }
	defer func() { nowFunc = func() time.Time { return time.Now().UTC() } }()

	store := storagetest.New()
	sessions := session.New("t1", store, nil)
	a := New(sessions)

	messages, err := a.Assemble(context.Background(), "", strPtr("user-42"), []llm.Message{
		{Role: "user", Content: strPtr("hello")},
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected system + new turn, got %d messages", len(messages))
	}
	if messages[0].Role != "system" || messages[0].Content == nil {
		t.Fatalf("expected a system message first, got %+v", messages[0])
	}
	if got := *messages[0].Content; !containsAll(got, "2026-07-30", "REM LOOKUP user-42") {
		t.Fatalf("expected date and LOOKUP hint in system message, got %q", got)
	}
}

func TestAssembleAnonymousUserGetsSharedScopeHint(t *testing.T) {
	store := storagetest.New()
	sessions := session.New("t1", store, nil)
	a := New(sessions)

	messages, err := a.Assemble(context.Background(), "", nil, nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !containsAll(*messages[0].Content, "anonymous", "user_id IS NULL") {
		t.Fatalf("expected anonymous-scope hint, got %q", *messages[0].Content)
	}
}

func TestAssembleIncludesCompressedSessionHistory(t *testing.T) {
	store := storagetest.New()
	sessions := session.New("t1", store, nil)
	a := New(sessions)

	ctx := context.Background()
	if err := sessions.AppendTurn(ctx, nil, "sess-1", 0, session.Turn{Role: "user", Content: "hi", Timestamp: time.Now()}); err != nil {
		t.Fatalf("seeding turn: %v", err)
	}
	if err := sessions.AppendTurn(ctx, nil, "sess-1", 1, session.Turn{Role: "assistant", Content: "hello there", Timestamp: time.Now()}); err != nil {
		t.Fatalf("seeding turn: %v", err)
	}

	messages, err := a.Assemble(ctx, "sess-1", nil, []llm.Message{{Role: "user", Content: strPtr("follow up")}})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	// system + 2 history turns + 1 new turn
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d: %+v", len(messages), messages)
	}
	if messages[1].Role != "user" || *messages[1].Content != "hi" {
		t.Fatalf("unexpected first history turn: %+v", messages[1])
	}
	if messages[3].Role != "user" || *messages[3].Content != "follow up" {
		t.Fatalf("unexpected new turn: %+v", messages[3])
	}
}

func containsAll(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
