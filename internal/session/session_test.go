package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/percolation-labs/rem/internal/storage/storagetest"
)

func TestCompressLeavesShortAndSystemMessagesAlone(t *testing.T) {
	c := NewCompressor(10)
	short := Turn{Role: "assistant", Content: "short"}
	if got := c.Compress(short, "key"); got.Compressed {
		t.Fatalf("expected short message not to compress, got %+v", got)
	}

	longSystem := Turn{Role: "system", Content: strings.Repeat("x", 1000)}
	if got := c.Compress(longSystem, "key"); got.Compressed {
		t.Fatalf("expected system message not to compress, got %+v", got)
	}
}

func TestCompressLongAssistantMessage(t *testing.T) {
	c := NewCompressor(10)
	content := strings.Repeat("a", 10) + strings.Repeat("b", 100) + strings.Repeat("c", 10)
	turn := Turn{Role: "assistant", Content: content}

	compressed := c.Compress(turn, "session-s1-msg-3")
	if !compressed.Compressed {
		t.Fatal("expected message to be compressed")
	}
	if compressed.EntityKey != "session-s1-msg-3" {
		t.Fatalf("unexpected entity key: %q", compressed.EntityKey)
	}
	if !strings.Contains(compressed.Content, "REM LOOKUP session-s1-msg-3") {
		t.Fatalf("expected lookup hint in compressed content, got %q", compressed.Content)
	}
	if compressed.OriginalLength != len(content) {
		t.Fatalf("expected original length %d, got %d", len(content), compressed.OriginalLength)
	}
}

func TestDecompressRestoresContent(t *testing.T) {
	c := NewCompressor(10)
	turn := Turn{Role: "assistant", Content: "truncated...", Compressed: true, EntityKey: "k1", OriginalLength: 500}
	full := c.Decompress(turn, "the full original content")
	if full.Compressed {
		t.Fatal("expected Compressed to be cleared")
	}
	if full.Content != "the full original content" {
		t.Fatalf("unexpected content: %q", full.Content)
	}
	if full.EntityKey != "" {
		t.Fatalf("expected entity key cleared, got %q", full.EntityKey)
	}
}

func TestAppendAndLoadTurnsRoundTrip(t *testing.T) {
	store := storagetest.New()
	s := New("tenant-a", store, NewCompressor(10))

	base := time.Now().UTC()
	turns := []Turn{
		{Role: "system", Content: "you are a helpful assistant", Timestamp: base},
		{Role: "user", Content: "hello there", Timestamp: base.Add(time.Minute)},
		{Role: "assistant", Content: strings.Repeat("a", 10) + strings.Repeat("b", 100) + strings.Repeat("c", 10), Timestamp: base.Add(2 * time.Minute)},
	}
	for i, turn := range turns {
		if err := s.AppendTurn(context.Background(), nil, "session-1", i, turn); err != nil {
			t.Fatalf("AppendTurn %d: %v", i, err)
		}
	}

	loaded, err := s.LoadTurns(context.Background(), "session-1", true)
	if err != nil {
		t.Fatalf("LoadTurns: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(loaded))
	}
	if loaded[2].Role != "assistant" || !loaded[2].Compressed {
		t.Fatalf("expected third turn compressed, got %+v", loaded[2])
	}
	if loaded[2].EntityKey != "session-session-1-msg-2" {
		t.Fatalf("unexpected entity key: %q", loaded[2].EntityKey)
	}

	uncompressed, err := s.LoadTurns(context.Background(), "session-1", false)
	if err != nil {
		t.Fatalf("LoadTurns uncompressed: %v", err)
	}
	if uncompressed[2].Compressed {
		t.Fatal("expected no compression when compress=false")
	}
}

func TestRetrieveTurnRecoversFullContent(t *testing.T) {
	store := storagetest.New()
	s := New("tenant-a", store, NewCompressor(10))

	full := strings.Repeat("a", 10) + strings.Repeat("b", 100) + strings.Repeat("c", 10)
	turn := Turn{Role: "assistant", Content: full, Timestamp: time.Now().UTC()}
	if err := s.AppendTurn(context.Background(), nil, "session-1", 0, turn); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	got, err := s.RetrieveTurn(context.Background(), "session-session-1-msg-0")
	if err != nil {
		t.Fatalf("RetrieveTurn: %v", err)
	}
	if got != full {
		t.Fatalf("expected full content recovered, got %q", got)
	}
}

func TestDecompressTurnsFallsBackOnFailedLookup(t *testing.T) {
	store := storagetest.New()
	s := New("tenant-a", store, NewCompressor(10))

	turns := []Turn{
		{Role: "assistant", Content: "truncated", Compressed: true, EntityKey: "session-missing-msg-0"},
	}
	out := s.DecompressTurns(context.Background(), turns)
	if len(out) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(out))
	}
	if !out[0].Compressed {
		t.Fatal("expected turn to remain compressed when lookup fails")
	}
}

func TestPartitionMarkerReturnedAsOrdinaryTurn(t *testing.T) {
	store := storagetest.New()
	s := New("tenant-a", store, NewCompressor(10))

	metadata := map[string]any{"tool_name": "session_partition", "summary": "compressed 10 messages"}
	_, err := store.AppendMessage(context.Background(), "tenant-a", nil, "session-1", "tool", `{"summary":"compressed 10 messages"}`, metadata, time.Now().UTC())
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	loaded, err := s.LoadTurns(context.Background(), "session-1", true)
	if err != nil {
		t.Fatalf("LoadTurns: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Role != "tool" {
		t.Fatalf("expected 1 ordinary tool turn, got %+v", loaded)
	}
	if loaded[0].Compressed {
		t.Fatal("expected partition marker turn not to be compressed")
	}
}
