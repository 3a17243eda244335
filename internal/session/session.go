// Package session persists and loads conversation turns, with opt-in
// inline compression of long assistant messages. Compression is a
// read-time transformation only: Store never discards content, it
// truncates what callers see when loading a session back.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/percolation-labs/rem/internal/storage"
)

// Compressor truncates long assistant turns, leaving a REM LOOKUP hint in
// their place. System and user messages are never compressed, and a turn
// is left alone if its content doesn't clear MinLengthForCompression.
type Compressor struct {
	TruncateLength int // characters kept from content's start and end
}

// NewCompressor returns a Compressor with the given head/tail length.
// A zero or negative length falls back to the default of 200.
func NewCompressor(truncateLength int) *Compressor {
	if truncateLength <= 0 {
		truncateLength = 200
	}
	return &Compressor{TruncateLength: truncateLength}
}

// MinLengthForCompression is the content length above which a turn
// becomes eligible for compression: twice the head/tail length, so head
// and tail substrings never overlap.
func (c *Compressor) MinLengthForCompression() int {
	return c.TruncateLength * 2
}

// Turn is one message in a session's ordered history.
type Turn struct {
	Role      string
	Content   string
	Timestamp time.Time

	// Compressed and EntityKey describe a turn that has been truncated
	// for display; EntityKey, when set, names the REM LOOKUP key that
	// recovers Content in full.
	Compressed     bool
	EntityKey      string
	OriginalLength int
}

// Compress truncates turn's content to a head+tail substring with an
// embedded lookup hint, unless the content is too short or the role is
// exempt. entityKey, if non-empty, is named in the hint so the agent can
// issue a LOOKUP to recover the original.
func (c *Compressor) Compress(turn Turn, entityKey string) Turn {
	if turn.Role == "system" || turn.Role == "user" || len(turn.Content) <= c.MinLengthForCompression() {
		return turn
	}

	n := c.TruncateLength
	head := turn.Content[:n]
	tail := turn.Content[len(turn.Content)-n:]

	var hint string
	if entityKey != "" {
		hint = fmt.Sprintf("%s\n\n... [Message truncated - REM LOOKUP %s to recover full content] ...\n\n%s", head, entityKey, tail)
	} else {
		omitted := len(turn.Content) - 2*n
		hint = fmt.Sprintf("%s\n\n... [Message truncated - %d characters omitted] ...\n\n%s", head, omitted, tail)
	}

	compressed := turn
	compressed.Content = hint
	compressed.Compressed = true
	compressed.OriginalLength = len(turn.Content)
	if entityKey != "" {
		compressed.EntityKey = entityKey
	}
	return compressed
}

// Decompress restores a compressed turn's full content, clearing the
// compression markers.
func (c *Compressor) Decompress(turn Turn, fullContent string) Turn {
	turn.Content = fullContent
	turn.Compressed = false
	turn.EntityKey = ""
	turn.OriginalLength = 0
	return turn
}

// Store persists and loads a tenant's session messages.
type Store struct {
	tenantID   string
	store      storage.Store
	compressor *Compressor
}

// New returns a Store scoped to one tenant.
func New(tenantID string, store storage.Store, compressor *Compressor) *Store {
	if compressor == nil {
		compressor = NewCompressor(0)
	}
	return &Store{tenantID: tenantID, store: store, compressor: compressor}
}

// entityKey is the REM LOOKUP key format for a stored message turn:
// session-{id}-msg-{index}.
func entityKey(sessionID string, index int) string {
	return fmt.Sprintf("session-%s-msg-%d", sessionID, index)
}

// AppendTurn persists one turn as a Message row, flagging it for
// compressed retrieval with an entity key if it's a long assistant turn.
// Every turn is written regardless, for a full audit trail; compression
// is decided again at load time, not baked into storage.
func (s *Store) AppendTurn(ctx context.Context, userID *string, sessionID string, index int, turn Turn) error {
	metadata := map[string]any{"message_index": index}
	if turn.Role == "assistant" && len(turn.Content) > s.compressor.MinLengthForCompression() {
		metadata["entity_key"] = entityKey(sessionID, index)
	}
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.store.AppendMessage(ctx, s.tenantID, userID, sessionID, turn.Role, turn.Content, metadata, ts)
	return err
}

// LoadTurns returns a session's turns in chronological order. If
// compress is true, long assistant turns are truncated with an embedded
// lookup hint; partition markers inserted by the moment builder are
// returned as ordinary tool turns, letting the agent read their recap
// without any special-casing.
func (s *Store) LoadTurns(ctx context.Context, sessionID string, compress bool) ([]Turn, error) {
	rows, err := s.store.SessionMessages(ctx, s.tenantID, sessionID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("session: loading turns: %w", err)
	}

	turns := make([]Turn, 0, len(rows))
	for _, row := range rows {
		role, _ := row.Columns["message_type"].(string)
		content, _ := row.Columns["content"].(string)
		turn := Turn{Role: role, Content: content, Timestamp: row.CreatedAt}

		meta, _ := row.Columns["metadata"].(map[string]any)
		key, _ := meta["entity_key"].(string)
		if key != "" && compress {
			turn = s.compressor.Compress(turn, key)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// RetrieveTurn recovers a compressed turn's full content by its entity
// key — the LOOKUP path a compressed turn's hint points the agent at.
func (s *Store) RetrieveTurn(ctx context.Context, entityKey string) (string, error) {
	row, err := s.store.FindMessageByEntityKey(ctx, s.tenantID, entityKey)
	if err != nil {
		return "", fmt.Errorf("session: looking up %q: %w", entityKey, err)
	}
	content, _ := row.Columns["content"].(string)
	return content, nil
}

// DecompressTurns resolves every compressed turn's lookup key back to
// full content, falling back to the compressed version if a lookup
// fails — never dropping a turn outright.
func (s *Store) DecompressTurns(ctx context.Context, turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	for i, turn := range turns {
		if !turn.Compressed || turn.EntityKey == "" {
			out[i] = turn
			continue
		}
		full, err := s.RetrieveTurn(ctx, turn.EntityKey)
		if err != nil || full == "" {
			out[i] = turn
			continue
		}
		out[i] = s.compressor.Decompress(turn, full)
	}
	return out
}
