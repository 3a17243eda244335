// Package assembler implements the Context Assembler (spec §4.10): it
// composes the full message list an agent run sees — a system hint, the
// compressed session history, and the new turn — from request headers and
// a session id. Named internal/assembler rather than internal/context to
// avoid import-name collision with the stdlib context package that every
// method here also takes.
package assembler

import (
	"context"
	"fmt"
	"time"

	"github.com/percolation-labs/rem/internal/llm"
	"github.com/percolation-labs/rem/internal/session"
)

// Assembler composes prompts from a tenant's session history.
type Assembler struct {
	sessions *session.Store
}

// New returns an Assembler backed by a session.Store already scoped to one
// tenant.
func New(sessions *session.Store) *Assembler {
	return &Assembler{sessions: sessions}
}

// nowFunc is overridable in tests so the system hint's date line is
// deterministic.
var nowFunc = func() time.Time { return time.Now().UTC() }

// Assemble builds the message list for one agent turn: system hint,
// compressed history, then the caller-supplied new turn(s). userID is the
// resolved identity for the request; nil means anonymous scope — the
// assembler is the single point where that resolution happens (spec
// §4.10), never fabricating a synthetic id.
func (a *Assembler) Assemble(ctx context.Context, sessionID string, userID *string, newTurns []llm.Message) ([]llm.Message, error) {
	hint := systemHint(userID)
	messages := []llm.Message{{Role: "system", Content: &hint}}

	if sessionID != "" {
		turns, err := a.sessions.LoadTurns(ctx, sessionID, true)
		if err != nil {
			return nil, fmt.Errorf("assembler: loading session history: %w", err)
		}
		for _, t := range turns {
			content := t.Content
			messages = append(messages, llm.Message{Role: t.Role, Content: &content})
		}
	}

	messages = append(messages, newTurns...)
	return messages, nil
}

// systemHint prepends the current date and either a REM LOOKUP hint for the
// user's profile or a note that the request is running in anonymous/shared
// scope — the original agent never auto-loads the profile, leaving that
// decision to the agent itself.
func systemHint(userID *string) string {
	date := nowFunc().Format("2006-01-02")
	if userID == nil || *userID == "" {
		return fmt.Sprintf("Current date: %s. No authenticated user for this request: "+
			"queries run in anonymous/shared scope (user_id IS NULL).", date)
	}
	return fmt.Sprintf("Current date: %s. User ID: %s. To load this user's profile, "+
		"issue REM LOOKUP %s.", date, *userID, *userID)
}
